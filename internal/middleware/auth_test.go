package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/medscan/internal/application"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newAuth() *Authenticator {
	return &Authenticator{
		Keys:    []APIKey{{Key: "k-clin", Subject: "dr-a", Role: "clinician"}, {Key: "k-admin", Subject: "ops", Role: application.RoleAdmin}},
		HMACKey: testKey,
		Issuer:  "medscan",
		Public:  map[string]bool{"/health": true},
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	p, err := newAuth().Authenticate("k-admin")
	require.NoError(t, err)
	assert.Equal(t, "ops", p.Subject)
	assert.True(t, p.IsAdmin())

	_, err = newAuth().Authenticate("nope")
	assert.Error(t, err)
}

func TestAuthenticateJWT(t *testing.T) {
	tok, err := IssueToken(testKey, "medscan", "dr-b", "clinician", time.Minute)
	require.NoError(t, err)

	p, err := newAuth().Authenticate(tok)
	require.NoError(t, err)
	assert.Equal(t, "dr-b", p.Subject)
	assert.False(t, p.IsAdmin())

	expired, err := IssueToken(testKey, "medscan", "dr-b", "clinician", -time.Minute)
	require.NoError(t, err)
	_, err = newAuth().Authenticate(expired)
	assert.Error(t, err)

	wrongIssuer, err := IssueToken(testKey, "other", "dr-b", "clinician", time.Minute)
	require.NoError(t, err)
	_, err = newAuth().Authenticate(wrongIssuer)
	assert.Error(t, err)

	forged, err := IssueToken([]byte("another-key-another-key-another!!"), "medscan", "dr-b", "admin", time.Minute)
	require.NoError(t, err)
	_, err = newAuth().Authenticate(forged)
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	var got application.Principal
	h := newAuth().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = application.PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"public path", "/health", "", http.StatusNoContent},
		{"missing header", "/v1/queue", "", http.StatusUnauthorized},
		{"empty bearer", "/v1/queue", "Bearer ", http.StatusUnauthorized},
		{"bad key", "/v1/queue", "Bearer wrong", http.StatusUnauthorized},
		{"bearer key", "/v1/queue", "Bearer k-clin", http.StatusNoContent},
		{"raw key", "/v1/queue", "k-clin", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "dr-a", got.Subject)
}
