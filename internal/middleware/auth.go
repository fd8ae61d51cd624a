package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bryanwahyu/medscan/internal/application"
)

// APIKey is a static credential mapped to a principal.
type APIKey struct {
	Key     string `yaml:"key"`
	Subject string `yaml:"subject"`
	Role    string `yaml:"role"`
}

// Claims of the HMAC bearer tokens accepted next to API keys.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Authenticator resolves the Authorization header into an application.Principal.
type Authenticator struct {
	Keys    []APIKey
	HMACKey []byte
	Issuer  string
	// Public paths bypass authentication.
	Public map[string]bool
}

var errUnauthenticated = errors.New("unauthenticated")

// Middleware rejects requests without valid credentials with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}

		// "Bearer <key|jwt>" dan "<key>" dua-duanya diterima
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token == "" {
			http.Error(w, "invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		p, err := a.Authenticate(token)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(application.WithPrincipal(r.Context(), p)))
	})
}

// Authenticate checks token against the API keys first, then as an HS256 JWT.
func (a *Authenticator) Authenticate(token string) (application.Principal, error) {
	for _, k := range a.Keys {
		// constant-time, biar aman dari timing attack
		if k.Key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(k.Key)) == 1 {
			return application.Principal{Subject: k.Subject, Role: k.Role}, nil
		}
	}
	if len(a.HMACKey) == 0 || strings.Count(token, ".") != 2 {
		return application.Principal{}, errUnauthenticated
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	var claims Claims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.HMACKey, nil
	}, opts...); err != nil {
		return application.Principal{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if claims.Subject == "" {
		return application.Principal{}, fmt.Errorf("%w: token without subject", errUnauthenticated)
	}
	return application.Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// IssueToken signs a token for subject. Used by operators and tests.
func IssueToken(key []byte, issuer, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
