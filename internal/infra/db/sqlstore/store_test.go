package sqlstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/medscan/internal/domain/analysis"
)

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1 FROM scans WHERE id=$1 AND status IN ($2,$3)",
		Rebind("SELECT 1 FROM scans WHERE id=? AND status IN ("+In(2)+")"))
	assert.Equal(t, "SELECT '?' WHERE a=$1", Rebind("SELECT '?' WHERE a=?"))
	assert.Equal(t, "", In(0))
}

func TestPathsRoundTrip(t *testing.T) {
	s, err := encodePaths(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", s)

	s, err = encodePaths([]string{"scans/a/0.png", "scans/a/1.png"})
	require.NoError(t, err)
	got, err := decodePaths(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"scans/a/0.png", "scans/a/1.png"}, got)

	_, err = decodePaths("{broken")
	assert.Error(t, err)
}

func TestResultColumn(t *testing.T) {
	n, err := encodeResult(nil)
	require.NoError(t, err)
	assert.False(t, n.Valid)
	r, err := decodeResult(n)
	require.NoError(t, err)
	assert.Nil(t, r)

	in := &analysis.Result{Findings: "opacity", Structured: json.RawMessage(`[{"label":"opacity"}]`), Recommendations: "repeat"}
	n, err = encodeResult(in)
	require.NoError(t, err)
	r, err = decodeResult(n)
	require.NoError(t, err)
	assert.Equal(t, in.Findings, r.Findings)
	assert.JSONEq(t, string(in.Structured), string(r.Structured))
}

func TestNullables(t *testing.T) {
	assert.Nil(t, floatPtr(nullFloat(nil)))
	f := 0.0
	got := floatPtr(nullFloat(&f))
	require.NotNil(t, got)
	assert.Zero(t, *got)

	now := time.Now()
	assert.Nil(t, timePtr(nullTime(nil)))
	assert.True(t, timePtr(nullTime(&now)).Equal(now))
}

func TestValidJSON(t *testing.T) {
	assert.Equal(t, "{}", validJSON(" "))
	assert.Equal(t, `{"kind":"x"}`, validJSON(`{"kind":"x"}`))
	assert.JSONEq(t, `{"raw":"not json"}`, validJSON("not json"))
	assert.Equal(t, "-", StringOrDash(""))
}
