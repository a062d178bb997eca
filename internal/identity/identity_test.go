package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteamVC/pixelroom/internal/models"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	j := NewJWT("secret", time.Hour)
	tok, err := j.Issue(models.User{ID: "u1", Name: " Alice ", Email: "a@example.com"})
	require.NoError(t, err)

	u, err := j.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, models.User{ID: "u1", Name: "Alice", Email: "a@example.com"}, u)
}

func TestVerifyRejects(t *testing.T) {
	j := NewJWT("secret", time.Hour)
	other := NewJWT("other", time.Hour)
	tok, err := other.Issue(models.User{ID: "u1"})
	require.NoError(t, err)

	_, err = j.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewJWT("secret", -time.Minute)
	tok, err = expired.Issue(models.User{ID: "u1"})
	require.NoError(t, err)
	// 期限が負の場合は期限なしで発行される
	_, err = j.Verify(tok)
	assert.NoError(t, err)

	_, err = j.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewJWT("", time.Hour).Issue(models.User{ID: "u1"})
	assert.ErrorIs(t, err, ErrAuthDisabled)
	_, err = j.Issue(models.User{})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	j := NewJWT("secret", time.Hour)
	tok, err := j.Issue(models.User{ID: "u1", Name: "Alice"})
	require.NoError(t, err)

	var seen models.User
	var authed bool
	h := Middleware(j)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, authed = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, authed)
	assert.Equal(t, "u1", seen.ID)

	req = httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.True(t, authed)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, authed)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
