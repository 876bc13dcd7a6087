package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fslongjin/sandboxd/internal/store"
)

func newAuthStore(t *testing.T) *store.AuthStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewAuthStore(db)
}

func newAuthRouter(authStore *store.AuthStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(authStore), PrincipalMiddleware())
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, string(Principal(c)))
	})
	return r
}

func request(r *gin.Engine, token, principal string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIssueAPIKey(t *testing.T) {
	authStore := newAuthStore(t)

	token, rec, err := IssueAPIKey(context.Background(), authStore, "discord-bot", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, APIKeyPrefix))
	assert.Len(t, token, len(APIKeyPrefix)+48)
	assert.Equal(t, token[:prefixLen], rec.Prefix)
	require.NotNil(t, rec.ExpiresAt)

	stored, err := authStore.Lookup(context.Background(), keyHash(token))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, rec.ID, stored.ID)

	_, _, err = IssueAPIKey(context.Background(), authStore, "", 0)
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	authStore := newAuthStore(t)
	r := newAuthRouter(authStore)
	token, _, err := IssueAPIKey(context.Background(), authStore, "bot", 0)
	require.NoError(t, err)

	w := request(r, token, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, request(r, "", "alice").Code)
	assert.Equal(t, http.StatusUnauthorized, request(r, token+"x", "alice").Code)
	assert.Equal(t, http.StatusBadRequest, request(r, token, "").Code)
	assert.Equal(t, http.StatusBadRequest, request(r, token, "   ").Code)
}

func TestAuthMiddlewareRejectsExpiredKey(t *testing.T) {
	authStore := newAuthStore(t)
	r := newAuthRouter(authStore)

	token := APIKeyPrefix + "expired-key"
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, authStore.Create(context.Background(), &store.APIKeyRecord{
		ID:        "key-expired",
		Name:      "old",
		Prefix:    displayPrefix(token),
		KeyHash:   keyHash(token),
		ExpiresAt: &expired,
	}))

	assert.Equal(t, http.StatusUnauthorized, request(r, token, "alice").Code)
}

func TestEnsureBootstrapKey(t *testing.T) {
	authStore := newAuthStore(t)
	ctx := context.Background()
	r := newAuthRouter(authStore)

	require.NoError(t, EnsureBootstrapKey(ctx, authStore, ""))
	require.NoError(t, EnsureBootstrapKey(ctx, authStore, "sbd_from-config"))
	require.NoError(t, EnsureBootstrapKey(ctx, authStore, "sbd_from-config"))

	keys, err := authStore.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "bootstrap", keys[0].Name)

	assert.Equal(t, http.StatusOK, request(r, "sbd_from-config", "root").Code)
}
