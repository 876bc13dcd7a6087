package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/store"
)

const (
	APIKeyPrefix        = "sbd_"
	PrincipalHeader     = "X-Principal"
	ContextKeyAPIKeyID  = "auth_api_key_id"
	ContextKeyPrincipal = "auth_principal"
)

// AuthMiddleware authenticates the front-end client by Bearer API key.
func AuthMiddleware(authStore *store.AuthStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}
		if !authenticateAPIKey(c, authStore, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired API key",
			})
			return
		}
		c.Next()
	}
}

// PrincipalMiddleware reads the acting user's identity asserted by the
// authenticated front end. Must be used after AuthMiddleware.
func PrincipalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := model.Principal(strings.TrimSpace(c.GetHeader(PrincipalHeader)))
		if !principal.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": PrincipalHeader + " header is required",
			})
			return
		}
		c.Set(ContextKeyPrincipal, principal)
		c.Request = c.Request.WithContext(logx.WithPrincipal(c.Request.Context(), string(principal)))
		c.Next()
	}
}

// Principal returns the principal set by PrincipalMiddleware.
func Principal(c *gin.Context) model.Principal {
	v, _ := c.Get(ContextKeyPrincipal)
	p, _ := v.(model.Principal)
	return p
}

func authenticateAPIKey(c *gin.Context, authStore *store.AuthStore, token string) bool {
	apiKey, err := authStore.Lookup(c.Request.Context(), keyHash(token))
	if err != nil || apiKey == nil {
		return false
	}
	now := time.Now()
	if apiKey.Expired(now) {
		return false
	}
	c.Set(ContextKeyAPIKeyID, apiKey.ID)
	go func() {
		if err := authStore.Touch(context.Background(), apiKey.ID, now); err != nil {
			slog.Warn("failed to record api key use", "key_id", apiKey.ID, "error", err)
		}
	}()
	return true
}
