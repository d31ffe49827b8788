package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"crop-diagnosis-back/internal/auth"

	"github.com/gin-gonic/gin"
)

const (
	CookieName = "auth_token"
	userIDKey  = "userID"
)

// AuthMiddleware rejects requests without a valid token.
func AuthMiddleware(tokens *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := tokenFrom(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			return
		}
		if !authenticate(c, tokens, raw) {
			return
		}
		c.Next()
	}
}

// OptionalAuth lets anonymous requests through but still rejects a token
// that is present and invalid.
func OptionalAuth(tokens *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := tokenFrom(c); raw != "" && !authenticate(c, tokens, raw) {
			return
		}
		c.Next()
	}
}

// OwnerID is the authenticated user's id as a media owner, or nil.
func OwnerID(c *gin.Context) *string {
	id := c.GetUint(userIDKey)
	if id == 0 {
		return nil
	}
	s := strconv.FormatUint(uint64(id), 10)
	return &s
}

func authenticate(c *gin.Context, tokens *auth.Manager, raw string) bool {
	claims, err := tokens.ParseToken(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return false
	}
	c.Set(userIDKey, claims.UserID)
	return true
}

func tokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := c.Cookie(CookieName); err == nil {
		return cookie
	}
	return ""
}
