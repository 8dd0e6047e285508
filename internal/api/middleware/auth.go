package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/auth"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/common"
)

const identityKey = "identity"

// TokenValidator is satisfied by *auth.Authenticator.
type TokenValidator interface {
	Validate(token string) (auth.Identity, error)
}

// Auth requires a valid bearer token and stores its identity on the context.
func Auth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			c.Error(common.Errf(http.StatusUnauthorized, "missing bearer token"))
			c.Abort()
			return
		}

		id, err := v.Validate(strings.TrimSpace(token))
		if err != nil {
			c.Error(common.Errf(http.StatusUnauthorized, "invalid token"))
			c.Abort()
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the caller set by Auth.
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

// SetIdentity is used by tests and by routes mounted without Auth.
func SetIdentity(c *gin.Context, id auth.Identity) {
	c.Set(identityKey, id)
}
