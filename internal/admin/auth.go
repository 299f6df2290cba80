package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var ErrUnauthorized = errors.New("admin: unauthorized")

// staticToken accepts a single shared bearer token. An empty token denies everything.
type staticToken string

func (s staticToken) validate(token string) error {
	if s == "" || subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func requireToken(token staticToken) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		bearer, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token.validate(strings.TrimSpace(bearer)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}
