package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pipeworks-io/pipeworks/authz"
)

// Headers set by the authenticating proxy (oauth2-proxy conventions).
const (
	HeaderForwardedEmail  = "X-Forwarded-Email"
	HeaderForwardedGroups = "X-Forwarded-Groups"

	identityKey = "identity"
)

// ForwardedIdentity extracts the caller identity the authenticating proxy
// forwarded and stores it in the Gin context. Requests without the headers
// carry an empty identity; authorization policies decide what that means.
func ForwardedIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := authz.Identity{
			Email:  strings.TrimSpace(c.GetHeader(HeaderForwardedEmail)),
			Groups: splitGroups(c.GetHeader(HeaderForwardedGroups)),
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the caller identity stored by ForwardedIdentity.
func IdentityFrom(c *gin.Context) authz.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(authz.Identity); ok {
			return id
		}
	}
	return authz.Identity{}
}

func splitGroups(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	groups := make([]string, 0, len(parts))
	for _, p := range parts {
		if g := strings.TrimSpace(p); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}
