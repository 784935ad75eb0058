package middleware

import (
	"strings"

	"prediction-controlplane/pkg/claims"
	"prediction-controlplane/pkg/config"
	"prediction-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"

	// ClaimsKey is where the resolved claims live on the gin context.
	ClaimsKey = "identity.claims"
)

type tokenClaims struct {
	jwt.Claims
	Role string `json:"role"`
}

// Identity resolves the caller's pre-validated identity claim. A signed bearer
// token wins when a secret is configured; the trusted gateway headers are the
// default path. The core never sees a request without a user id.
func Identity(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var resolved claims.Claims

		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") && cfg.Identity.JWTSecret != "" {
			raw := strings.TrimPrefix(auth, "Bearer ")

			tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
			if err != nil {
				c.AbortWithStatusJSON(401, gin.H{"error": gin.H{"code": errutil.StatusUnauthorized, "message": "invalid bearer token"}})
				return
			}

			var tc tokenClaims
			if err := tok.Claims([]byte(cfg.Identity.JWTSecret), &tc); err != nil {
				c.AbortWithStatusJSON(401, gin.H{"error": gin.H{"code": errutil.StatusUnauthorized, "message": "invalid bearer token"}})
				return
			}

			resolved = claims.Claims{UserID: tc.Subject, Role: claims.ParseRole(tc.Role)}
		} else {
			resolved = claims.Claims{
				UserID: strings.TrimSpace(c.GetHeader(HeaderUserID)),
				Role:   claims.ParseRole(c.GetHeader(HeaderUserRole)),
			}
		}

		if resolved.UserID == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": gin.H{"code": errutil.StatusUnauthorized, "message": "missing identity"}})
			return
		}

		c.Set(ClaimsKey, resolved)
		c.Request = c.Request.WithContext(claims.NewContext(c.Request.Context(), resolved))
		c.Next()
	}
}

// ClaimsFrom pulls the resolved claims off the gin context.
func ClaimsFrom(c *gin.Context) (claims.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return claims.Claims{}, false
	}
	cl, ok := v.(claims.Claims)
	return cl, ok
}
