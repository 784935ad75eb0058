package middleware

import (
	"prediction-controlplane/pkg/config"
	"prediction-controlplane/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var AuthzModule = fx.Module("authz", fx.Provide(ProvideEnforcer))

// ProvideEnforcer loads the RBAC model and policy from the configured files.
func ProvideEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	model := cfg.AccessControl.Model
	policy := cfg.AccessControl.Policy

	if model == "" {
		model = "access/model.conf"
	}
	if policy == "" {
		policy = "access/policy.csv"
	}

	return casbin.NewEnforcer(model, policy)
}

// Authorize enforces role-based access on the request path. The role claim is
// already validated upstream; this is the boundary check the core itself does
// not repeat beyond its membership test.
func Authorize(e *casbin.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		cl, ok := ClaimsFrom(c)
		if !ok {
			c.AbortWithStatusJSON(401, gin.H{"error": gin.H{"code": errutil.StatusUnauthorized, "message": "missing identity"}})
			return
		}

		allowed, err := e.Enforce(string(cl.Role), c.Request.URL.Path, c.Request.Method)
		if err != nil {
			zap.L().Error("authz enforce failed", zap.Error(err))
			c.AbortWithStatusJSON(500, gin.H{"error": gin.H{"code": errutil.StatusInternal, "message": "authorization unavailable"}})
			return
		}

		if !allowed {
			c.AbortWithStatusJSON(403, gin.H{"error": gin.H{"code": errutil.StatusForbidden, "message": "insufficient role"}})
			return
		}

		c.Next()
	}
}
