package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

const (
	headerAPIKey = "X-API-Key"

	contextResolution = "tenant_resolution"
	contextTenantID   = "tenant_id"
)

// CredentialResolver turns a presented credential into a tenant handle.
type CredentialResolver interface {
	Resolve(ctx context.Context, cred tenancy.Credential) (*tenancy.Resolution, error)
}

// TenantAuth authenticates requests against the tenant registry.
type TenantAuth struct {
	resolver CredentialResolver
	logger   *logrus.Logger
}

func NewTenantAuth(resolver CredentialResolver, logger *logrus.Logger) *TenantAuth {
	return &TenantAuth{resolver: resolver, logger: logger}
}

// RequireTenant resolves X-API-Key or a bearer session token. On success
// the resolution is stored on the gin context and the actor is attached to
// the request context for audit entries.
func (ta *TenantAuth) RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := extractCredential(c)
		if !ok {
			utils.UnauthorizedResponse(c, "tenant credential required")
			c.Abort()
			return
		}

		res, err := ta.resolver.Resolve(c.Request.Context(), cred)
		if err != nil {
			if errors.Is(err, apperrors.ErrInvalidTenantCredential) {
				utils.UnauthorizedResponse(c, "invalid tenant credential")
			} else {
				ta.logger.WithError(err).Error("tenant credential resolution failed")
				utils.ServiceUnavailableResponse(c, "tenant resolution unavailable")
			}
			c.Abort()
			return
		}

		c.Set(contextResolution, res)
		c.Set(contextTenantID, res.Handle.TenantID().String())
		c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), res.Actor))
		c.Next()
	}
}

func extractCredential(c *gin.Context) (tenancy.Credential, bool) {
	if key := strings.TrimSpace(c.GetHeader(headerAPIKey)); key != "" {
		return tenancy.Credential{Kind: models.CredentialAPIKey, Secret: key}, true
	}
	authHeader := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && strings.TrimSpace(token) != "" {
		return tenancy.Credential{Kind: models.CredentialSession, Secret: strings.TrimSpace(token)}, true
	}
	return tenancy.Credential{}, false
}

// ResolutionFromContext returns what RequireTenant stored.
func ResolutionFromContext(c *gin.Context) (*tenancy.Resolution, bool) {
	v, ok := c.Get(contextResolution)
	if !ok {
		return nil, false
	}
	res, ok := v.(*tenancy.Resolution)
	return res, ok
}

// HandleFromContext returns the tenant handle of an authenticated request.
func HandleFromContext(c *gin.Context) (tenancy.Handle, bool) {
	res, ok := ResolutionFromContext(c)
	if !ok {
		return tenancy.Handle{}, false
	}
	return res.Handle, true
}
