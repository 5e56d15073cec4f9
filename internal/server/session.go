package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"github.com/buttermb/delviery-sub007/internal/auditcontext"
	"github.com/buttermb/delviery-sub007/internal/authorization"
	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	"github.com/buttermb/delviery-sub007/internal/identity"
)

const (
	contextUserIDKey   = "session_user_id"
	contextIdentityKey = "session_identity"
)

// SessionRequired authenticates a session bearer token, resolves the
// caller's access snapshot, and stores it on the request. Tokens are
// HS256 JWTs minted by the identity frontend; the subject is the user id.
func (s *Server) SessionRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		userID, err := s.verifySessionToken(token)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ident, err := s.resolver.Resolve(c.Request.Context(), userID)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, userID.String())
		c.Set(contextIdentityKey, ident)

		actorType := creditdomain.ActorTypeUser
		if ident.SuperAdmin {
			actorType = creditdomain.ActorTypeSuperAdmin
		}
		ctx := auditcontext.WithActor(c.Request.Context(), actorType, userID.String())
		ctx = auditcontext.WithIPAddress(ctx, c.ClientIP())
		ctx = auditcontext.WithUserAgent(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// SuperAdminRequired gates platform-operator endpoints. It runs after
// SessionRequired on the same group.
func (s *Server) SuperAdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := s.identityFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if !ident.SuperAdmin {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// RateLimited applies the per-caller limiter to mutating credit routes.
// The key is the authenticated principal, falling back to the client IP.
func (s *Server) RateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ""
		if value, ok := c.Get(contextUserIDKey); ok {
			key, _ = value.(string)
		}
		if key == "" {
			if value, ok := c.Get(contextAPIKeyIDKey); ok {
				key, _ = value.(string)
			}
		}
		if key == "" {
			key = c.ClientIP()
		}
		if !s.limiter.Allow(key) {
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func (s *Server) verifySessionToken(token string) (snowflake.ID, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return []byte(s.cfg.Auth.SessionSigningKey), nil
	})
	if err != nil || !parsed.Valid {
		return 0, ErrUnauthorized
	}
	if issuer := s.cfg.Auth.SessionIssuer; issuer != "" && claims.Issuer != issuer {
		return 0, ErrUnauthorized
	}
	return snowflake.ParseString(strings.TrimSpace(claims.Subject))
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) identityFromContext(c *gin.Context) (*identity.Identity, bool) {
	value, ok := c.Get(contextIdentityKey)
	if !ok {
		return nil, false
	}
	ident, ok := value.(*identity.Identity)
	return ident, ok
}

// scopeFromContext builds the authorization scope for the request,
// regardless of whether a session or an API key authenticated it.
func (s *Server) scopeFromContext(c *gin.Context) (authorization.Scope, bool) {
	if ident, ok := s.identityFromContext(c); ok {
		return ident.Scope(), true
	}
	if scope, ok := apiKeyScopeFromContext(c); ok {
		return scope, true
	}
	return authorization.Scope{}, false
}

func (s *Server) userIDFromSession(c *gin.Context) (snowflake.ID, bool) {
	value, ok := c.Get(contextUserIDKey)
	if !ok {
		return 0, false
	}
	raw, ok := value.(string)
	if !ok {
		return 0, false
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return userID, true
}

// actorFromContext derives ledger attribution for credit operations.
func (s *Server) actorFromContext(c *gin.Context) creditdomain.Actor {
	if ident, ok := s.identityFromContext(c); ok {
		actorType := creditdomain.ActorTypeUser
		if ident.SuperAdmin {
			actorType = creditdomain.ActorTypeSuperAdmin
		}
		return creditdomain.Actor{Type: actorType, ID: ident.UserID.String()}
	}
	if value, ok := c.Get(contextAPIKeyIDKey); ok {
		if raw, ok := value.(string); ok && raw != "" {
			return creditdomain.Actor{Type: creditdomain.ActorTypeAPIKey, ID: raw}
		}
	}
	return creditdomain.Actor{Type: creditdomain.ActorTypeSystem}
}

func tenantIDParam(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param("id"))
	if raw == "" {
		return 0, newValidationError("id", "missing_id", "tenant id is required")
	}
	tenantID, err := snowflake.ParseString(raw)
	if err != nil {
		// An unparsable id can never reference a visible tenant.
		return 0, ErrNotFound
	}
	return tenantID, nil
}

func idParam(c *gin.Context, name string) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param(name))
	if raw == "" {
		return 0, newValidationError(name, "missing_"+name, name+" is required")
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, ErrNotFound
	}
	return id, nil
}
