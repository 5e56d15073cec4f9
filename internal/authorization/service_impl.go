package authorization

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/buttermb/delviery-sub007/internal/audit/domain"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// NewEnforcer builds the casbin enforcer backed by the casbin_rule table
// and makes sure the role capability matrix is in place.
func NewEnforcer(db *gorm.DB) (*casbin.Enforcer, error) {
	adapter, err := gormadapter.NewAdapterByDBUseTableName(db, "", "casbin_rule")
	if err != nil {
		return nil, fmt.Errorf("casbin adapter: %w", err)
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("casbin model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("casbin enforcer: %w", err)
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, fmt.Errorf("seed policies: %w", err)
	}
	return enforcer, nil
}

// seedPolicies installs the default role matrix. AddPolicy is a no-op
// for rules that already exist, so restarts are safe.
func seedPolicies(enforcer *casbin.Enforcer) error {
	policies := [][]string{
		{"viewer", ObjectTenant, ActionRead},
		{"viewer", ObjectMember, ActionRead},
		{"viewer", ObjectCredit, ActionRead},
		{"viewer", ObjectCustomer, ActionRead},

		{"member", ObjectCustomer, ActionCreate},
		{"member", ObjectCustomer, ActionUpdate},
		{"member", ObjectCredit, ActionConsume},

		{"admin", ObjectCustomer, ActionDelete},
		{"admin", ObjectTenant, ActionUpdate},
		{"admin", ObjectMember, ActionCreate},
		{"admin", ObjectMember, ActionUpdate},
		{"admin", ObjectMember, ActionDelete},
		{"admin", ObjectAPIKey, ActionRead},
		{"admin", ObjectAPIKey, ActionCreate},
		{"admin", ObjectAPIKey, ActionUpdate},
		{"admin", ObjectAPIKey, ActionDelete},
		{"admin", ObjectAuditLog, ActionRead},

		{"owner", ObjectTenant, ActionDelete},
	}
	groupings := [][]string{
		{"member", "viewer"},
		{"admin", "member"},
		{"owner", "admin"},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2]); err != nil {
			return err
		}
	}
	for _, grouping := range groupings {
		if _, err := enforcer.AddGroupingPolicy(grouping[0], grouping[1]); err != nil {
			return err
		}
	}
	return nil
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.Enforcer
	audit    auditdomain.Service
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.Enforcer
	Audit    auditdomain.Service
}

func NewService(p ServiceParam) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		audit:    p.Audit,
	}
}

// AuthorizeRead gates visibility into a tenant. Members of any role pass;
// platform staff pass with an audit record; everyone else gets ErrNotFound.
func (s *ServiceImpl) AuthorizeRead(ctx context.Context, scope Scope, tenantID snowflake.ID) error {
	if tenantID == 0 {
		return ErrInvalidTenant
	}
	if _, ok := scope.Roles[tenantID]; ok {
		return nil
	}
	if scope.Unrestricted {
		return s.recordBypass(ctx, scope, tenantID, ObjectTenant, ActionRead)
	}
	return ErrNotFound
}

// Authorize checks one capability inside a tenant. Unrestricted scopes may
// take any action without membership, but only with the bypass written to
// the audit log first.
func (s *ServiceImpl) Authorize(ctx context.Context, scope Scope, tenantID snowflake.ID, object, action string) error {
	if tenantID == 0 {
		return ErrInvalidTenant
	}
	if object == "" {
		return ErrInvalidObject
	}
	if action == "" {
		return ErrInvalidAction
	}

	role, isMember := scope.Roles[tenantID]
	if isMember {
		allowed, err := s.enforcer.Enforce(strings.ToLower(role), object, action)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
	}

	if scope.Unrestricted {
		return s.recordBypass(ctx, scope, tenantID, object, action)
	}

	if isMember {
		return ErrForbidden
	}
	return ErrNotFound
}

// recordBypass writes the audit row an unrestricted access rides on. If
// the row cannot be written the access is denied; bypass without a trail
// is not an option.
func (s *ServiceImpl) recordBypass(ctx context.Context, scope Scope, tenantID snowflake.ID, object, action string) error {
	err := s.audit.Record(ctx, auditdomain.Entry{
		TenantID:     tenantID,
		ActorType:    string(auditdomain.ActorTypeSuperAdmin),
		ActorID:      scope.UserID.String(),
		Action:       "authorization.bypass",
		ResourceType: object,
		Bypass:       true,
		Metadata:     map[string]any{"action": action},
	})
	if err != nil {
		s.log.Error("bypass audit write failed, denying access",
			zap.String("tenant_id", tenantID.String()),
			zap.String("user_id", scope.UserID.String()),
			zap.String("object", object),
			zap.String("action", action),
			zap.Error(err),
		)
		return fmt.Errorf("record bypass audit: %w", err)
	}
	s.log.Info("unrestricted access",
		zap.String("tenant_id", tenantID.String()),
		zap.String("user_id", scope.UserID.String()),
		zap.String("object", object),
		zap.String("action", action),
	)
	return nil
}
