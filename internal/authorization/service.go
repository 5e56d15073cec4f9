package authorization

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Objects and actions form the capability matrix enforced per tenant.
const (
	ObjectTenant   = "tenant"
	ObjectMember   = "member"
	ObjectCredit   = "credit"
	ObjectCustomer = "customer"
	ObjectAPIKey   = "api_key"
	ObjectAuditLog = "audit_log"
)

const (
	ActionRead    = "read"
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionConsume = "consume"
)

// Scope is the caller's resolved reach: which tenants they belong to and
// with what role. Unrestricted marks platform staff; their access never
// widens silently, every bypass is written to the audit log.
type Scope struct {
	UserID       snowflake.ID
	ActorType    string
	Unrestricted bool
	Roles        map[snowflake.ID]string
}

// Allows reports whether the scope can see into the tenant at all.
func (s Scope) Allows(tenantID snowflake.ID) bool {
	if s.Unrestricted {
		return true
	}
	_, ok := s.Roles[tenantID]
	return ok
}

// Role returns the caller's role in the tenant, if any.
func (s Scope) Role(tenantID snowflake.ID) (string, bool) {
	role, ok := s.Roles[tenantID]
	return role, ok
}

// TenantIDs lists the tenants the scope is a member of.
func (s Scope) TenantIDs() []snowflake.ID {
	out := make([]snowflake.ID, 0, len(s.Roles))
	for id := range s.Roles {
		out = append(out, id)
	}
	return out
}

// Apply narrows a list query to the scope's tenants. Unrestricted scopes
// pass through untouched.
func (s Scope) Apply(column string) func(tx *gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if s.Unrestricted {
			return tx
		}
		ids := s.TenantIDs()
		if len(ids) == 0 {
			return tx.Where("1 = 0")
		}
		return tx.Where(column+" IN ?", ids)
	}
}

// Service answers whether a scope may act within a tenant.
//
// AuthorizeRead is the cheap membership gate every tenant-scoped read
// passes through. Authorize adds the role capability check for writes
// and restricted reads. Both return ErrNotFound when the tenant is
// outside the scope entirely, so out-of-scope resources are
// indistinguishable from absent ones.
type Service interface {
	AuthorizeRead(ctx context.Context, scope Scope, tenantID snowflake.ID) error
	Authorize(ctx context.Context, scope Scope, tenantID snowflake.ID, object string, action string) error
}
