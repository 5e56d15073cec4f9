package identity

import (
	"github.com/bwmarrin/snowflake"

	"github.com/buttermb/delviery-sub007/internal/authorization"
)

// Identity is a user's resolved access snapshot: active memberships with
// their roles, plus the platform operator bit.
type Identity struct {
	UserID      snowflake.ID
	Email       string
	SuperAdmin  bool
	Memberships map[snowflake.ID]string
}

// Scope converts the identity into what the authorization layer consumes.
func (i *Identity) Scope() authorization.Scope {
	roles := make(map[snowflake.ID]string, len(i.Memberships))
	for tenantID, role := range i.Memberships {
		roles[tenantID] = role
	}
	actorType := "user"
	if i.SuperAdmin {
		actorType = "super_admin"
	}
	return authorization.Scope{
		UserID:       i.UserID,
		ActorType:    actorType,
		Unrestricted: i.SuperAdmin,
		Roles:        roles,
	}
}
