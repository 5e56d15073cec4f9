package identity

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/internal/cache"
	"github.com/buttermb/delviery-sub007/internal/config"
	tenantdomain "github.com/buttermb/delviery-sub007/internal/tenant/domain"
)

var ErrUnknownUser = errors.New("unknown_user")

// Resolver turns an authenticated user id into an access snapshot.
// Results are cached briefly; membership writes call Invalidate so a
// revoked grant never outlives the TTL.
type Resolver interface {
	Resolve(ctx context.Context, userID snowflake.ID) (*Identity, error)
	Invalidate(userID snowflake.ID)
	InvalidateAll()
}

type resolver struct {
	db    *gorm.DB
	log   *zap.Logger
	cache cache.Cache[snowflake.ID, *Identity]
	ttl   time.Duration
}

type ResolverParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
	Cfg config.Config
}

func NewResolver(p ResolverParam) Resolver {
	return &resolver{
		db:    p.DB,
		log:   p.Log.Named("identity.resolver"),
		cache: cache.NewTTLCache[snowflake.ID, *Identity](),
		ttl:   p.Cfg.Auth.IdentityCacheTTL,
	}
}

// Resolve loads the user, the super admin bit, and every active
// membership in an active tenant. These queries are the one place reads
// run unscoped: they are what scoping is built from.
func (r *resolver) Resolve(ctx context.Context, userID snowflake.ID) (*Identity, error) {
	if userID == 0 {
		return nil, ErrUnknownUser
	}
	if cached, ok := r.cache.Get(userID); ok {
		return cached, nil
	}

	var user struct {
		ID     snowflake.ID
		Email  string
		Status string
	}
	res := r.db.WithContext(ctx).Raw(
		`SELECT id, email, status FROM users WHERE id = ?`, userID,
	).Scan(&user)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 || user.Status != tenantdomain.UserStatusActive {
		return nil, ErrUnknownUser
	}

	ident := &Identity{
		UserID:      userID,
		Email:       user.Email,
		Memberships: make(map[snowflake.ID]string),
	}

	var superCount int64
	if err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM super_admins WHERE user_id = ?`, userID,
	).Scan(&superCount).Error; err != nil {
		return nil, err
	}
	ident.SuperAdmin = superCount > 0

	var memberships []struct {
		TenantID snowflake.ID
		Role     string
	}
	if err := r.db.WithContext(ctx).Raw(
		`SELECT tm.tenant_id, tm.role
		 FROM tenant_members tm
		 JOIN tenants t ON t.id = tm.tenant_id
		 WHERE tm.user_id = ? AND tm.status = ? AND t.status = ?`,
		userID, tenantdomain.MemberStatusActive, tenantdomain.TenantStatusActive,
	).Scan(&memberships).Error; err != nil {
		return nil, err
	}
	for _, row := range memberships {
		ident.Memberships[row.TenantID] = row.Role
	}

	r.cache.Set(userID, ident, r.ttl)
	return ident, nil
}

func (r *resolver) Invalidate(userID snowflake.ID) {
	r.cache.Delete(userID)
}

func (r *resolver) InvalidateAll() {
	r.cache.Flush()
}
