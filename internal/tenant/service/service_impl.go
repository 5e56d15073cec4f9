package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/internal/clock"
	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	"github.com/buttermb/delviery-sub007/internal/identity"
	tenantdomain "github.com/buttermb/delviery-sub007/internal/tenant/domain"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{1,61}[a-z0-9])?$`)

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	resolver  identity.Resolver
	creditSvc creditdomain.Service
}

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Resolver  identity.Resolver    `optional:"true"`
	CreditSvc creditdomain.Service `optional:"true"`
}

func NewService(p ServiceParam) tenantdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("tenant.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		resolver:  p.Resolver,
		creditSvc: p.CreditSvc,
	}
}

// Create provisions a tenant with the creating user as its owner. The
// credit account and welcome grant are applied after the tenant commits
// so a failed grant leaves a retryable tenant, not a half-created one.
func (s *Service) Create(ctx context.Context, userID snowflake.ID, req tenantdomain.CreateTenantRequest) (*tenantdomain.TenantResponse, error) {
	if userID == 0 {
		return nil, tenantdomain.ErrInvalidUser
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, tenantdomain.ErrInvalidName
	}
	slug := normalizeSlug(req.Slug)
	if slug == "" {
		slug = normalizeSlug(name)
	}
	if !slugPattern.MatchString(slug) {
		return nil, tenantdomain.ErrInvalidSlug
	}
	plan, err := normalizePlan(req.Plan)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	tenant := tenantdomain.Tenant{
		ID:        s.genID.Generate(),
		Slug:      slug,
		Name:      name,
		Status:    tenantdomain.TenantStatusActive,
		Plan:      plan,
		Settings:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user tenantdomain.User
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return tenantdomain.ErrInvalidUser
			}
			return err
		}

		if err := tx.Create(&tenant).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return tenantdomain.ErrDuplicateSlug
			}
			return err
		}

		member := tenantdomain.TenantMember{
			ID:        s.genID.Generate(),
			TenantID:  tenant.ID,
			UserID:    userID,
			Role:      tenantdomain.RoleOwner,
			Status:    tenantdomain.MemberStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Create(&member).Error
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(userID)

	s.provisionCredits(ctx, tenant.ID)

	resp := toTenantResponse(&tenant)
	resp.Role = string(tenantdomain.RoleOwner)
	return resp, nil
}

// provisionCredits runs after the tenant row is visible. A failure here
// is logged, not returned; the scheduled grant sweep will catch the
// account up on its next pass.
func (s *Service) provisionCredits(ctx context.Context, tenantID snowflake.ID) {
	if s.creditSvc == nil {
		return
	}
	if err := s.creditSvc.EnsureAccount(ctx, tenantID); err != nil {
		s.log.Error("ensure credit account failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return
	}
	result, err := s.creditSvc.GrantFreeCredits(ctx, tenantID, creditdomain.GrantRequest{
		Source: creditdomain.GrantSourceProvisioning,
		Actor:  creditdomain.Actor{Type: creditdomain.ActorTypeSystem, ID: "provisioning"},
	})
	if err != nil {
		s.log.Error("provisioning grant failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return
	}
	if !result.Success {
		s.log.Warn("provisioning grant declined",
			zap.String("tenant_id", tenantID.String()),
			zap.String("reason", string(result.Reason)),
		)
	}
}

func (s *Service) Get(ctx context.Context, tenantID snowflake.ID) (*tenantdomain.TenantResponse, error) {
	tenant, err := s.loadTenant(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	return toTenantResponse(tenant), nil
}

// Update applies partial changes. A plan change keeps the provisioned
// credit account's metering flag in the same transaction, and a status
// change flushes every cached identity so suspended tenants drop out of
// scopes immediately.
func (s *Service) Update(ctx context.Context, tenantID snowflake.ID, req tenantdomain.UpdateTenantRequest) (*tenantdomain.TenantResponse, error) {
	var tenant *tenantdomain.Tenant
	statusChanged := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.loadTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		tenant = loaded

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return tenantdomain.ErrInvalidName
			}
			tenant.Name = name
		}
		if req.Status != nil {
			status := strings.ToLower(strings.TrimSpace(*req.Status))
			if status != tenantdomain.TenantStatusActive && status != tenantdomain.TenantStatusSuspended {
				return tenantdomain.ErrInvalidStatus
			}
			statusChanged = tenant.Status != status
			tenant.Status = status
		}
		if req.Plan != nil {
			plan, err := normalizePlan(*req.Plan)
			if err != nil {
				return err
			}
			if tenant.Plan != plan {
				tenant.Plan = plan
				isFree := plan != tenantdomain.PlanUnmetered
				if err := tx.Exec(
					`UPDATE credit_accounts SET is_free_tier = ?, updated_at = ? WHERE tenant_id = ?`,
					isFree, s.clock.Now(), tenantID,
				).Error; err != nil {
					return err
				}
			}
		}
		if req.Settings != nil {
			settings := datatypes.JSONMap{}
			for key, value := range req.Settings {
				settings[key] = value
			}
			tenant.Settings = settings
		}

		tenant.UpdatedAt = s.clock.Now()
		return tx.Save(tenant).Error
	})
	if err != nil {
		return nil, err
	}
	if statusChanged && s.resolver != nil {
		s.resolver.InvalidateAll()
	}
	return toTenantResponse(tenant), nil
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID) ([]tenantdomain.TenantResponse, error) {
	if userID == 0 {
		return nil, tenantdomain.ErrInvalidUser
	}

	var members []tenantdomain.TenantMember
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, tenantdomain.MemberStatusActive).
		Find(&members).Error; err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []tenantdomain.TenantResponse{}, nil
	}

	roleByTenant := make(map[snowflake.ID]tenantdomain.MemberRole, len(members))
	ids := make([]snowflake.ID, 0, len(members))
	for _, member := range members {
		roleByTenant[member.TenantID] = member.Role
		ids = append(ids, member.TenantID)
	}

	var tenants []tenantdomain.Tenant
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("created_at").
		Find(&tenants).Error; err != nil {
		return nil, err
	}

	out := make([]tenantdomain.TenantResponse, 0, len(tenants))
	for i := range tenants {
		resp := toTenantResponse(&tenants[i])
		resp.Role = string(roleByTenant[tenants[i].ID])
		out = append(out, *resp)
	}
	return out, nil
}

// AddMember invites a user by email, provisioning the user row when the
// address is new. The membership stays invited until the user accepts.
func (s *Service) AddMember(ctx context.Context, tenantID snowflake.ID, req tenantdomain.AddMemberRequest) (*tenantdomain.MemberResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, tenantdomain.ErrInvalidEmail
	}
	role, ok := tenantdomain.ParseRole(string(req.Role))
	if !ok {
		return nil, tenantdomain.ErrInvalidRole
	}

	now := s.clock.Now()
	var member tenantdomain.TenantMember
	var user tenantdomain.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadTenant(ctx, tx, tenantID); err != nil {
			return err
		}

		err := tx.First(&user, "email = ?", email).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			user = tenantdomain.User{
				ID:          s.genID.Generate(),
				Email:       email,
				DisplayName: strings.TrimSpace(req.DisplayName),
				Status:      tenantdomain.UserStatusActive,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		var existing tenantdomain.TenantMember
		err = tx.First(&existing, "tenant_id = ? AND user_id = ?", tenantID, user.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			member = tenantdomain.TenantMember{
				ID:        s.genID.Generate(),
				TenantID:  tenantID,
				UserID:    user.ID,
				Role:      role,
				Status:    tenantdomain.MemberStatusInvited,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&member).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return tenantdomain.ErrDuplicateMember
				}
				return err
			}
			return nil
		case err != nil:
			return err
		case existing.Status == tenantdomain.MemberStatusRemoved:
			// Re-invite: the old row comes back rather than a second one.
			existing.Role = role
			existing.Status = tenantdomain.MemberStatusInvited
			existing.UpdatedAt = now
			member = existing
			return tx.Save(&existing).Error
		default:
			return tenantdomain.ErrDuplicateMember
		}
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(user.ID)
	return toMemberResponse(&member, &user), nil
}

// AcceptInvite activates the caller's own invited membership.
func (s *Service) AcceptInvite(ctx context.Context, tenantID, userID snowflake.ID) (*tenantdomain.MemberResponse, error) {
	if userID == 0 {
		return nil, tenantdomain.ErrInvalidUser
	}
	var member tenantdomain.TenantMember
	var user tenantdomain.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&member, "tenant_id = ? AND user_id = ? AND status = ?",
			tenantID, userID, tenantdomain.MemberStatusInvited).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tenantdomain.ErrMemberNotFound
		}
		if err != nil {
			return err
		}
		member.Status = tenantdomain.MemberStatusActive
		member.UpdatedAt = s.clock.Now()
		if err := tx.Save(&member).Error; err != nil {
			return err
		}
		return tx.First(&user, "id = ?", userID).Error
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(userID)
	return toMemberResponse(&member, &user), nil
}

// UpdateMemberRole changes a membership's role. Demoting the last active
// owner is refused so a tenant can never strand itself.
func (s *Service) UpdateMemberRole(ctx context.Context, tenantID, memberID snowflake.ID, role tenantdomain.MemberRole) (*tenantdomain.MemberResponse, error) {
	parsed, ok := tenantdomain.ParseRole(string(role))
	if !ok {
		return nil, tenantdomain.ErrInvalidRole
	}

	var member tenantdomain.TenantMember
	var user tenantdomain.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&member, "id = ? AND tenant_id = ?", memberID, tenantID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tenantdomain.ErrMemberNotFound
		}
		if err != nil {
			return err
		}

		if member.Role == tenantdomain.RoleOwner && parsed != tenantdomain.RoleOwner {
			others, err := s.countOtherActiveOwners(ctx, tx, tenantID, member.ID)
			if err != nil {
				return err
			}
			if others == 0 {
				return tenantdomain.ErrLastOwner
			}
		}

		member.Role = parsed
		member.UpdatedAt = s.clock.Now()
		if err := tx.Save(&member).Error; err != nil {
			return err
		}
		return tx.First(&user, "id = ?", member.UserID).Error
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(member.UserID)
	return toMemberResponse(&member, &user), nil
}

// RemoveMember soft-removes a membership, keeping the row for reinvites
// and history. The last active owner cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, tenantID, memberID snowflake.ID) error {
	var member tenantdomain.TenantMember
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&member, "id = ? AND tenant_id = ?", memberID, tenantID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tenantdomain.ErrMemberNotFound
		}
		if err != nil {
			return err
		}

		if member.Role == tenantdomain.RoleOwner && member.Status == tenantdomain.MemberStatusActive {
			others, err := s.countOtherActiveOwners(ctx, tx, tenantID, member.ID)
			if err != nil {
				return err
			}
			if others == 0 {
				return tenantdomain.ErrLastOwner
			}
		}

		member.Status = tenantdomain.MemberStatusRemoved
		member.UpdatedAt = s.clock.Now()
		return tx.Save(&member).Error
	})
	if err != nil {
		return err
	}
	s.invalidate(member.UserID)
	return nil
}

func (s *Service) ListMembers(ctx context.Context, tenantID snowflake.ID) ([]tenantdomain.MemberResponse, error) {
	if _, err := s.loadTenant(ctx, s.db, tenantID); err != nil {
		return nil, err
	}

	var members []tenantdomain.TenantMember
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status <> ?", tenantID, tenantdomain.MemberStatusRemoved).
		Order("created_at").
		Find(&members).Error; err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []tenantdomain.MemberResponse{}, nil
	}

	userIDs := make([]snowflake.ID, 0, len(members))
	for _, member := range members {
		userIDs = append(userIDs, member.UserID)
	}
	var users []tenantdomain.User
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, err
	}
	userByID := make(map[snowflake.ID]*tenantdomain.User, len(users))
	for i := range users {
		userByID[users[i].ID] = &users[i]
	}

	out := make([]tenantdomain.MemberResponse, 0, len(members))
	for i := range members {
		out = append(out, *toMemberResponse(&members[i], userByID[members[i].UserID]))
	}
	return out, nil
}

func (s *Service) IsMember(ctx context.Context, tenantID, userID snowflake.ID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&tenantdomain.TenantMember{}).
		Where("tenant_id = ? AND user_id = ? AND status = ?", tenantID, userID, tenantdomain.MemberStatusActive).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) loadTenant(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*tenantdomain.Tenant, error) {
	if tenantID == 0 {
		return nil, tenantdomain.ErrTenantNotFound
	}
	var tenant tenantdomain.Tenant
	err := tx.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, tenantdomain.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *Service) countOtherActiveOwners(ctx context.Context, tx *gorm.DB, tenantID, excludeMemberID snowflake.ID) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&tenantdomain.TenantMember{}).
		Where("tenant_id = ? AND id <> ? AND role = ? AND status = ?",
			tenantID, excludeMemberID, tenantdomain.RoleOwner, tenantdomain.MemberStatusActive).
		Count(&count).Error
	return count, err
}

func (s *Service) invalidate(userID snowflake.ID) {
	if s.resolver != nil && userID != 0 {
		s.resolver.Invalidate(userID)
	}
}

func normalizeSlug(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.ReplaceAll(value, " ", "-")
	return value
}

func normalizePlan(value string) (string, error) {
	plan := strings.ToLower(strings.TrimSpace(value))
	switch plan {
	case "":
		return tenantdomain.PlanMetered, nil
	case tenantdomain.PlanMetered, tenantdomain.PlanUnmetered:
		return plan, nil
	default:
		return "", fmt.Errorf("%w: %s", tenantdomain.ErrInvalidPlan, plan)
	}
}

func toTenantResponse(tenant *tenantdomain.Tenant) *tenantdomain.TenantResponse {
	resp := &tenantdomain.TenantResponse{
		ID:        tenant.ID.String(),
		Slug:      tenant.Slug,
		Name:      tenant.Name,
		Status:    tenant.Status,
		Plan:      tenant.Plan,
		CreatedAt: tenant.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(tenant.Settings) > 0 {
		resp.Settings = map[string]any(tenant.Settings)
	}
	return resp
}

func toMemberResponse(member *tenantdomain.TenantMember, user *tenantdomain.User) *tenantdomain.MemberResponse {
	resp := &tenantdomain.MemberResponse{
		ID:        member.ID.String(),
		TenantID:  member.TenantID.String(),
		UserID:    member.UserID.String(),
		Role:      string(member.Role),
		Status:    member.Status,
		CreatedAt: member.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if user != nil {
		resp.Email = user.Email
		resp.Name = user.DisplayName
	}
	return resp
}
