package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Service manages tenants and their memberships.
type Service interface {
	Create(ctx context.Context, userID snowflake.ID, req CreateTenantRequest) (*TenantResponse, error)
	Get(ctx context.Context, tenantID snowflake.ID) (*TenantResponse, error)
	Update(ctx context.Context, tenantID snowflake.ID, req UpdateTenantRequest) (*TenantResponse, error)
	ListByUser(ctx context.Context, userID snowflake.ID) ([]TenantResponse, error)

	AddMember(ctx context.Context, tenantID snowflake.ID, req AddMemberRequest) (*MemberResponse, error)
	AcceptInvite(ctx context.Context, tenantID, userID snowflake.ID) (*MemberResponse, error)
	UpdateMemberRole(ctx context.Context, tenantID, memberID snowflake.ID, role MemberRole) (*MemberResponse, error)
	RemoveMember(ctx context.Context, tenantID, memberID snowflake.ID) error
	ListMembers(ctx context.Context, tenantID snowflake.ID) ([]MemberResponse, error)
	IsMember(ctx context.Context, tenantID, userID snowflake.ID) (bool, error)
}

type CreateTenantRequest struct {
	Name string
	Slug string
	Plan string
}

type UpdateTenantRequest struct {
	Name     *string
	Status   *string
	Plan     *string
	Settings map[string]any
}

type AddMemberRequest struct {
	Email       string
	DisplayName string
	Role        MemberRole
}

type TenantResponse struct {
	ID        string         `json:"id"`
	Slug      string         `json:"slug"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Plan      string         `json:"plan"`
	Settings  map[string]any `json:"settings,omitempty"`
	Role      string         `json:"role,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type MemberResponse struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

var (
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidSlug     = errors.New("invalid_slug")
	ErrInvalidPlan     = errors.New("invalid_plan")
	ErrInvalidStatus   = errors.New("invalid_status")
	ErrInvalidEmail    = errors.New("invalid_email")
	ErrInvalidRole     = errors.New("invalid_role")
	ErrInvalidUser     = errors.New("invalid_user")
	ErrTenantNotFound  = errors.New("tenant_not_found")
	ErrMemberNotFound  = errors.New("member_not_found")
	ErrDuplicateSlug   = errors.New("slug_taken")
	ErrDuplicateMember = errors.New("member_exists")
	ErrLastOwner       = errors.New("last_owner")
)
