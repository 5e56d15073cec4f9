package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"

	"github.com/buttermb/delviery-sub007/internal/authorization"
	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
)

// Service manages tenant-owned customer records. Every operation takes
// the caller's resolved scope; a customer outside the scope is reported
// as absent, never as forbidden.
type Service interface {
	Create(ctx context.Context, scope authorization.Scope, tenantID snowflake.ID, req CreateCustomerRequest) (*CustomerResponse, error)
	Get(ctx context.Context, scope authorization.Scope, tenantID, customerID snowflake.ID) (*CustomerResponse, error)
	Update(ctx context.Context, scope authorization.Scope, tenantID, customerID snowflake.ID, req UpdateCustomerRequest) (*CustomerResponse, error)
	Archive(ctx context.Context, scope authorization.Scope, tenantID, customerID snowflake.ID) error
	List(ctx context.Context, scope authorization.Scope, tenantID snowflake.ID, req ListCustomersRequest) (*ListCustomersResponse, error)
}

type CreateCustomerRequest struct {
	Name      string
	Email     string
	Phone     string
	LicenseNo string
	Metadata  map[string]any
}

type UpdateCustomerRequest struct {
	Name      *string
	Email     *string
	Phone     *string
	LicenseNo *string
	Status    *string
	Metadata  map[string]any
}

type ListCustomersRequest struct {
	Status string
	pagination.Pagination
}

type CustomerResponse struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Email     string         `json:"email,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	LicenseNo string         `json:"license_no,omitempty"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

type ListCustomersResponse struct {
	Customers []CustomerResponse   `json:"customers"`
	PageInfo  *pagination.PageInfo `json:"page_info"`
}

var (
	ErrInvalidName      = errors.New("invalid_name")
	ErrInvalidStatus    = errors.New("invalid_status")
	ErrCustomerNotFound = errors.New("customer_not_found")
)
