package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service manages a tenant's API keys. Authenticate is the hot path the
// API-key middleware calls on every machine request.
type Service interface {
	Create(ctx context.Context, tenantID snowflake.ID, req CreateRequest) (*CreatedKeyResponse, error)
	List(ctx context.Context, tenantID snowflake.ID) ([]KeyResponse, error)
	Rotate(ctx context.Context, tenantID, keyID snowflake.ID) (*CreatedKeyResponse, error)
	Revoke(ctx context.Context, tenantID, keyID snowflake.ID) error

	Authenticate(ctx context.Context, token string) (*AuthenticatedKey, error)
}

type CreateRequest struct {
	Name      string
	ExpiresAt *time.Time
}

// KeyResponse is the listable view of a key. The secret never appears.
type KeyResponse struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	KeyID      string `json:"key_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	LastUsedAt string `json:"last_used_at,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// CreatedKeyResponse carries the one-time plaintext token.
type CreatedKeyResponse struct {
	KeyResponse
	Token string `json:"token"`
}

// AuthenticatedKey identifies the tenant a verified token acts for.
type AuthenticatedKey struct {
	ID       snowflake.ID
	TenantID snowflake.ID
	KeyID    string
}

var (
	ErrInvalidName  = errors.New("invalid_name")
	ErrKeyNotFound  = errors.New("key_not_found")
	ErrInvalidToken = errors.New("invalid_token")
)
