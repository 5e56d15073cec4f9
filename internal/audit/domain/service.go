package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"

	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
)

// Entry is what callers record. Actor and request attribution are taken
// from the request context when the caller leaves them empty.
type Entry struct {
	TenantID     snowflake.ID
	ActorType    string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Bypass       bool
	Metadata     map[string]any
}

type ListRequest struct {
	TenantID     snowflake.ID
	Action       string
	ResourceType string
	ActorType    string
	BypassOnly   bool
	PageToken    string
	PageSize     int32
}

type LogResponse struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id,omitempty"`
	ActorType    string         `json:"actor_type"`
	ActorID      string         `json:"actor_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Bypass       bool           `json:"bypass,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

type ListResponse struct {
	Logs     []LogResponse       `json:"logs"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

// Service records and lists audit entries. Record failures are returned
// to the caller; whether they abort the surrounding operation is the
// caller's call.
type Service interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var ErrInvalidAction = errors.New("invalid_action")
