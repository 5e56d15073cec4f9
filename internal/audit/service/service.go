package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/internal/audit/domain"
	"github.com/buttermb/delviery-sub007/internal/auditcontext"
	"github.com/buttermb/delviery-sub007/internal/clock"
	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record writes one audit row. Attribution left empty on the entry is
// pulled from the request context the middleware populated.
func (s *Service) Record(ctx context.Context, entry domain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return domain.ErrInvalidAction
	}

	actorType := entry.ActorType
	actorID := entry.ActorID
	if actorType == "" {
		actorType, actorID = auditcontext.ActorFromContext(ctx)
	}
	if actorType == "" {
		actorType = string(domain.ActorTypeSystem)
	}

	record := &domain.AuditLog{
		ID:           s.genID.Generate(),
		ActorType:    actorType,
		ActorID:      actorID,
		Action:       action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Bypass:       entry.Bypass,
		RequestID:    auditcontext.RequestIDFromContext(ctx),
		IPAddress:    auditcontext.IPAddressFromContext(ctx),
		UserAgent:    auditcontext.UserAgentFromContext(ctx),
		Metadata:     toJSONMap(entry.Metadata),
		CreatedAt:    s.clock.Now(),
	}
	if entry.TenantID != 0 {
		tenantID := entry.TenantID
		record.TenantID = &tenantID
	}

	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		s.log.Error("failed to write audit log",
			zap.String("action", action),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	filter := domain.ListFilter{
		TenantID:     req.TenantID,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ActorType:    req.ActorType,
		Limit:        int(pageSize) + 1,
	}
	if req.BypassOnly {
		bypass := true
		filter.Bypass = &bypass
	}
	if cursor, err := pagination.DecodeCursor(req.PageToken); err != nil {
		return domain.ListResponse{}, err
	} else if cursor != nil {
		decoded, err := decodeAuditCursor(cursor)
		if err != nil {
			return domain.ListResponse{}, err
		}
		filter.Cursor = decoded
	}

	rows, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return domain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, pageSize, func(row *domain.AuditLog) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        row.ID.String(),
			CreatedAt: row.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore && len(rows) > int(pageSize) {
		rows = rows[:pageSize]
	}

	resp := domain.ListResponse{Logs: make([]domain.LogResponse, 0, len(rows))}
	for _, row := range rows {
		if row == nil {
			continue
		}
		resp.Logs = append(resp.Logs, toLogResponse(row))
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func toLogResponse(row *domain.AuditLog) domain.LogResponse {
	out := domain.LogResponse{
		ID:           row.ID.String(),
		ActorType:    row.ActorType,
		ActorID:      row.ActorID,
		Action:       row.Action,
		ResourceType: row.ResourceType,
		ResourceID:   row.ResourceID,
		Bypass:       row.Bypass,
		RequestID:    row.RequestID,
		IPAddress:    row.IPAddress,
		UserAgent:    row.UserAgent,
		CreatedAt:    row.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if row.TenantID != nil {
		out.TenantID = row.TenantID.String()
	}
	if len(row.Metadata) > 0 {
		out.Metadata = map[string]any(row.Metadata)
	}
	return out
}

func decodeAuditCursor(cursor *pagination.Cursor) (*domain.AuditCursor, error) {
	id, err := strconv.ParseInt(cursor.ID, 10, 64)
	if err != nil {
		return nil, pagination.ErrInvalidPageToken
	}
	ts, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
	if err != nil {
		return nil, pagination.ErrInvalidPageToken
	}
	return &domain.AuditCursor{ID: snowflake.ID(id), CreatedAt: ts}, nil
}

func toJSONMap(in map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range in {
		out[key] = value
	}
	return out
}
