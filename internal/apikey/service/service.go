package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/internal/apikey/domain"
	auditdomain "github.com/buttermb/delviery-sub007/internal/audit/domain"
	"github.com/buttermb/delviery-sub007/internal/clock"
)

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	auditSvc auditdomain.Service
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	AuditSvc auditdomain.Service `optional:"true"`
}

func New(p ServiceParam) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("apikey.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, tenantID snowflake.ID, req domain.CreateRequest) (*domain.CreatedKeyResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	keyID, secret, err := domain.NewToken()
	if err != nil {
		return nil, err
	}
	hash, err := domain.HashSecret(secret)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	key := domain.APIKey{
		ID:         s.genID.Generate(),
		TenantID:   tenantID,
		KeyID:      keyID,
		SecretHash: hash,
		Name:       name,
		Status:     domain.StatusActive,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, s.db, &key); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, tenantID, "apikey.create", key.ID.String(), map[string]any{"key_id": keyID, "name": name})

	return &domain.CreatedKeyResponse{
		KeyResponse: toKeyResponse(&key),
		Token:       keyID + "." + secret,
	}, nil
}

func (s *Service) List(ctx context.Context, tenantID snowflake.ID) ([]domain.KeyResponse, error) {
	keys, err := s.repo.List(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.KeyResponse, 0, len(keys))
	for i := range keys {
		out = append(out, toKeyResponse(&keys[i]))
	}
	return out, nil
}

// Rotate revokes the key and mints a replacement with the same name and
// expiry in one transaction, so there is no window with zero valid keys
// only if callers deploy the new token before revoking others.
func (s *Service) Rotate(ctx context.Context, tenantID, keyID snowflake.ID) (*domain.CreatedKeyResponse, error) {
	var created *domain.CreatedKeyResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, err := s.repo.FindByID(ctx, tx, tenantID, keyID)
		if err != nil {
			return err
		}
		if key == nil {
			return domain.ErrKeyNotFound
		}

		now := s.clock.Now()
		key.Status = domain.StatusRevoked
		key.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, key); err != nil {
			return err
		}

		publicID, secret, err := domain.NewToken()
		if err != nil {
			return err
		}
		hash, err := domain.HashSecret(secret)
		if err != nil {
			return err
		}
		next := domain.APIKey{
			ID:         s.genID.Generate(),
			TenantID:   tenantID,
			KeyID:      publicID,
			SecretHash: hash,
			Name:       key.Name,
			Status:     domain.StatusActive,
			ExpiresAt:  key.ExpiresAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.Insert(ctx, tx, &next); err != nil {
			return err
		}
		created = &domain.CreatedKeyResponse{
			KeyResponse: toKeyResponse(&next),
			Token:       publicID + "." + secret,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, tenantID, "apikey.rotate", keyID.String(), map[string]any{"new_key_id": created.KeyID})
	return created, nil
}

func (s *Service) Revoke(ctx context.Context, tenantID, keyID snowflake.ID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, err := s.repo.FindByID(ctx, tx, tenantID, keyID)
		if err != nil {
			return err
		}
		if key == nil {
			return domain.ErrKeyNotFound
		}
		if key.Status == domain.StatusRevoked {
			return nil
		}
		key.Status = domain.StatusRevoked
		key.UpdatedAt = s.clock.Now()
		return s.repo.Update(ctx, tx, key)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, "apikey.revoke", keyID.String(), nil)
	return nil
}

// Authenticate verifies a presented token. Lookup failures and hash
// mismatches collapse into one error so a probe cannot tell a dead key
// id from a wrong secret.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.AuthenticatedKey, error) {
	publicID, secret, err := domain.SplitToken(token)
	if err != nil {
		return nil, domain.ErrInvalidToken
	}

	key, err := s.repo.FindByKeyID(ctx, s.db, publicID)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.Usable(s.clock.Now()) {
		return nil, domain.ErrInvalidToken
	}
	if !domain.VerifySecret(secret, key.SecretHash) {
		return nil, domain.ErrInvalidToken
	}

	if err := s.repo.TouchLastUsed(ctx, s.db, key.ID); err != nil {
		s.log.Warn("failed to stamp api key usage",
			zap.String("key_id", key.KeyID),
			zap.Error(err),
		)
	}

	return &domain.AuthenticatedKey{
		ID:       key.ID,
		TenantID: key.TenantID,
		KeyID:    key.KeyID,
	}, nil
}

func (s *Service) recordAudit(ctx context.Context, tenantID snowflake.ID, action, resourceID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:     tenantID,
		Action:       action,
		ResourceType: "api_key",
		ResourceID:   resourceID,
		Metadata:     metadata,
	}); err != nil {
		s.log.Warn("api key audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func toKeyResponse(key *domain.APIKey) domain.KeyResponse {
	resp := domain.KeyResponse{
		ID:        key.ID.String(),
		TenantID:  key.TenantID.String(),
		KeyID:     key.KeyID,
		Name:      key.Name,
		Status:    key.Status,
		CreatedAt: key.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if key.LastUsedAt != nil {
		resp.LastUsedAt = key.LastUsedAt.UTC().Format(time.RFC3339Nano)
	}
	if key.ExpiresAt != nil {
		resp.ExpiresAt = key.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}
