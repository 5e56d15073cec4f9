package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/internal/apikey/domain"
)

type apiKeyRepository struct{}

func Provide() domain.Repository {
	return &apiKeyRepository{}
}

func (r *apiKeyRepository) Insert(ctx context.Context, db *gorm.DB, key *domain.APIKey) error {
	return db.WithContext(ctx).Create(key).Error
}

func (r *apiKeyRepository) Update(ctx context.Context, db *gorm.DB, key *domain.APIKey) error {
	return db.WithContext(ctx).Save(key).Error
}

func (r *apiKeyRepository) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.APIKey, error) {
	var key domain.APIKey
	err := db.WithContext(ctx).
		First(&key, "id = ? AND tenant_id = ?", id, tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *apiKeyRepository) FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := db.WithContext(ctx).First(&key, "key_id = ?", keyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *apiKeyRepository) List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]domain.APIKey, error) {
	var keys []domain.APIKey
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at").
		Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// TouchLastUsed is best-effort bookkeeping on the auth hot path, so it
// skips rows updated within the last minute to keep write volume down.
func (r *apiKeyRepository) TouchLastUsed(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.APIKey{}).
		Where("id = ? AND (last_used_at IS NULL OR last_used_at < ?)", id, now.Add(-time.Minute)).
		Update("last_used_at", now).Error
}
