package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/pkg/db/option"
)

// Repository is the shared gorm-backed store used by services that only
// need struct-filter CRUD. Anything with row locking or raw SQL stays in
// the owning service's transaction instead.
type Repository[T any] interface {
	Create(ctx context.Context, record *T) error
	Find(ctx context.Context, filter *T, opts ...option.Option) ([]*T, error)
	FindOne(ctx context.Context, filter *T, opts ...option.Option) (*T, error)
	Update(ctx context.Context, record *T) error
	Count(ctx context.Context, filter *T) (int64, error)
}

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) Create(ctx context.Context, record *T) error {
	return s.db.WithContext(ctx).Create(record).Error
}

func (s *store[T]) Find(ctx context.Context, filter *T, opts ...option.Option) ([]*T, error) {
	tx := s.db.WithContext(ctx).Model(new(T))
	if filter != nil {
		tx = tx.Where(filter)
	}
	for _, opt := range opts {
		tx = opt(tx)
	}
	var records []*T
	if err := tx.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (s *store[T]) FindOne(ctx context.Context, filter *T, opts ...option.Option) (*T, error) {
	tx := s.db.WithContext(ctx).Model(new(T))
	if filter != nil {
		tx = tx.Where(filter)
	}
	for _, opt := range opts {
		tx = opt(tx)
	}
	var record T
	if err := tx.First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *store[T]) Update(ctx context.Context, record *T) error {
	return s.db.WithContext(ctx).Save(record).Error
}

func (s *store[T]) Count(ctx context.Context, filter *T) (int64, error) {
	tx := s.db.WithContext(ctx).Model(new(T))
	if filter != nil {
		tx = tx.Where(filter)
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}
