package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	pkgdb "github.com/buttermb/delviery-sub007/pkg/db"
)

// Event describes a credit event to store in the outbox.
type Event struct {
	TenantID  snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// OutboxRecord is a stored outbox row awaiting publication.
type OutboxRecord struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    snowflake.ID `gorm:"not null"`
	EventType   string       `gorm:"type:text;not null"`
	Payload     datatypes.JSONMap
	DedupeKey   *string `gorm:"type:text"`
	AvailableAt time.Time
	PublishedAt *time.Time
	Attempts    int    `gorm:"not null;default:0"`
	LastError   string `gorm:"type:text;not null;default:''"`
	CreatedAt   time.Time
}

// TableName sets the database table name.
func (OutboxRecord) TableName() string { return "credit_events" }

// Outbox inserts credit events into the credit_events table and hands
// unpublished rows to the publisher worker.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID}
}

// Publish stores an event using the default database connection.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	return o.publish(ctx, o.db, event)
}

// PublishTx stores an event using an existing transaction so the event
// commits or rolls back with the ledger write it describes.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	if event.TenantID == 0 {
		return errors.New("invalid_tenant_id")
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return errors.New("missing_event_type")
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	var dedupe *string
	if trimmed := strings.TrimSpace(event.DedupeKey); trimmed != "" {
		dedupe = &trimmed
	}

	now := time.Now().UTC()
	record := OutboxRecord{
		ID:          o.genID.Generate(),
		TenantID:    event.TenantID,
		EventType:   name,
		Payload:     payload,
		DedupeKey:   dedupe,
		AvailableAt: now,
		CreatedAt:   now,
	}
	err := db.WithContext(ctx).Create(&record).Error
	if err != nil && dedupe != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// FetchBatch claims up to limit unpublished rows. Runs inside the
// caller's transaction so SKIP LOCKED keeps concurrent publishers apart.
func (o *Outbox) FetchBatch(ctx context.Context, tx *gorm.DB, limit int) ([]OutboxRecord, error) {
	if tx == nil {
		return nil, errors.New("missing_transaction")
	}
	if limit <= 0 {
		limit = 50
	}
	var records []OutboxRecord
	query := tx.WithContext(ctx).
		Where("published_at IS NULL").
		Where("available_at <= ?", time.Now().UTC()).
		Order("id").
		Limit(limit)
	if err := pkgdb.LockSkipLocked(query).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// MarkPublished stamps a row as delivered.
func (o *Outbox) MarkPublished(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	return tx.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"published_at": time.Now().UTC(),
			"last_error":   "",
		}).Error
}

// MarkDead retires a row that exhausted its delivery attempts. The
// cause stays on the row for operators; the publisher stops retrying.
func (o *Outbox) MarkDead(ctx context.Context, tx *gorm.DB, id snowflake.ID, cause string) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	if len(cause) > 500 {
		cause = cause[:500]
	}
	return tx.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"published_at": time.Now().UTC(),
			"last_error":   cause,
		}).Error
}

// MarkFailed records a delivery failure and backs the row off.
func (o *Outbox) MarkFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, attempt int, cause string, retryAfter time.Duration) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	if len(cause) > 500 {
		cause = cause[:500]
	}
	return tx.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":     attempt,
			"last_error":   cause,
			"available_at": time.Now().UTC().Add(retryAfter),
		}).Error
}
