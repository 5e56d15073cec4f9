package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/internal/events"
)

const publisherBackoffBase = 30 * time.Second

// RunPublisherForever drains the credit_events outbox. Rows are claimed
// with SKIP LOCKED inside a transaction, so concurrent publishers never
// deliver the same row twice.
func (s *Scheduler) RunPublisherForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.OutboxPollInterval)
	defer ticker.Stop()

	for {
		if err := s.RunPublisherOnce(ctx); err != nil {
			s.log.Warn("outbox publish run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) RunPublisherOnce(ctx context.Context) error {
	for {
		published, err := s.publishBatch(ctx)
		if err != nil {
			return err
		}
		if published < s.cfg.Scheduler.OutboxBatchSize {
			return nil
		}
	}
}

func (s *Scheduler) publishBatch(ctx context.Context) (int, error) {
	processed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records, err := s.outbox.FetchBatch(ctx, tx, s.cfg.Scheduler.OutboxBatchSize)
		if err != nil {
			return err
		}
		for _, record := range records {
			processed++
			if err := s.deliver(ctx, record); err != nil {
				attempt := record.Attempts + 1
				if s.cfg.Events.MaxAttempts > 0 && attempt >= s.cfg.Events.MaxAttempts {
					s.log.Error("outbox event dropped after max attempts",
						zap.String("event_id", record.ID.String()),
						zap.String("event_type", record.EventType),
						zap.Int("attempts", attempt),
						zap.Error(err),
					)
					if markErr := s.outbox.MarkDead(ctx, tx, record.ID, err.Error()); markErr != nil {
						return markErr
					}
					continue
				}
				shift := attempt - 1
				if shift > 6 {
					shift = 6
				}
				backoff := publisherBackoffBase << shift
				if backoff > 30*time.Minute {
					backoff = 30 * time.Minute
				}
				if markErr := s.outbox.MarkFailed(ctx, tx, record.ID, attempt, err.Error(), backoff); markErr != nil {
					return markErr
				}
				continue
			}
			if err := s.outbox.MarkPublished(ctx, tx, record.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return processed, err
}

// deliver posts the event to the configured sink. With no sink the
// event is logged and considered delivered, which keeps the outbox
// drained in single-box deployments.
func (s *Scheduler) deliver(ctx context.Context, record events.OutboxRecord) error {
	if s.cfg.Events.SinkURL == "" {
		s.log.Info("credit event",
			zap.String("event_id", record.ID.String()),
			zap.String("event_type", record.EventType),
			zap.String("tenant_id", record.TenantID.String()),
			zap.Any("payload", map[string]any(record.Payload)),
		)
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"id":         record.ID.String(),
		"tenant_id":  record.TenantID.String(),
		"type":       record.EventType,
		"payload":    map[string]any(record.Payload),
		"created_at": record.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Events.SinkURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Distro-Event", record.EventType)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}
