package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"storewatch/internal/models"
)

const eventColumns = `id, shop, entity_type, entity_id, event_type, resource_name, before_value, after_value, importance, source, idempotency_key, detected_at, digested_at, instant_alert_sent_at, context_data, money_saved`

// CreateEvent inserts a change event, enforcing the idempotency key's unique
// constraint. A key collision is the expected shape of an upstream redelivery
// and reports inserted=false rather than an error.
func (s *Store) CreateEvent(ctx context.Context, ev *models.ChangeEvent) (bool, error) {
	var contextData []byte
	if ev.ContextData != nil {
		var err error
		contextData, err = json.Marshal(ev.ContextData)
		if err != nil {
			return false, fmt.Errorf("marshal context data: %w", err)
		}
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO change_events (id, shop, entity_type, entity_id, event_type, resource_name,
			before_value, after_value, importance, source, idempotency_key, detected_at,
			instant_alert_sent_at, context_data, money_saved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, ev.ID, ev.Shop, ev.EntityType, ev.EntityID, ev.EventType, ev.ResourceName,
		ev.BeforeValue, ev.AfterValue, ev.Importance, ev.Source, ev.IdempotencyKey,
		ev.DetectedAt, ev.InstantAlertSentAt, contextData, ev.MoneySaved)
	if err != nil {
		return false, fmt.Errorf("insert change event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDigested stamps digested_at on the given events. Already-digested rows
// are untouched, so repeated calls are no-ops.
func (s *Store) MarkDigested(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE change_events SET digested_at = $2 WHERE id = ANY($1) AND digested_at IS NULL
	`, ids, at)
	if err != nil {
		return 0, fmt.Errorf("mark digested: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecentEvents returns the newest events for a shop, bounded by limit.
func (s *Store) RecentEvents(ctx context.Context, shop string, limit int) ([]models.ChangeEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+` FROM change_events WHERE shop = $1 ORDER BY detected_at DESC LIMIT $2
	`, shop, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// UndigestedEvents returns events not yet folded into a digest, oldest first.
func (s *Store) UndigestedEvents(ctx context.Context, shop string) ([]models.ChangeEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+` FROM change_events WHERE shop = $1 AND digested_at IS NULL ORDER BY detected_at
	`, shop)
	if err != nil {
		return nil, fmt.Errorf("undigested events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ShopsWithUndigested lists shops that have digest work outstanding.
func (s *Store) ShopsWithUndigested(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT shop FROM change_events WHERE digested_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("shops with undigested: %w", err)
	}
	defer rows.Close()

	var shops []string
	for rows.Next() {
		var shop string
		if err := rows.Scan(&shop); err != nil {
			return nil, err
		}
		shops = append(shops, shop)
	}
	return shops, rows.Err()
}

// HasRecentEvent reports whether an event of this type was already recorded
// for the entity after the cutoff. Backs the 24h suppression windows.
func (s *Store) HasRecentEvent(ctx context.Context, shop, eventType, entityID string, since time.Time) (bool, error) {
	var found bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM change_events
			WHERE shop = $1 AND event_type = $2 AND entity_id = $3 AND detected_at > $4
		)
	`, shop, eventType, entityID, since).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("has recent event: %w", err)
	}
	return found, nil
}

// InstantAlertCount counts instant alerts sent for a shop after the cutoff.
// Best-effort throttling input, not transactional with event creation.
func (s *Store) InstantAlertCount(ctx context.Context, shop string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM change_events
		WHERE shop = $1 AND instant_alert_sent_at IS NOT NULL AND instant_alert_sent_at > $2
	`, shop, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("instant alert count: %w", err)
	}
	return n, nil
}

func collectEvents(rows pgx.Rows) ([]models.ChangeEvent, error) {
	var events []models.ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	var before, after pgtype.Text
	var digestedAt, alertSentAt pgtype.Timestamptz
	var contextData []byte
	var moneySaved pgtype.Float8

	err := row.Scan(&ev.ID, &ev.Shop, &ev.EntityType, &ev.EntityID, &ev.EventType, &ev.ResourceName,
		&before, &after, &ev.Importance, &ev.Source, &ev.IdempotencyKey, &ev.DetectedAt,
		&digestedAt, &alertSentAt, &contextData, &moneySaved)
	if err != nil {
		return models.ChangeEvent{}, err
	}
	ev.BeforeValue = textPtr(before)
	ev.AfterValue = textPtr(after)
	ev.DigestedAt = timePtr(digestedAt)
	ev.InstantAlertSentAt = timePtr(alertSentAt)
	if len(contextData) > 0 {
		if err := json.Unmarshal(contextData, &ev.ContextData); err != nil {
			return models.ChangeEvent{}, fmt.Errorf("unmarshal context data: %w", err)
		}
	}
	if moneySaved.Valid {
		ev.MoneySaved = &moneySaved.Float64
	}
	return ev, nil
}
