// Package digest batches undigested change events into per-shop summaries on
// a schedule, delivers them, and stamps the events digested.
package digest

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/models"
	"storewatch/internal/telemetry"
)

// EventSource is the event store surface the compiler drains.
type EventSource interface {
	ShopsWithUndigested(ctx context.Context) ([]string, error)
	UndigestedEvents(ctx context.Context, shop string) ([]models.ChangeEvent, error)
	MarkDigested(ctx context.Context, ids []string, at time.Time) (int64, error)
}

// SettingsSource provides the delivery destination per shop.
type SettingsSource interface {
	GetSettings(ctx context.Context, shop string) (*models.ShopSettings, error)
}

// Archiver persists a compiled digest for audit; optional.
type Archiver interface {
	Store(ctx context.Context, shop string, body []byte) (string, error)
}

// Digest is the compiled summary delivered to a shop.
type Digest struct {
	Shop        string               `json:"shop"`
	GeneratedAt time.Time            `json:"generated_at"`
	Counts      map[string]int       `json:"counts"` // by importance
	Events      []models.ChangeEvent `json:"events"`
}

// Compiler drains undigested events per shop.
type Compiler struct {
	events   EventSource
	settings SettingsSource
	notify   alert.Notifier
	archive  Archiver // nil disables archiving
}

func NewCompiler(events EventSource, settings SettingsSource, notify alert.Notifier, archive Archiver) *Compiler {
	return &Compiler{events: events, settings: settings, notify: notify, archive: archive}
}

// Run compiles digests on the given interval until cancellation.
func (c *Compiler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				log.Printf("digest run: %v", err)
			}
		}
	}
}

// RunOnce compiles and delivers one digest per shop with outstanding events.
// Marking is idempotent, so a crash between delivery and marking at worst
// repeats a digest, never loses one.
func (c *Compiler) RunOnce(ctx context.Context) error {
	shops, err := c.events.ShopsWithUndigested(ctx)
	if err != nil {
		return err
	}
	for _, shop := range shops {
		if err := c.compileShop(ctx, shop); err != nil {
			log.Printf("digest for %s: %v", shop, err)
		}
	}
	return nil
}

func (c *Compiler) compileShop(ctx context.Context, shop string) error {
	events, err := c.events.UndigestedEvents(ctx, shop)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	d := Digest{
		Shop:        shop,
		GeneratedAt: time.Now().UTC(),
		Counts:      map[string]int{},
		Events:      events,
	}
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		d.Counts[ev.Importance]++
		ids = append(ids, ev.ID)
	}

	body, err := json.Marshal(d)
	if err != nil {
		return err
	}

	settings, err := c.settings.GetSettings(ctx, shop)
	if err != nil {
		return err
	}
	if settings != nil && settings.AlertURL != "" {
		if err := c.notify.Notify(ctx, settings.AlertURL, d); err != nil {
			return err // leave events undigested; next run retries
		}
	}

	if c.archive != nil {
		if key, err := c.archive.Store(ctx, shop, body); err != nil {
			log.Printf("archive digest for %s: %v", shop, err)
		} else {
			log.Printf("archived digest for %s at %s", shop, key)
		}
	}

	if _, err := c.events.MarkDigested(ctx, ids, d.GeneratedAt); err != nil {
		return err
	}
	telemetry.DigestsCompiled.Inc()
	return nil
}
