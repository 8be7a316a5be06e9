package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"storewatch/internal/detector"
	"storewatch/internal/models"
	"storewatch/internal/telemetry"
)

func (p *Processor) handle(ctx context.Context, job models.Job) error {
	switch job.Topic {
	case models.TopicProductUpdate, models.TopicInventoryUpdate:
		return p.handleProductChange(ctx, job)
	case models.TopicProductDelete:
		return p.handleProductDelete(ctx, job)
	case models.TopicThemePublish:
		return p.handleThemePublish(ctx, job)
	case models.TopicDomainUpdate, models.TopicDomainDestroy:
		return p.handleDomain(ctx, job)
	case models.TopicCollectionCreate, models.TopicCollectionUpdate, models.TopicCollectionDelete:
		return p.handleCollection(ctx, job)
	case models.TopicDiscountCreate, models.TopicDiscountUpdate, models.TopicDiscountDelete:
		return p.handleDiscount(ctx, job)
	case models.TopicScopesUpdate:
		return p.handleScopes(ctx, job)
	default:
		return fmt.Errorf("no handler for topic %q", job.Topic)
	}
}

// keyBase is the idempotency prefix for events produced by this job: the
// upstream delivery id when we have one, the job id otherwise.
func keyBase(job models.Job) string {
	if job.IdempotencyKey != nil && *job.IdempotencyKey != "" {
		return *job.IdempotencyKey
	}
	return job.ID
}

// handleProductChange loads current platform state, diffs it against the
// snapshot, persists whatever fired, then rewrites the baseline.
func (p *Processor) handleProductChange(ctx context.Context, job models.Job) error {
	current, err := p.d.Fetch.Product(ctx, job.Shop, job.ResourceID)
	if err != nil {
		return err // transient: retried via backoff
	}
	if current == nil {
		// Gone between webhook and fetch; drop the baseline, the delete
		// webhook carries the alert.
		return p.d.Snaps.DeleteProduct(ctx, job.Shop, job.ResourceID)
	}

	old, err := p.d.Snaps.GetProduct(ctx, job.Shop, job.ResourceID)
	if err != nil {
		return err
	}
	settings, err := p.d.Settings.GetSettings(ctx, job.Shop)
	if err != nil {
		return err
	}
	threshold := p.cfg.LowStockDefault
	if settings != nil && settings.LowStockThreshold > 0 {
		threshold = settings.LowStockThreshold
	}

	events := detector.DetectProduct(detector.ProductParams{
		Shop:              job.Shop,
		Old:               old,
		New:               *current,
		LowStockThreshold: threshold,
		Source:            models.SourceWebhook,
		KeyBase:           keyBase(job),
	})

	var firstErr error
	for _, ev := range events {
		if p.suppressed(ctx, ev) {
			telemetry.EventsSuppressed.Inc()
			continue
		}
		if err := p.persistEvent(ctx, settings, ev); err != nil {
			// One bad unit must not block its siblings.
			log.Printf("persist %s for %s/%s: %v", ev.EventType, ev.Shop, ev.EntityID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// The baseline advances only once every emission persisted. A storage
	// failure leaves the old baseline in place so the retry re-detects; the
	// re-emissions collapse on their idempotency keys.
	if firstErr != nil {
		return firstErr
	}
	return p.d.Snaps.UpsertProduct(ctx, job.Shop, *current)
}

// suppressed applies the trailing per-entity window to flappy inventory
// signals so a restocking dance does not page anyone twice in a day.
func (p *Processor) suppressed(ctx context.Context, ev models.ChangeEvent) bool {
	if ev.EventType != models.EventInventoryZero && ev.EventType != models.EventLowStock {
		return false
	}
	since := time.Now().Add(-p.cfg.SuppressionWindow)
	found, err := p.d.Events.HasRecentEvent(ctx, ev.Shop, ev.EventType, ev.EntityID, since)
	if err != nil {
		log.Printf("suppression check %s/%s: %v", ev.Shop, ev.EntityID, err)
		return false
	}
	return found
}

func (p *Processor) handleProductDelete(ctx context.Context, job models.Job) error {
	var payload struct {
		ID    json.Number `json:"id"`
		Title string      `json:"title"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode product delete payload: %w", err)
	}
	productID := job.ResourceID
	if productID == "" {
		productID = payload.ID.String()
	}

	settings, err := p.d.Settings.GetSettings(ctx, job.Shop)
	if err != nil {
		return err
	}
	ev := detector.DetectProductDeleted(job.Shop, productID, payload.Title, models.SourceWebhook, keyBase(job))
	if err := p.persistEvent(ctx, settings, ev); err != nil {
		return err
	}
	return p.d.Snaps.DeleteProduct(ctx, job.Shop, productID)
}

func (p *Processor) handleThemePublish(ctx context.Context, job models.Job) error {
	var payload struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
		Role string      `json:"role"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode theme payload: %w", err)
	}

	theme := models.Theme{ID: payload.ID.String(), Name: payload.Name, Role: payload.Role}
	ev := detector.DetectThemePublish(job.Shop, theme, models.SourceWebhook, keyBase(job))
	if ev == nil {
		return nil
	}
	settings, err := p.d.Settings.GetSettings(ctx, job.Shop)
	if err != nil {
		return err
	}
	return p.persistEvent(ctx, settings, *ev)
}

func (p *Processor) handleDomain(ctx context.Context, job models.Job) error {
	var payload struct {
		ID   json.Number `json:"id"`
		Host string      `json:"host"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode domain payload: %w", err)
	}

	domain := models.Domain{ID: payload.ID.String(), Host: payload.Host}
	if domain.ID == "" {
		domain.ID = job.ResourceID
	}
	removed := job.Topic == models.TopicDomainDestroy
	settings, err := p.d.Settings.GetSettings(ctx, job.Shop)
	if err != nil {
		return err
	}
	ev := detector.DetectDomain(job.Shop, domain, removed, models.SourceWebhook, keyBase(job))
	return p.persistEvent(ctx, settings, ev)
}

func (p *Processor) handleCollection(ctx context.Context, job models.Job) error {
	var payload struct {
		ID    json.Number `json:"id"`
		Title string      `json:"title"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode collection payload: %w", err)
	}

	eventType := models.EventCollectionUpdated
	switch job.Topic {
	case models.TopicCollectionCreate:
		eventType = models.EventCollectionCreated
	case models.TopicCollectionDelete:
		eventType = models.EventCollectionDeleted
	}

	coll := models.Collection{ID: payload.ID.String(), Title: payload.Title}
	if coll.ID == "" {
		coll.ID = job.ResourceID
	}
	settings, err := p.d.Settings.GetSettings(ctx, job.Shop)
	if err != nil {
		return err
	}
	ev := detector.DetectCollection(job.Shop, coll, eventType, models.SourceWebhook, keyBase(job))
	return p.persistEvent(ctx, settings, ev)
}

func (p *Processor) handleDiscount(ctx context.Context, job models.Job) error {
	var payload struct {
		ID         json.Number  `json:"id"`
		Title      string       `json:"title"`
		Code       string       `json:"code"`
		ValueType  string       `json:"value_type"`
		Value      flexFloat    `json:"value"`
		UsageLimit *json.Number `json:"usage_limit"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode discount payload: %w", err)
	}

	eventType := models.EventDiscountChanged
	switch job.Topic {
	case models.TopicDiscountCreate:
		eventType = models.EventDiscountCreated
	case models.TopicDiscountDelete:
		eventType = models.EventDiscountDeleted
	}

	d := models.Discount{
		ID:        payload.ID.String(),
		Title:     payload.Title,
		Code:      payload.Code,
		ValueType: payload.ValueType,
		Value:     float64(payload.Value),
	}
	if d.ID == "" {
		d.ID = job.ResourceID
	}
	if payload.UsageLimit != nil {
		if n, err := payload.UsageLimit.Int64(); err == nil {
			limit := int(n)
			d.UsageLimit = &limit
		}
	}

	settings, err := p.d.Settings.GetSettings(ctx, job.Shop)
	if err != nil {
		return err
	}
	ev := detector.DetectDiscount(job.Shop, d, eventType, models.SourceWebhook, keyBase(job))
	return p.persistEvent(ctx, settings, ev)
}

func (p *Processor) handleScopes(ctx context.Context, job models.Job) error {
	var payload struct {
		GrantedScopes  []string `json:"granted_scopes"`
		PreviousScopes []string `json:"previous_scopes"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode scopes payload: %w", err)
	}

	old, err := p.d.Snaps.GetScopes(ctx, job.Shop)
	if err != nil {
		return err
	}
	if old == nil && payload.PreviousScopes != nil {
		old = payload.PreviousScopes
	}

	if ev := detector.DetectScopeChange(job.Shop, old, payload.GrantedScopes, models.SourceWebhook, keyBase(job)); ev != nil {
		settings, err := p.d.Settings.GetSettings(ctx, job.Shop)
		if err != nil {
			return err
		}
		if err := p.persistEvent(ctx, settings, *ev); err != nil {
			return err
		}
	}
	return p.d.Snaps.UpsertScopes(ctx, job.Shop, payload.GrantedScopes)
}

// persistEvent finalizes an event, evaluates the instant alert policy, and
// inserts it. The alert decision is recorded in the same insert so a later
// read reflects whether an alert was dispatched, regardless of delivery
// outcome. A key collision means the event already exists and is a no-op.
func (p *Processor) persistEvent(ctx context.Context, settings *models.ShopSettings, ev models.ChangeEvent) error {
	now := time.Now().UTC()
	ev.ID = uuid.New().String()
	ev.DetectedAt = now
	if ev.Source == "" {
		ev.Source = models.SourceWebhook
	}

	shouldAlert, err := p.d.Policy.ShouldAlert(ctx, settings, ev)
	if err != nil {
		// The rate gate is best-effort; a failed count query downgrades to
		// digest-only rather than failing the job.
		log.Printf("alert policy for %s/%s: %v", ev.Shop, ev.EntityID, err)
		shouldAlert = false
	}
	if shouldAlert {
		ev.InstantAlertSentAt = &now
	}

	inserted, err := p.d.Events.CreateEvent(ctx, &ev)
	if err != nil {
		return err
	}
	if !inserted {
		telemetry.EventsDeduped.Inc()
		return nil
	}
	telemetry.EventsDetected.WithLabelValues(ev.EventType).Inc()

	if shouldAlert && p.d.Notify != nil {
		if err := p.d.Notify.Notify(ctx, settings.AlertURL, instantAlertPayload(ev)); err != nil {
			telemetry.AlertFailures.Inc()
			log.Printf("instant alert for %s/%s: %v", ev.Shop, ev.EntityID, err)
		} else {
			telemetry.AlertsSent.Inc()
		}
	}
	return nil
}

func instantAlertPayload(ev models.ChangeEvent) map[string]any {
	text := fmt.Sprintf("[%s] %s: %s", strings.ToUpper(ev.Importance), ev.EventType, ev.ResourceName)
	if ev.BeforeValue != nil && ev.AfterValue != nil {
		text += fmt.Sprintf(" (%s -> %s)", *ev.BeforeValue, *ev.AfterValue)
	}
	return map[string]any{
		"kind":  "instant_alert",
		"shop":  ev.Shop,
		"text":  text,
		"event": ev,
	}
}

// flexFloat decodes a JSON number or a numeric string; the platform sends
// discount values both ways.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse numeric value %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}
