package models

import "time"

// Importance levels assigned by the detector rules.
const (
	ImportanceHigh   = "high"
	ImportanceMedium = "medium"
	ImportanceLow    = "low"
)

// Event sources.
const (
	SourceWebhook = "webhook"
	SourceSyncJob = "sync_job"
	SourceManual  = "manual"
)

// Event types emitted by the detector.
const (
	EventPriceChange       = "price_change"
	EventVisibilityChange  = "visibility_change"
	EventInventoryZero     = "inventory_zero"
	EventLowStock          = "low_stock"
	EventProductDeleted    = "product_deleted"
	EventThemePublished    = "theme_published"
	EventDomainChanged     = "domain_changed"
	EventDomainRemoved     = "domain_removed"
	EventCollectionCreated = "collection_created"
	EventCollectionUpdated = "collection_updated"
	EventCollectionDeleted = "collection_deleted"
	EventDiscountCreated   = "discount_created"
	EventDiscountChanged   = "discount_changed"
	EventDiscountDeleted   = "discount_deleted"
	EventPermissionsChange = "permissions_changed"
)

// Entity types referenced by change events.
const (
	EntityProduct    = "product"
	EntityVariant    = "variant"
	EntityTheme      = "theme"
	EntityDomain     = "domain"
	EntityCollection = "collection"
	EntityDiscount   = "discount"
	EntityApp        = "app"
)

// ChangeEvent is one persisted, classified business-relevant change.
// The idempotency key is globally unique; a duplicate insert is a no-op.
type ChangeEvent struct {
	ID                 string         `json:"id"`
	Shop               string         `json:"shop"`
	EntityType         string         `json:"entity_type"`
	EntityID           string         `json:"entity_id"`
	EventType          string         `json:"event_type"`
	ResourceName       string         `json:"resource_name"`
	BeforeValue        *string        `json:"before_value,omitempty"`
	AfterValue         *string        `json:"after_value,omitempty"`
	Importance         string         `json:"importance"`
	Source             string         `json:"source"`
	IdempotencyKey     string         `json:"idempotency_key"`
	DetectedAt         time.Time      `json:"detected_at"`
	DigestedAt         *time.Time     `json:"digested_at,omitempty"`
	InstantAlertSentAt *time.Time     `json:"instant_alert_sent_at,omitempty"`
	ContextData        map[string]any `json:"context_data,omitempty"`
	MoneySaved         *float64       `json:"money_saved,omitempty"`
}
