package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Webhook topics accepted by the ingress. Deletes are urgent; everything else
// waits out the platform's eventual-consistency window before processing.
const (
	TopicProductUpdate    = "products/update"
	TopicProductDelete    = "products/delete"
	TopicInventoryUpdate  = "inventory_levels/update"
	TopicThemePublish     = "themes/publish"
	TopicDomainUpdate     = "domains/update"
	TopicDomainDestroy    = "domains/destroy"
	TopicCollectionCreate = "collections/create"
	TopicCollectionUpdate = "collections/update"
	TopicCollectionDelete = "collections/delete"
	TopicDiscountCreate   = "discounts/create"
	TopicDiscountUpdate   = "discounts/update"
	TopicDiscountDelete   = "discounts/delete"
	TopicScopesUpdate     = "app/scopes_update"
)

// Job is one unit of delayed webhook processing persisted in Postgres.
type Job struct {
	ID             string          `json:"id"`
	Shop           string          `json:"shop"`
	Topic          string          `json:"topic"`
	ResourceID     string          `json:"resource_id"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Status         string          `json:"status"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
