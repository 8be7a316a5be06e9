package models

import "time"

// Product is the entity state compared during diffing. The same shape serves
// as both the freshly fetched platform state and the persisted snapshot
// baseline ("what we last saw").
type Product struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Status   string    `json:"status"` // active, draft, archived
	Variants []Variant `json:"variants"`
}

// Variant carries the per-variant fields the detector cares about. Price is
// kept as the platform's decimal string and parsed at comparison time.
type Variant struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Price             string `json:"price"`
	InventoryQuantity int    `json:"inventory_quantity"`
}

// Theme is the state delivered by a theme publish webhook.
type Theme struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"` // main is the live theme
}

// Domain is the state delivered by domain webhooks.
type Domain struct {
	ID   string `json:"id"`
	Host string `json:"host"`
}

// Collection is the state delivered by collection webhooks.
type Collection struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Discount is the state delivered by discount webhooks. A nil UsageLimit
// means unlimited usage.
type Discount struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Code       string  `json:"code"`
	ValueType  string  `json:"value_type"` // percentage or fixed_amount
	Value      float64 `json:"value"`
	UsageLimit *int    `json:"usage_limit,omitempty"`
}

// ShopSettings backs the instant alert feature gate and the low-stock
// threshold. One row per shop.
type ShopSettings struct {
	Shop                 string    `json:"shop"`
	Tier                 string    `json:"tier"`
	AlertURL             string    `json:"alert_url"`
	InstantAlertsEnabled bool      `json:"instant_alerts_enabled"`
	LowStockThreshold    int       `json:"low_stock_threshold"`
	UpdatedAt            time.Time `json:"updated_at"`
}
