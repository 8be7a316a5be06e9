package detector

import (
	"fmt"
	"math"

	"storewatch/internal/models"
)

// DetectProductDeleted maps a product delete webhook to a single event.
func DetectProductDeleted(shop, productID, title, source, keyBase string) models.ChangeEvent {
	return models.ChangeEvent{
		Shop:           shop,
		EntityType:     models.EntityProduct,
		EntityID:       productID,
		EventType:      models.EventProductDeleted,
		ResourceName:   title,
		Importance:     models.ImportanceHigh,
		Source:         source,
		IdempotencyKey: fmt.Sprintf("%s:deleted:%s", keyBase, productID),
	}
}

// DetectThemePublish fires only when the published theme's role becomes main,
// meaning the live storefront changed. Any other role is ignored.
func DetectThemePublish(shop string, theme models.Theme, source, keyBase string) *models.ChangeEvent {
	if theme.Role != "main" {
		return nil
	}
	return &models.ChangeEvent{
		Shop:           shop,
		EntityType:     models.EntityTheme,
		EntityID:       theme.ID,
		EventType:      models.EventThemePublished,
		ResourceName:   theme.Name,
		AfterValue:     strPtr(theme.Name),
		Importance:     models.ImportanceHigh,
		Source:         source,
		IdempotencyKey: fmt.Sprintf("%s:theme:%s", keyBase, theme.ID),
	}
}

// DetectDomain maps a domain webhook straight to an event. A removed domain
// can break the storefront outright and is high importance.
func DetectDomain(shop string, d models.Domain, removed bool, source, keyBase string) models.ChangeEvent {
	eventType := models.EventDomainChanged
	importance := models.ImportanceMedium
	if removed {
		eventType = models.EventDomainRemoved
		importance = models.ImportanceHigh
	}
	return models.ChangeEvent{
		Shop:           shop,
		EntityType:     models.EntityDomain,
		EntityID:       d.ID,
		EventType:      eventType,
		ResourceName:   d.Host,
		BeforeValue:    strPtr(d.Host),
		Importance:     importance,
		Source:         source,
		IdempotencyKey: fmt.Sprintf("%s:domain:%s", keyBase, d.ID),
	}
}

// DetectCollection maps a collection webhook to an event. Collection churn is
// housekeeping; only deletion rates medium.
func DetectCollection(shop string, c models.Collection, eventType, source, keyBase string) models.ChangeEvent {
	importance := models.ImportanceLow
	if eventType == models.EventCollectionDeleted {
		importance = models.ImportanceMedium
	}
	return models.ChangeEvent{
		Shop:           shop,
		EntityType:     models.EntityCollection,
		EntityID:       c.ID,
		EventType:      eventType,
		ResourceName:   c.Title,
		Importance:     importance,
		Source:         source,
		IdempotencyKey: fmt.Sprintf("%s:collection:%s", keyBase, c.ID),
	}
}

// DetectDiscount maps a discount webhook to an event. Importance follows
// magnitude: half off or better, or a code with no usage cap, is high signal.
func DetectDiscount(shop string, d models.Discount, eventType, source, keyBase string) models.ChangeEvent {
	importance := models.ImportanceMedium
	if eventType != models.EventDiscountDeleted && discountIsAggressive(d) {
		importance = models.ImportanceHigh
	}
	name := d.Title
	if name == "" {
		name = d.Code
	}
	return models.ChangeEvent{
		Shop:           shop,
		EntityType:     models.EntityDiscount,
		EntityID:       d.ID,
		EventType:      eventType,
		ResourceName:   name,
		AfterValue:     strPtr(discountValue(d)),
		Importance:     importance,
		Source:         source,
		IdempotencyKey: fmt.Sprintf("%s:discount:%s", keyBase, d.ID),
		ContextData: map[string]any{
			"value_type": d.ValueType,
			"value":      d.Value,
			"unlimited":  d.UsageLimit == nil,
		},
	}
}

func discountIsAggressive(d models.Discount) bool {
	if d.UsageLimit == nil {
		return true
	}
	return d.ValueType == "percentage" && math.Abs(d.Value) >= 50
}

func discountValue(d models.Discount) string {
	if d.ValueType == "percentage" {
		return fmt.Sprintf("%.0f%% off", math.Abs(d.Value))
	}
	return formatMoney(math.Abs(d.Value)) + " off"
}
