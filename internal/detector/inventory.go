package detector

import (
	"fmt"
	"strconv"

	"storewatch/internal/models"
)

// detectInventory applies the stockout and low-stock rules to one variant.
//
// Stockout fires only on the strict transition prev > 0 -> new == 0; 0->0,
// negative->0, and unknown-prior all stay silent. Low stock fires when the
// quantity crosses from above the shop threshold to at-or-below it while
// still positive; zero belongs to the stockout rule.
func detectInventory(p ProductParams, prev, curr models.Variant) []models.ChangeEvent {
	var events []models.ChangeEvent

	if prev.InventoryQuantity > 0 && curr.InventoryQuantity == 0 {
		events = append(events, models.ChangeEvent{
			Shop:           p.Shop,
			EntityType:     models.EntityVariant,
			EntityID:       curr.ID,
			EventType:      models.EventInventoryZero,
			ResourceName:   resourceName(p.New, curr),
			BeforeValue:    strPtr(strconv.Itoa(prev.InventoryQuantity)),
			AfterValue:     strPtr("0"),
			Importance:     models.ImportanceHigh,
			Source:         p.Source,
			IdempotencyKey: fmt.Sprintf("%s:stockout:%s", p.KeyBase, curr.ID),
			ContextData:    map[string]any{"product_id": p.New.ID},
		})
	}

	threshold := p.LowStockThreshold
	if threshold > 0 &&
		prev.InventoryQuantity > threshold &&
		curr.InventoryQuantity > 0 && curr.InventoryQuantity <= threshold {
		events = append(events, models.ChangeEvent{
			Shop:           p.Shop,
			EntityType:     models.EntityVariant,
			EntityID:       curr.ID,
			EventType:      models.EventLowStock,
			ResourceName:   resourceName(p.New, curr),
			BeforeValue:    strPtr(strconv.Itoa(prev.InventoryQuantity)),
			AfterValue:     strPtr(strconv.Itoa(curr.InventoryQuantity)),
			Importance:     models.ImportanceMedium,
			Source:         p.Source,
			IdempotencyKey: fmt.Sprintf("%s:lowstock:%s", p.KeyBase, curr.ID),
			ContextData:    map[string]any{"product_id": p.New.ID, "threshold": threshold},
		})
	}

	return events
}
