package detector

import (
	"fmt"
	"math"
	"strconv"

	"storewatch/internal/models"
)

// detectPrice emits one price_change event when a variant's price differs
// from the baseline. Importance scales with the relative move; a zero
// baseline defeats the ratio and is treated as maximal signal.
func detectPrice(p ProductParams, prev, curr models.Variant) *models.ChangeEvent {
	oldPrice, err := strconv.ParseFloat(prev.Price, 64)
	if err != nil {
		return nil
	}
	newPrice, err := strconv.ParseFloat(curr.Price, 64)
	if err != nil {
		return nil
	}
	if oldPrice == newPrice {
		return nil
	}

	importance := models.ImportanceLow
	var changePct float64
	switch {
	case oldPrice == 0:
		importance = models.ImportanceHigh
	default:
		changePct = math.Abs(newPrice-oldPrice) / oldPrice
		if changePct >= 0.5 {
			importance = models.ImportanceHigh
		} else if changePct >= 0.2 {
			importance = models.ImportanceMedium
		}
	}

	ev := models.ChangeEvent{
		Shop:           p.Shop,
		EntityType:     models.EntityVariant,
		EntityID:       curr.ID,
		EventType:      models.EventPriceChange,
		ResourceName:   resourceName(p.New, curr),
		BeforeValue:    strPtr(formatMoney(oldPrice)),
		AfterValue:     strPtr(formatMoney(newPrice)),
		Importance:     importance,
		Source:         p.Source,
		IdempotencyKey: fmt.Sprintf("%s:price:%s", p.KeyBase, curr.ID),
		ContextData: map[string]any{
			"product_id":    p.New.ID,
			"variant_title": curr.Title,
			"change_pct":    math.Round(changePct*1000) / 10,
		},
	}
	if newPrice < oldPrice {
		ev.MoneySaved = floatPtr(oldPrice - newPrice)
	}
	return &ev
}
