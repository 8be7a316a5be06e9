// Package detector holds the pure change-detection rules. Each rule compares
// a freshly observed entity state against the stored baseline and emits zero
// or more classified change events. Rules never error on a missing or
// malformed baseline; the first observation only establishes one.
package detector

import (
	"fmt"
	"strconv"

	"storewatch/internal/models"
)

// ProductParams is the input to a product diff pass.
type ProductParams struct {
	Shop              string
	Old               *models.Product // nil on first observation
	New               models.Product
	LowStockThreshold int
	Source            string
	KeyBase           string // idempotency key prefix derived from the delivery
}

// DetectProduct runs the price, visibility, and inventory rules over one
// product. A malformed variant suppresses only its own emissions; siblings
// are still diffed.
func DetectProduct(p ProductParams) []models.ChangeEvent {
	if p.Old == nil {
		return nil
	}

	var events []models.ChangeEvent
	if ev := detectVisibility(p); ev != nil {
		events = append(events, *ev)
	}

	oldVariants := make(map[string]models.Variant, len(p.Old.Variants))
	for _, v := range p.Old.Variants {
		oldVariants[v.ID] = v
	}
	for _, nv := range p.New.Variants {
		ov, ok := oldVariants[nv.ID]
		if !ok {
			continue // no baseline for this variant yet
		}
		if ev := detectPrice(p, ov, nv); ev != nil {
			events = append(events, *ev)
		}
		events = append(events, detectInventory(p, ov, nv)...)
	}
	return events
}

// resourceName renders the merchant-facing name for a variant-level event.
func resourceName(product models.Product, variant models.Variant) string {
	if variant.Title == "" || variant.Title == "Default Title" {
		return product.Title
	}
	return fmt.Sprintf("%s / %s", product.Title, variant.Title)
}

func formatMoney(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', -1, 64)
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }
