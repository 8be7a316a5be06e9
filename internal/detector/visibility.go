package detector

import (
	"fmt"

	"storewatch/internal/models"
)

func hiddenStatus(status string) bool {
	return status == "draft" || status == "archived"
}

// detectVisibility fires only for transitions that change store-facing
// visibility. draft and archived are both already hidden, so moving between
// them carries no merchant-actionable signal and is suppressed.
func detectVisibility(p ProductParams) *models.ChangeEvent {
	oldStatus, newStatus := p.Old.Status, p.New.Status
	if oldStatus == newStatus || oldStatus == "" || newStatus == "" {
		return nil
	}
	if hiddenStatus(oldStatus) && hiddenStatus(newStatus) {
		return nil
	}

	importance := models.ImportanceMedium
	if hiddenStatus(newStatus) {
		importance = models.ImportanceHigh
	}

	return &models.ChangeEvent{
		Shop:           p.Shop,
		EntityType:     models.EntityProduct,
		EntityID:       p.New.ID,
		EventType:      models.EventVisibilityChange,
		ResourceName:   p.New.Title,
		BeforeValue:    strPtr(oldStatus),
		AfterValue:     strPtr(newStatus),
		Importance:     importance,
		Source:         p.Source,
		IdempotencyKey: fmt.Sprintf("%s:visibility:%s", p.KeyBase, p.New.ID),
	}
}
