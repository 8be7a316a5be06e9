package alert

import (
	"context"
	"time"

	"storewatch/internal/models"
)

// AlertStats provides the trailing instant-alert count for the rate gate.
type AlertStats interface {
	InstantAlertCount(ctx context.Context, shop string, since time.Time) (int, error)
}

// Policy decides whether a freshly detected event also wakes someone up
// immediately. Three independent gates must all pass: the shop's feature
// gate, the fixed severity allow-list, and a best-effort rate limit.
type Policy struct {
	stats  AlertStats
	limit  int
	window time.Duration
}

func NewPolicy(stats AlertStats, limit int, window time.Duration) *Policy {
	return &Policy{stats: stats, limit: limit, window: window}
}

// ShouldAlert is evaluated at event-creation time; the decision is recorded
// on the event itself and never revisited.
func (p *Policy) ShouldAlert(ctx context.Context, settings *models.ShopSettings, ev models.ChangeEvent) (bool, error) {
	if settings == nil || !settings.InstantAlertsEnabled || settings.AlertURL == "" {
		return false, nil
	}
	if !Critical(ev) {
		return false, nil
	}
	count, err := p.stats.InstantAlertCount(ctx, ev.Shop, time.Now().Add(-p.window))
	if err != nil {
		return false, err
	}
	return count < p.limit, nil
}

// Critical is the fixed allow-list of event shapes worth an immediate
// notification. Everything else is digest-only: low-stock warnings, theme
// publishes, and collection or discount housekeeping are not time-critical.
func Critical(ev models.ChangeEvent) bool {
	switch ev.EventType {
	case models.EventPriceChange:
		// Only severe drops; increases and modest moves wait for the digest.
		return ev.Importance == models.ImportanceHigh && ev.MoneySaved != nil && *ev.MoneySaved > 0
	case models.EventInventoryZero:
		return true
	case models.EventVisibilityChange:
		// High importance marks a transition into draft or archived.
		return ev.Importance == models.ImportanceHigh
	case models.EventDomainRemoved:
		return true
	case models.EventPermissionsChange:
		return ev.Importance == models.ImportanceHigh
	default:
		return false
	}
}
