package detector

import (
	"fmt"
	"sort"
	"strings"

	"storewatch/internal/models"
)

// DetectScopeChange compares the app's granted permission scopes against the
// baseline. Additions widen what the app can touch and are high importance;
// pure removals only narrow it. No baseline establishes one silently.
func DetectScopeChange(shop string, old, updated []string, source, keyBase string) *models.ChangeEvent {
	if old == nil {
		return nil
	}

	added := diffScopes(updated, old)
	removed := diffScopes(old, updated)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	importance := models.ImportanceMedium
	if len(added) > 0 {
		importance = models.ImportanceHigh
	}

	return &models.ChangeEvent{
		Shop:           shop,
		EntityType:     models.EntityApp,
		EntityID:       shop,
		EventType:      models.EventPermissionsChange,
		ResourceName:   "app permissions",
		BeforeValue:    strPtr(strings.Join(old, ", ")),
		AfterValue:     strPtr(strings.Join(updated, ", ")),
		Importance:     importance,
		Source:         source,
		IdempotencyKey: fmt.Sprintf("%s:scopes:%s", keyBase, shop),
		ContextData: map[string]any{
			"added":   added,
			"removed": removed,
		},
	}
}

// diffScopes returns members of a not present in b, sorted.
func diffScopes(a, b []string) []string {
	seen := make(map[string]bool, len(b))
	for _, s := range b {
		seen[s] = true
	}
	var out []string
	for _, s := range a {
		if !seen[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
