package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storewatch/internal/models"
)

func TestThemePublishOnlyFiresForMainRole(t *testing.T) {
	ev := DetectThemePublish("shop1.example.com", models.Theme{
		ID: "t1", Name: "Dawn", Role: "main",
	}, models.SourceWebhook, "d1")
	require.NotNil(t, ev)
	assert.Equal(t, models.EventThemePublished, ev.EventType)
	assert.Equal(t, models.ImportanceHigh, ev.Importance)
	assert.Equal(t, "d1:theme:t1", ev.IdempotencyKey)

	assert.Nil(t, DetectThemePublish("shop1.example.com", models.Theme{
		ID: "t2", Name: "Preview", Role: "unpublished",
	}, models.SourceWebhook, "d1"))
}

func TestDomainRemovalOutranksChange(t *testing.T) {
	d := models.Domain{ID: "dom1", Host: "shop.example.com"}

	changed := DetectDomain("shop1.example.com", d, false, models.SourceWebhook, "d1")
	assert.Equal(t, models.EventDomainChanged, changed.EventType)
	assert.Equal(t, models.ImportanceMedium, changed.Importance)

	removed := DetectDomain("shop1.example.com", d, true, models.SourceWebhook, "d1")
	assert.Equal(t, models.EventDomainRemoved, removed.EventType)
	assert.Equal(t, models.ImportanceHigh, removed.Importance)
}

func TestCollectionDeletionRatesMedium(t *testing.T) {
	c := models.Collection{ID: "c1", Title: "Summer"}

	created := DetectCollection("shop1.example.com", c, models.EventCollectionCreated, models.SourceWebhook, "d1")
	assert.Equal(t, models.ImportanceLow, created.Importance)

	deleted := DetectCollection("shop1.example.com", c, models.EventCollectionDeleted, models.SourceWebhook, "d1")
	assert.Equal(t, models.ImportanceMedium, deleted.Importance)
}

func TestDiscountImportance(t *testing.T) {
	limit := 100
	cases := []struct {
		name       string
		discount   models.Discount
		eventType  string
		importance string
	}{
		{
			"half off percentage is high",
			models.Discount{ID: "dc1", Code: "HALF", ValueType: "percentage", Value: -50, UsageLimit: &limit},
			models.EventDiscountCreated,
			models.ImportanceHigh,
		},
		{
			"uncapped code is high",
			models.Discount{ID: "dc2", Code: "FOREVER", ValueType: "fixed_amount", Value: -5},
			models.EventDiscountCreated,
			models.ImportanceHigh,
		},
		{
			"modest capped discount is medium",
			models.Discount{ID: "dc3", Code: "TEN", ValueType: "percentage", Value: -10, UsageLimit: &limit},
			models.EventDiscountChanged,
			models.ImportanceMedium,
		},
		{
			"deletion is always medium",
			models.Discount{ID: "dc4", Code: "HALF", ValueType: "percentage", Value: -50},
			models.EventDiscountDeleted,
			models.ImportanceMedium,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := DetectDiscount("shop1.example.com", tc.discount, tc.eventType, models.SourceWebhook, "d1")
			assert.Equal(t, tc.importance, ev.Importance)
		})
	}
}

func TestDiscountValueRendering(t *testing.T) {
	ev := DetectDiscount("shop1.example.com", models.Discount{
		ID: "dc1", Code: "HALF", ValueType: "percentage", Value: -50,
	}, models.EventDiscountCreated, models.SourceWebhook, "d1")
	require.NotNil(t, ev.AfterValue)
	assert.Equal(t, "50% off", *ev.AfterValue)

	ev = DetectDiscount("shop1.example.com", models.Discount{
		ID: "dc2", Code: "FIVER", ValueType: "fixed_amount", Value: -5,
	}, models.EventDiscountCreated, models.SourceWebhook, "d1")
	require.NotNil(t, ev.AfterValue)
	assert.Equal(t, "$5 off", *ev.AfterValue)
}
