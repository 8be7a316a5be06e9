package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storewatch/internal/config"
	"storewatch/internal/models"
	"storewatch/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	enqueued []store.EnqueueParams
	seen     map[string]bool
	settings map[string]*models.ShopSettings
	events   map[string][]models.ChangeEvent
	marked   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		seen:     make(map[string]bool),
		settings: make(map[string]*models.ShopSettings),
		events:   make(map[string][]models.ChangeEvent),
	}
}

func (f *fakeStore) Enqueue(_ context.Context, p store.EnqueueParams) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, p)
	return models.Job{ID: "job-1", Shop: p.Shop, Topic: p.Topic, Status: models.StatusPending}, nil
}

func (f *fakeStore) SeenDelivery(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[key], nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	return models.Job{ID: id, Status: models.StatusCompleted}, nil
}

func (f *fakeStore) FailedJobs(context.Context, int) ([]models.Job, error) {
	return []models.Job{{ID: "dead-1", Status: models.StatusFailed}}, nil
}

func (f *fakeStore) RecentEvents(_ context.Context, shop string, _ int) ([]models.ChangeEvent, error) {
	return f.events[shop], nil
}

func (f *fakeStore) UndigestedEvents(_ context.Context, shop string) ([]models.ChangeEvent, error) {
	return f.events[shop], nil
}

func (f *fakeStore) MarkDigested(_ context.Context, ids []string, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, ids...)
	return int64(len(ids)), nil
}

func (f *fakeStore) GetSettings(_ context.Context, shop string) (*models.ShopSettings, error) {
	return f.settings[shop], nil
}

func (f *fakeStore) UpsertSettings(_ context.Context, st models.ShopSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[st.Shop] = &st
	return nil
}

type fakeLimiter struct {
	allowed bool
	err     error
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, float64, error) {
	return f.allowed, 1, f.err
}

type fakeDrainer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeDrainer) DrainOnce(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, nil
}

func (f *fakeDrainer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testServer(t *testing.T) (*fakeStore, *fakeDrainer, http.Handler) {
	t.Helper()
	cfg := &config.Config{WebhookDelay: 5 * time.Second}
	st := newFakeStore()
	drainer := &fakeDrainer{}
	srv := New(cfg, st, &fakeLimiter{allowed: true}, drainer)
	return st, drainer, srv.Router()
}

func postWebhook(handler http.Handler, shop, topic, deliveryID string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks", bytes.NewReader(body))
	req.Header.Set("X-Shopify-Shop-Domain", shop)
	req.Header.Set("X-Shopify-Topic", topic)
	if deliveryID != "" {
		req.Header.Set("X-Shopify-Webhook-Id", deliveryID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookEnqueuesDelayedJob(t *testing.T) {
	st, drainer, handler := testServer(t)

	rec := postWebhook(handler, "shop1.example.com", "products/update", "d1", []byte(`{"id":42}`))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "job-1", resp["job_id"])

	require.Len(t, st.enqueued, 1)
	p := st.enqueued[0]
	assert.Equal(t, "shop1.example.com", p.Shop)
	assert.Equal(t, "products/update", p.Topic)
	assert.Equal(t, "42", p.ResourceID)
	assert.Equal(t, "d1", p.IdempotencyKey)
	assert.Equal(t, 5*time.Second, p.Delay)

	assert.Eventually(t, func() bool { return drainer.count() == 1 },
		time.Second, 10*time.Millisecond, "enqueue triggers a fire-and-forget drain")
}

func TestWebhookDeleteTopicIsImmediate(t *testing.T) {
	st, _, handler := testServer(t)

	rec := postWebhook(handler, "shop1.example.com", "products/delete", "d2", []byte(`{"id":42}`))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, st.enqueued, 1)
	assert.Zero(t, st.enqueued[0].Delay)
}

func TestWebhookPrefersProductIDFromPayload(t *testing.T) {
	st, _, handler := testServer(t)

	body := []byte(`{"id":9001,"product_id":42,"available":0}`)
	rec := postWebhook(handler, "shop1.example.com", "inventory_levels/update", "d3", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, st.enqueued, 1)
	assert.Equal(t, "42", st.enqueued[0].ResourceID)
}

func TestWebhookRejectsMissingHeaders(t *testing.T) {
	_, _, handler := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookDropsSeenDelivery(t *testing.T) {
	st, _, handler := testServer(t)
	st.seen["d1"] = true

	rec := postWebhook(handler, "shop1.example.com", "products/update", "d1", []byte(`{"id":42}`))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp["status"])
	assert.Empty(t, st.enqueued, "redelivery must not enqueue a second job")
}

func TestWebhookRateLimited(t *testing.T) {
	cfg := &config.Config{WebhookDelay: 5 * time.Second}
	st := newFakeStore()
	srv := New(cfg, st, &fakeLimiter{allowed: false}, &fakeDrainer{})
	handler := srv.Router()

	rec := postWebhook(handler, "shop1.example.com", "products/update", "d1", []byte(`{"id":42}`))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, st.enqueued)
}

func TestWebhookLimiterFailureFailsOpen(t *testing.T) {
	cfg := &config.Config{WebhookDelay: 5 * time.Second}
	st := newFakeStore()
	srv := New(cfg, st, &fakeLimiter{err: errors.New("redis down")}, &fakeDrainer{})
	handler := srv.Router()

	rec := postWebhook(handler, "shop1.example.com", "products/update", "d1", []byte(`{"id":42}`))
	assert.Equal(t, http.StatusAccepted, rec.Code, "a broken limiter must not block intake")
	assert.Len(t, st.enqueued, 1)
}

func TestSettingsRoundTrip(t *testing.T) {
	st, _, handler := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/shops/shop1.example.com/settings", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body := []byte(`{"shop":"ignored","tier":"pro","instant_alerts_enabled":true,"alert_url":"https://hooks.example.com/a"}`)
	req = httptest.NewRequest(http.MethodPut, "/shops/shop1.example.com/settings", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	saved := st.settings["shop1.example.com"]
	require.NotNil(t, saved, "shop comes from the path, not the body")
	assert.True(t, saved.InstantAlertsEnabled)

	req = httptest.NewRequest(http.MethodGet, "/shops/shop1.example.com/settings", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMarkDigestedEndpoint(t *testing.T) {
	st, _, handler := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/events/digested", bytes.NewReader([]byte(`{"ids":["e1","e2"]}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp["marked"])
	assert.Equal(t, []string{"e1", "e2"}, st.marked)
}

func TestRecentEventsEndpoint(t *testing.T) {
	st, _, handler := testServer(t)
	st.events["shop1.example.com"] = []models.ChangeEvent{
		{ID: "e1", Shop: "shop1.example.com", EventType: models.EventPriceChange},
	}

	req := httptest.NewRequest(http.MethodGet, "/shops/shop1.example.com/events?limit=10", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []models.ChangeEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "e1", resp.Events[0].ID)
}

func TestHealthz(t *testing.T) {
	_, _, handler := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
