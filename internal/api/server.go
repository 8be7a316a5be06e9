package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"storewatch/internal/config"
	"storewatch/internal/models"
	"storewatch/internal/store"
	"storewatch/internal/telemetry"
)

// Store is the persistence surface the API needs.
type Store interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, error)
	SeenDelivery(ctx context.Context, key string) (bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	FailedJobs(ctx context.Context, limit int) ([]models.Job, error)
	RecentEvents(ctx context.Context, shop string, limit int) ([]models.ChangeEvent, error)
	UndigestedEvents(ctx context.Context, shop string) ([]models.ChangeEvent, error)
	MarkDigested(ctx context.Context, ids []string, at time.Time) (int64, error)
	GetSettings(ctx context.Context, shop string) (*models.ShopSettings, error)
	UpsertSettings(ctx context.Context, st models.ShopSettings) error
}

// Limiter throttles webhook intake per shop.
type Limiter interface {
	Allow(ctx context.Context, shop string) (bool, float64, error)
}

// Drainer triggers an opportunistic queue drain after enqueue and serves the
// scheduler-invoked drain endpoint.
type Drainer interface {
	DrainOnce(ctx context.Context) (int, error)
}

// Server wires HTTP handlers for webhook intake and the query surface.
type Server struct {
	cfg     *config.Config
	store   Store
	limiter Limiter
	drainer Drainer
}

func New(cfg *config.Config, st Store, limiter Limiter, drainer Drainer) *Server {
	return &Server{cfg: cfg, store: st, limiter: limiter, drainer: drainer}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks", s.handleWebhook)
	r.Post("/internal/drain", s.handleDrain)

	r.Get("/jobs/failed", s.handleFailedJobs)
	r.Get("/jobs/{id}", s.handleGetJob)

	r.Get("/shops/{shop}/events", s.handleRecentEvents)
	r.Get("/shops/{shop}/events/undigested", s.handleUndigestedEvents)
	r.Post("/events/digested", s.handleMarkDigested)

	r.Get("/shops/{shop}/settings", s.handleGetSettings)
	r.Put("/shops/{shop}/settings", s.handlePutSettings)

	return r
}

// handleWebhook accepts one platform delivery and enqueues a delayed job.
// Redeliveries of an already-seen delivery id are acknowledged and dropped;
// the platform keeps retrying anything not answered with a 2xx.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	shop := r.Header.Get("X-Shopify-Shop-Domain")
	topic := r.Header.Get("X-Shopify-Topic")
	deliveryID := r.Header.Get("X-Shopify-Webhook-Id")
	if shop == "" || topic == "" {
		http.Error(w, "missing shop or topic header", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), shop)
		switch {
		case err != nil:
			// Fail open: intake keeps working when the limiter backend is down.
			log.Printf("ingress limiter for %s: %v", shop, err)
		case !allowed:
			telemetry.IngressRejected.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if deliveryID != "" {
		seen, err := s.store.SeenDelivery(r.Context(), deliveryID)
		if err != nil {
			http.Error(w, "dedup check failed", http.StatusInternalServerError)
			return
		}
		if seen {
			telemetry.WebhooksDeduped.Inc()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate"})
			return
		}
	}

	job, err := s.store.Enqueue(r.Context(), store.EnqueueParams{
		Shop:           shop,
		Topic:          topic,
		ResourceID:     resourceIDFromPayload(body),
		Payload:        body,
		IdempotencyKey: deliveryID,
		Delay:          s.cfg.TopicDelay(topic),
	})
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.WebhooksReceived.Inc()

	// Fire-and-forget drain; the worker's cron loop is the safety net and
	// the store-level claim keeps the race harmless.
	if s.drainer != nil {
		go func() { _, _ = s.drainer.DrainOnce(context.Background()) }()
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job_id": job.ID})
}

// resourceIDFromPayload pulls the entity id out of the delivery body.
// Inventory webhooks reference their product; everything else carries id.
func resourceIDFromPayload(body []byte) string {
	var probe struct {
		ID        json.Number `json:"id"`
		ProductID json.Number `json:"product_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	if probe.ProductID.String() != "" {
		return probe.ProductID.String()
	}
	return probe.ID.String()
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.drainer == nil {
		http.Error(w, "drain unavailable", http.StatusServiceUnavailable)
		return
	}
	n, err := s.drainer.DrainOnce(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.FailedJobs(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := s.store.RecentEvents(r.Context(), chi.URLParam(r, "shop"), limit)
	if err != nil {
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleUndigestedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.UndigestedEvents(r.Context(), chi.URLParam(r, "shop"))
	if err != nil {
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleMarkDigested(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	n, err := s.store.MarkDigested(r.Context(), req.IDs, time.Now().UTC())
	if err != nil {
		http.Error(w, "failed to mark digested", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context(), chi.URLParam(r, "shop"))
	if err != nil {
		http.Error(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	if settings == nil {
		http.Error(w, "no settings for shop", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.ShopSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	settings.Shop = chi.URLParam(r, "shop")
	if err := s.store.UpsertSettings(r.Context(), settings); err != nil {
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
