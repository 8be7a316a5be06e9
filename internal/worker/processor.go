package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"storewatch/internal/alert"
	"storewatch/internal/config"
	"storewatch/internal/models"
	"storewatch/internal/telemetry"
)

// JobStore is the queue surface the dispatcher drives.
type JobStore interface {
	Claim(ctx context.Context, limit int) ([]models.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, maxAttempts int, lastError string) (string, error)
	Requeue(ctx context.Context, id string, delay time.Duration) error
	ReclaimStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]string, error)
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventStore persists detected changes and answers suppression queries.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *models.ChangeEvent) (bool, error)
	HasRecentEvent(ctx context.Context, shop, eventType, entityID string, since time.Time) (bool, error)
}

// SnapshotStore owns the diffing baselines.
type SnapshotStore interface {
	GetProduct(ctx context.Context, shop, productID string) (*models.Product, error)
	UpsertProduct(ctx context.Context, shop string, p models.Product) error
	DeleteProduct(ctx context.Context, shop, productID string) error
	GetScopes(ctx context.Context, shop string) ([]string, error)
	UpsertScopes(ctx context.Context, shop string, scopes []string) error
}

// SettingsStore provides per-shop alerting settings.
type SettingsStore interface {
	GetSettings(ctx context.Context, shop string) (*models.ShopSettings, error)
}

// StateFetcher loads current platform-side entity state.
type StateFetcher interface {
	Product(ctx context.Context, shop, productID string) (*models.Product, error)
}

// Locker serializes processing per (shop, entity) across instances.
type Locker interface {
	Acquire(ctx context.Context, shop, entityID string) (string, bool, error)
	Release(ctx context.Context, shop, entityID, token string) error
}

// AlertPolicy decides instant notification at event-creation time.
type AlertPolicy interface {
	ShouldAlert(ctx context.Context, settings *models.ShopSettings, ev models.ChangeEvent) (bool, error)
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Jobs     JobStore
	Events   EventStore
	Snaps    SnapshotStore
	Settings SettingsStore
	Fetch    StateFetcher
	Locks    Locker
	Policy   AlertPolicy
	Notify   alert.Notifier
}

// Processor drains the job queue and runs detection.
type Processor struct {
	cfg *config.Config
	d   Deps
}

func NewProcessor(cfg *config.Config, d Deps) *Processor {
	return &Processor{cfg: cfg, d: d}
}

// Run polls until context cancellation: reclaim stale claims, drain ready
// jobs, and sweep terminal rows on the janitor interval.
func (p *Processor) Run(ctx context.Context) error {
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			if n, err := p.d.Jobs.Sweep(ctx, time.Now().Add(-p.cfg.JobRetention)); err != nil {
				log.Printf("sweep: %v", err)
			} else if n > 0 {
				telemetry.JobsSwept.Add(float64(n))
			}
		default:
		}

		if reclaimed, err := p.d.Jobs.ReclaimStale(ctx, time.Now().Add(-p.cfg.StaleClaimTimeout), p.cfg.MaxAttempts); err != nil {
			log.Printf("reclaim stale: %v", err)
		} else if len(reclaimed) > 0 {
			telemetry.JobsReclaimed.Add(float64(len(reclaimed)))
			log.Printf("reclaimed %d stale claims", len(reclaimed))
		}

		n, err := p.DrainOnce(ctx)
		if err != nil {
			log.Printf("drain: %v", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// DrainOnce claims one batch and processes it. Jobs touching the same
// (shop, entity) are applied in claim order within one group; distinct
// entities proceed concurrently up to the configured bound.
func (p *Processor) DrainOnce(ctx context.Context) (int, error) {
	batch, err := p.d.Jobs.Claim(ctx, p.cfg.ClaimBatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	telemetry.JobsClaimed.Add(float64(len(batch)))

	var keys []string
	groups := make(map[string][]models.Job)
	for _, job := range batch {
		k := entityKey(job)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], job)
	}

	sem := make(chan struct{}, p.cfg.WorkerConcurrency)
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(jobs []models.Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			p.processGroup(ctx, jobs)
		}(groups[k])
	}
	wg.Wait()
	return len(batch), nil
}

// processGroup holds the entity lock for the duration of the group. If
// another instance owns the lock the jobs go back to pending uncharged.
func (p *Processor) processGroup(ctx context.Context, jobs []models.Job) {
	shop, entity := jobs[0].Shop, entityKey(jobs[0])
	token, ok, err := p.d.Locks.Acquire(ctx, shop, entity)
	if err != nil || !ok {
		if err != nil {
			log.Printf("acquire lock %s/%s: %v", shop, entity, err)
		}
		for _, job := range jobs {
			if err := p.d.Jobs.Requeue(ctx, job.ID, time.Second); err != nil {
				log.Printf("requeue %s: %v", job.ID, err)
			}
		}
		return
	}
	defer func() {
		if err := p.d.Locks.Release(ctx, shop, entity, token); err != nil {
			log.Printf("release lock %s/%s: %v", shop, entity, err)
		}
	}()

	for _, job := range jobs {
		p.processJob(ctx, job)
	}
}

func (p *Processor) processJob(ctx context.Context, job models.Job) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err := p.handle(ctx, job)
	if err == nil {
		if err := p.d.Jobs.Complete(ctx, job.ID); err != nil {
			log.Printf("complete %s: %v", job.ID, err)
			return
		}
		telemetry.JobsCompleted.Inc()
		return
	}

	status, ferr := p.d.Jobs.Fail(ctx, job.ID, p.cfg.MaxAttempts, err.Error())
	if ferr != nil {
		log.Printf("fail %s: %v (original error: %v)", job.ID, ferr, err)
		return
	}
	if status == models.StatusFailed {
		telemetry.JobsFailed.Inc()
		log.Printf("job %s (%s %s) exhausted attempts: %v", job.ID, job.Shop, job.Topic, err)
	} else {
		telemetry.JobsRetried.Inc()
		log.Printf("job %s (%s %s) retrying: %v", job.ID, job.Shop, job.Topic, err)
	}
}

// entityKey names the serialization unit for a job. Product and inventory
// webhooks share one stream per product; shop-wide topics serialize per kind.
func entityKey(job models.Job) string {
	switch job.Topic {
	case models.TopicProductUpdate, models.TopicProductDelete, models.TopicInventoryUpdate:
		return "product:" + job.ResourceID
	case models.TopicThemePublish:
		return "theme"
	case models.TopicDomainUpdate, models.TopicDomainDestroy:
		return "domain:" + job.ResourceID
	case models.TopicCollectionCreate, models.TopicCollectionUpdate, models.TopicCollectionDelete:
		return "collection:" + job.ResourceID
	case models.TopicDiscountCreate, models.TopicDiscountUpdate, models.TopicDiscountDelete:
		return "discount:" + job.ResourceID
	case models.TopicScopesUpdate:
		return "app"
	default:
		return "job:" + job.ID
	}
}
