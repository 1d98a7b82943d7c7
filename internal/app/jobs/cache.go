// Package jobs maintains the local job reference cache. Job data is
// owned by the remote; the cache is a read-only mirror refreshed
// opportunistically so that expense capture can offer job references
// while offline.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	appsync "github.com/fieldledger/fieldledger/internal/app/sync"
	"github.com/fieldledger/fieldledger/internal/domain"
	"github.com/fieldledger/fieldledger/internal/infra/observability"
	"github.com/fieldledger/fieldledger/internal/infra/sqlite"
)

const (
	// DefaultFreshness is how long a cached job set is served without a
	// refresh attempt.
	DefaultFreshness = 15 * time.Minute

	// DefaultRecentCount is the default size of the recent-jobs shortlist.
	DefaultRecentCount = 5

	// DefaultScanWindow bounds how many recent expense job refs are
	// examined when building the shortlist.
	DefaultScanWindow = 50
)

// Config tunes cache behaviour. Zero values fall back to the defaults.
type Config struct {
	UserID      string
	Freshness   time.Duration
	RecentCount int
	ScanWindow  int
}

// Cache serves job references from the local mirror, refreshing from
// the remote when it can.
type Cache struct {
	cfg      Config
	db       *sqlite.DB
	gw       domain.Gateway
	notifier *appsync.Notifier
	log      zerolog.Logger
}

func NewCache(cfg Config, db *sqlite.DB, gw domain.Gateway, notifier *appsync.Notifier, log zerolog.Logger) *Cache {
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if cfg.RecentCount <= 0 {
		cfg.RecentCount = DefaultRecentCount
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = DefaultScanWindow
	}
	return &Cache{
		cfg:      cfg,
		db:       db,
		gw:       gw,
		notifier: notifier,
		log:      log.With().Str("component", "jobcache").Logger(),
	}
}

// Stale reports whether the cache is empty or older than the
// freshness window.
func (c *Cache) Stale() (bool, error) {
	fetchedAt, err := c.db.JobCacheFetchedAt()
	if err != nil {
		return false, err
	}
	if fetchedAt.IsZero() {
		return true, nil
	}
	return time.Since(fetchedAt) > c.cfg.Freshness, nil
}

// Refresh fetches the active job set and replaces the cache wholesale.
// On fetch failure the existing cache, stale or not, is retained.
func (c *Cache) Refresh(ctx context.Context) error {
	remote, err := c.gw.ListActiveJobs(ctx)
	if err != nil {
		observability.JobCacheRefreshes.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Msg("job refresh failed, serving cached set")
		return err
	}

	now := time.Now()
	for i := range remote {
		remote[i].FetchedAt = now
	}
	if err := c.db.ReplaceJobs(remote); err != nil {
		observability.JobCacheRefreshes.WithLabelValues("error").Inc()
		return err
	}

	observability.JobCacheRefreshes.WithLabelValues("ok").Inc()
	observability.JobCacheSize.Set(float64(len(remote)))
	c.notifier.Publish(appsync.Event{Kind: appsync.EventCacheRefreshed})
	c.log.Info().Int("jobs", len(remote)).Msg("job cache refreshed")
	return nil
}

// RefreshIfStale refreshes only when the freshness window has lapsed.
func (c *Cache) RefreshIfStale(ctx context.Context) error {
	stale, err := c.Stale()
	if err != nil {
		return err
	}
	if !stale {
		return nil
	}
	return c.Refresh(ctx)
}

// RecentJobs returns up to n job references for the capture UI, most
// relevant first. Online it derives the shortlist from the caller's
// recent expenses joined against the active set; offline, or when the
// online path fails, it falls back to the first n cached jobs.
func (c *Cache) RecentJobs(ctx context.Context, n int) ([]domain.CachedJob, error) {
	if n <= 0 {
		n = c.cfg.RecentCount
	}

	if c.gw.Online(ctx) {
		if jobs, err := c.recentFromRemote(ctx, n); err == nil {
			return jobs, nil
		} else {
			c.log.Debug().Err(err).Msg("recent-jobs remote path failed, using cache")
		}
	}

	return c.db.ListCachedJobs(n)
}

// Get resolves one job reference from the cache.
func (c *Cache) Get(id string) (*domain.CachedJob, error) {
	return c.db.CachedJobByID(id)
}

// FetchedAt exposes the cache timestamp for status reporting.
func (c *Cache) FetchedAt() (time.Time, error) {
	return c.db.JobCacheFetchedAt()
}

func (c *Cache) recentFromRemote(ctx context.Context, n int) ([]domain.CachedJob, error) {
	refs, err := c.gw.ExpenseJobRefs(ctx, c.cfg.UserID, c.cfg.ScanWindow)
	if err != nil {
		return nil, err
	}
	active, err := c.gw.ListActiveJobs(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.CachedJob, len(active))
	for _, j := range active {
		byID[j.ID] = j
	}

	var out []domain.CachedJob
	seen := make(map[string]bool, n)
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if j, ok := byID[ref]; ok {
			out = append(out, j)
			if len(out) == n {
				break
			}
		}
	}

	// Pad the shortlist with remaining active jobs when recent history
	// alone does not fill it.
	for _, j := range active {
		if len(out) == n {
			break
		}
		if !seen[j.ID] {
			seen[j.ID] = true
			out = append(out, j)
		}
	}
	return out, nil
}
