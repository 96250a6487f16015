package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository"
)

// ErrUnknownSubdomain indicates no project owns the requested subdomain.
var ErrUnknownSubdomain = errors.New("proxy: unknown subdomain")

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultLookupTimeout = 2 * time.Second
)

// ProjectLookup resolves a routing key to a project.
type ProjectLookup interface {
	GetProjectBySubdomain(ctx context.Context, subdomain string) (*domain.Project, error)
}

// Target is the resolved origin location of a subdomain.
type Target struct {
	Subdomain string
	ProjectID string
}

type cacheEntry struct {
	target  Target
	expires time.Time
}

// Resolver caches subdomain lookups for a fixed TTL. Entries are replaced
// wholesale and never mutated. Misses are not cached.
type Resolver struct {
	lookup  ProjectLookup
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	cache sync.Map // string -> *cacheEntry
	group singleflight.Group
}

// NewResolver constructs a Resolver.
func NewResolver(lookup ProjectLookup, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Resolver{
		lookup:  lookup,
		ttl:     ttl,
		timeout: defaultLookupTimeout,
		logger:  logger.With("component", "proxy_resolver"),
		now:     time.Now,
	}
}

// Resolve returns the target for subdomain, consulting the datastore only when
// the cached entry is missing or expired. Concurrent misses for the same key
// share one lookup.
func (r *Resolver) Resolve(ctx context.Context, subdomain string) (Target, error) {
	key := domain.NormalizeSubdomain(subdomain)
	if key == "" {
		return Target{}, ErrUnknownSubdomain
	}
	if target, ok := r.cached(key); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return target, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	ch := r.group.DoChan(key, func() (any, error) {
		if target, ok := r.cached(key); ok {
			return target, nil
		}
		return r.resolve(ctx, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Target{}, res.Err
		}
		return res.Val.(Target), nil
	case <-ctx.Done():
		return Target{}, ctx.Err()
	}
}

// resolve is detached from the first caller's cancellation; its result is
// shared with every caller waiting on the same key.
func (r *Resolver) resolve(ctx context.Context, key string) (Target, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	project, err := r.lookup.GetProjectBySubdomain(lookupCtx, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		resolutions.WithLabelValues("not_found").Inc()
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownSubdomain, key)
	case err != nil:
		resolutions.WithLabelValues("error").Inc()
		r.logger.Error("subdomain lookup failed", "subdomain", key, "error", err)
		return Target{}, fmt.Errorf("resolve subdomain %s: %w", key, err)
	}
	resolutions.WithLabelValues("found").Inc()

	target := Target{Subdomain: key, ProjectID: project.ID}
	if _, loaded := r.cache.Swap(key, &cacheEntry{target: target, expires: r.now().Add(r.ttl)}); !loaded {
		cacheEntries.Inc()
	}
	return target, nil
}

func (r *Resolver) cached(key string) (Target, bool) {
	value, ok := r.cache.Load(key)
	if !ok {
		return Target{}, false
	}
	entry := value.(*cacheEntry)
	if !r.now().Before(entry.expires) {
		return Target{}, false
	}
	return entry.target, true
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.sweep(); removed > 0 {
				r.logger.Debug("swept expired cache entries", "removed", removed)
			}
		}
	}
}

func (r *Resolver) sweep() int {
	now := r.now()
	removed := 0
	r.cache.Range(func(key, value any) bool {
		entry := value.(*cacheEntry)
		if !now.Before(entry.expires) {
			// Only drop the entry this sweep saw; a concurrent refresh stays.
			if r.cache.CompareAndDelete(key, entry) {
				removed++
			}
		}
		return true
	})
	cacheEntries.Sub(float64(removed))
	return removed
}
