package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/warp/learner-credit/credit"
)

// =============================================================================
// READ-THROUGH CACHES
// =============================================================================
//
// Membership and catalog answers change rarely and are read on every
// eligibility check. They are cached with bounded staleness; concurrent misses
// for the same key share one remote call. Errors are never cached. Ledger
// balances and aggregates are never cached at all.

// CacheConfig bounds a cache by entry count and staleness.
type CacheConfig struct {
	MaxSize     int
	TTL         time.Duration
	MetadataTTL time.Duration
}

// DefaultCacheConfig returns 1024 entries, 5 minutes, and 30 minutes for
// content metadata.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxSize: 1024, TTL: 5 * time.Minute, MetadataTTL: 30 * time.Minute}
}

func (c CacheConfig) withDefaults() CacheConfig {
	def := DefaultCacheConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.MetadataTTL <= 0 {
		c.MetadataTTL = def.MetadataTTL
	}
	return c
}

// readThrough is one expiring LRU plus a singleflight group.
type readThrough[V any] struct {
	cache *expirable.LRU[string, V]
	group singleflight.Group
}

func newReadThrough[V any](size int, ttl time.Duration) *readThrough[V] {
	return &readThrough[V]{cache: expirable.NewLRU[string, V](size, nil, ttl)}
}

// get serves key from the cache or loads it once for every concurrent
// caller. The shared load runs detached from any one caller's cancellation;
// each caller still stops waiting when its own ctx is done.
func (r *readThrough[V]) get(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}
	flight := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		if v, ok := r.cache.Get(key); ok {
			return v, nil
		}
		v, err := load(flight)
		if err != nil {
			return v, err
		}
		r.cache.Add(key, v)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// -----------------------------------------------------------------------------
// Membership
// -----------------------------------------------------------------------------

// CachedMembership decorates a MembershipService.
type CachedMembership struct {
	next    credit.MembershipService
	members *readThrough[*credit.Membership]
	groups  *readThrough[bool]
}

func NewCachedMembership(next credit.MembershipService, cfg CacheConfig) *CachedMembership {
	cfg = cfg.withDefaults()
	return &CachedMembership{
		next:    next,
		members: newReadThrough[*credit.Membership](cfg.MaxSize, cfg.TTL),
		groups:  newReadThrough[bool](cfg.MaxSize, cfg.TTL),
	}
}

// GetEnterpriseMembership caches "not linked" (nil) answers too.
func (c *CachedMembership) GetEnterpriseMembership(ctx context.Context, learnerID credit.LearnerID, enterpriseID credit.EnterpriseID) (*credit.Membership, error) {
	key := fmt.Sprintf("%s:%d", enterpriseID, learnerID)
	m, err := c.members.get(ctx, key, func(ctx context.Context) (*credit.Membership, error) {
		return c.next.GetEnterpriseMembership(ctx, learnerID, enterpriseID)
	})
	if err != nil || m == nil {
		return nil, err
	}
	cp := *m
	return &cp, nil
}

func (c *CachedMembership) GroupContainsLearner(ctx context.Context, groupID credit.GroupID, learnerID credit.LearnerID) (bool, error) {
	key := fmt.Sprintf("%s:%d", groupID, learnerID)
	return c.groups.get(ctx, key, func(ctx context.Context) (bool, error) {
		return c.next.GroupContainsLearner(ctx, groupID, learnerID)
	})
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

// CachedCatalog decorates a CatalogService.
type CachedCatalog struct {
	next     credit.CatalogService
	contains *readThrough[bool]
	prices   *readThrough[credit.Cents]
	metadata *readThrough[*credit.ContentMetadata]
}

func NewCachedCatalog(next credit.CatalogService, cfg CacheConfig) *CachedCatalog {
	cfg = cfg.withDefaults()
	return &CachedCatalog{
		next:     next,
		contains: newReadThrough[bool](cfg.MaxSize, cfg.TTL),
		prices:   newReadThrough[credit.Cents](cfg.MaxSize, cfg.TTL),
		metadata: newReadThrough[*credit.ContentMetadata](cfg.MaxSize, cfg.MetadataTTL),
	}
}

func (c *CachedCatalog) CatalogContainsContent(ctx context.Context, catalogID credit.CatalogID, contentKey string) (bool, error) {
	return c.contains.get(ctx, string(catalogID)+":"+contentKey, func(ctx context.Context) (bool, error) {
		return c.next.CatalogContainsContent(ctx, catalogID, contentKey)
	})
}

func (c *CachedCatalog) GetContentPrice(ctx context.Context, contentKey string) (credit.Cents, error) {
	return c.prices.get(ctx, contentKey, func(ctx context.Context) (credit.Cents, error) {
		return c.next.GetContentPrice(ctx, contentKey)
	})
}

func (c *CachedCatalog) GetContentMetadata(ctx context.Context, contentKey string) (*credit.ContentMetadata, error) {
	m, err := c.metadata.get(ctx, contentKey, func(ctx context.Context) (*credit.ContentMetadata, error) {
		return c.next.GetContentMetadata(ctx, contentKey)
	})
	if err != nil || m == nil {
		return nil, err
	}
	cp := *m
	return &cp, nil
}

var (
	_ credit.MembershipService = (*CachedMembership)(nil)
	_ credit.CatalogService    = (*CachedCatalog)(nil)
	_ credit.MembershipService = (*HTTPMembership)(nil)
	_ credit.CatalogService    = (*HTTPCatalog)(nil)
	_ credit.LedgerService     = (*HTTPLedger)(nil)
	_ credit.MembershipService = (*MemoryMembership)(nil)
	_ credit.CatalogService    = (*MemoryCatalog)(nil)
	_ credit.LedgerService     = (*MemoryLedger)(nil)
)
