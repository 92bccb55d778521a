package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/voucher-issuance-service/internal/cache"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
)

const cacheKeyPrefix = "tenant:host:"

type TenantLookup interface {
	GetTenantByHost(ctx context.Context, host string) (*model.Tenant, error)
	IsAppEnabled(ctx context.Context, tenantID uuid.UUID, appKey string) (bool, error)
}

// Resolver maps a request host to an enabled tenant. Only positive results
// are cached, so a tenant that is created or enabled becomes visible at once.
type Resolver struct {
	store  TenantLookup
	cache  cache.Cache
	appKey string
	ttl    time.Duration
}

func NewResolver(store TenantLookup, c cache.Cache, appKey string, ttl time.Duration) *Resolver {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	return &Resolver{store: store, cache: c, appKey: appKey, ttl: ttl}
}

// Resolve returns the tenant serving host, or nil when the host is unknown,
// the tenant is inactive, or this application is disabled for it. Callers
// cannot and must not tell those cases apart.
func (r *Resolver) Resolve(ctx context.Context, host string) (*model.Tenant, error) {
	host = NormalizeHost(host)
	if host == "" {
		return nil, nil
	}
	if t := r.cached(ctx, host); t != nil {
		return t, nil
	}

	tenant, err := r.store.GetTenantByHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant %q: %w", host, err)
	}
	if !tenant.Active() {
		return nil, nil
	}
	enabled, err := r.store.IsAppEnabled(ctx, tenant.ID, r.appKey)
	if err != nil {
		return nil, fmt.Errorf("check app flag for tenant %s: %w", tenant.ID, err)
	}
	if !enabled {
		return nil, nil
	}

	if r.ttl > 0 {
		if payload, err := json.Marshal(tenant); err == nil {
			if err := r.cache.Set(ctx, cacheKeyPrefix+host, string(payload), r.ttl); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("host", host).Msg("Failed to cache tenant")
			}
		}
	}
	return tenant, nil
}

// Invalidate drops cached resolutions for the given hosts.
func (r *Resolver) Invalidate(ctx context.Context, hosts ...string) {
	keys := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = NormalizeHost(h); h != "" {
			keys = append(keys, cacheKeyPrefix+h)
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := r.cache.Del(ctx, keys...); err != nil {
		log.Ctx(ctx).Warn().Err(err).Strs("keys", keys).Msg("Failed to invalidate tenant cache")
	}
}

func (r *Resolver) cached(ctx context.Context, host string) *model.Tenant {
	payload, err := r.cache.Get(ctx, cacheKeyPrefix+host)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			log.Ctx(ctx).Warn().Err(err).Str("host", host).Msg("Tenant cache read failed")
		}
		return nil
	}
	var t model.Tenant
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("host", host).Msg("Discarding corrupt tenant cache entry")
		return nil
	}
	return &t
}

// NormalizeHost strips any port and IPv6 brackets, lower-cases, and drops a
// trailing dot.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
