package tenant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/picvault/picvault/internal/credentials"
)

const (
	defaultCacheSize = 256
	defaultTTL       = 600 * time.Second
)

// cacheEntry pairs a resolved config with its deadline. Expired entries are
// kept in the LRU on purpose: they back the stale-serve path when the
// orchestrator is down.
type cacheEntry struct {
	cfg       *Config
	expiresAt time.Time
}

// ResolverOptions wires a Resolver.
type ResolverOptions struct {
	// OrchestratorURL enables multi-tenant resolution. Empty means
	// single-tenant mode: every host resolves to Fallback.
	OrchestratorURL string
	// Fallback is the env-derived default config, required when
	// OrchestratorURL is empty.
	Fallback *Config

	CacheSize   int
	DefaultTTL  time.Duration
	Credentials credentials.Resolver
	HTTPClient  *http.Client
	Logger      *slog.Logger

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// Resolver maps request hosts to tenant configs through a TTL+LRU cache.
type Resolver struct {
	client     *orchestratorClient
	fallback   *Config
	cache      *lru.Cache[string, cacheEntry]
	defaultTTL time.Duration
	creds      credentials.Resolver
	log        *slog.Logger
	now        func() time.Time
}

// NewResolver builds a Resolver from opts.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.OrchestratorURL == "" && opts.Fallback == nil {
		return nil, errors.New("tenant: no orchestrator URL and no fallback config")
	}

	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}

	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	creds := opts.Credentials
	if creds == nil {
		creds = credentials.EnvResolver{}
	}

	r := &Resolver{
		fallback:   opts.Fallback,
		cache:      cache,
		defaultTTL: ttl,
		creds:      creds,
		log:        log,
		now:        now,
	}
	if opts.OrchestratorURL != "" {
		r.client = newOrchestratorClient(opts.OrchestratorURL, opts.HTTPClient)
	}
	return r, nil
}

// GetConfig resolves a raw request host to its tenant config. Cache hits
// skip orchestrator I/O entirely; orchestrator outages are answered from
// the cache even past expiry.
func (r *Resolver) GetConfig(ctx context.Context, rawHost string) (*Config, error) {
	host, err := NormalizeHost(rawHost)
	if err != nil {
		return nil, ErrInvalidHost
	}

	if r.client == nil {
		return r.fallback, nil
	}

	now := r.now()
	entry, cached := r.cache.Get(host)
	if cached && now.Before(entry.expiresAt) {
		r.log.Debug("runtime_config_cache_hit_total", "host", host)
		return entry.cfg, nil
	}

	w, err := r.client.fetchByHost(ctx, host)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.cache.Remove(host)
			return nil, ErrNotFound
		}
		var ce *ConfigError
		if errors.As(err, &ce) {
			return nil, ce
		}
		// Unreachable orchestrator: serve the cached entry even if it
		// expired, otherwise surface the outage.
		if cached {
			r.log.Warn("runtime_config_cache_stale_serve_total", "host", host,
				"tenant_id", entry.cfg.TenantID, "expired", now.After(entry.expiresAt))
			return entry.cfg, nil
		}
		return nil, err
	}

	cfg, err := mapWire(w, r.creds, r.log)
	if err != nil {
		return nil, err
	}

	ttl := r.defaultTTL
	if w.TTLSeconds != nil {
		ttl = time.Duration(*w.TTLSeconds) * time.Second
	}
	r.cache.Add(host, cacheEntry{cfg: cfg, expiresAt: now.Add(ttl)})
	r.log.Info("runtime_config_cache_miss_total", "host", host,
		"tenant_id", cfg.TenantID, "config_version", cfg.ConfigVersion, "ttl_seconds", int(ttl.Seconds()))
	return cfg, nil
}

// Evict drops one host from the cache.
func (r *Resolver) Evict(rawHost string) {
	if host, err := NormalizeHost(rawHost); err == nil {
		r.cache.Remove(host)
	}
}

// Close releases the cache. The Resolver must not be used afterwards.
func (r *Resolver) Close() {
	r.cache.Purge()
}
