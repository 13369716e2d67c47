package wallets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bhandras/tonconnect/internal/version"
	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/viccon/sturdyc"
	"resty.dev/v3"
)

const (
	// DefaultListURL is the public TON Connect wallets registry.
	DefaultListURL = "https://raw.githubusercontent.com/ton-blockchain/wallets-list/main/wallets-v2.json"

	// defaultCacheTTL bounds how long a fetched list is reused.
	defaultCacheTTL = 10 * time.Minute
	// defaultHTTPTimeout is the per-request registry timeout.
	defaultHTTPTimeout = 10 * time.Second

	cacheKey           = "wallets-list"
	cacheCapacity      = 16
	numShards          = 1
	evictionPercentage = 10
)

// Registry fetches the wallets list and caches it.
type Registry struct {
	url      string
	http     *resty.Client
	cache    *sturdyc.Client[[]AppWallet]
	fallback []AppWallet
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	url      string
	ttl      time.Duration
	timeout  time.Duration
	fallback []AppWallet
}

// WithListURL overrides the registry URL.
func WithListURL(url string) RegistryOption {
	return func(c *registryConfig) {
		if url != "" {
			c.url = url
		}
	}
}

// WithCacheTTL overrides how long a fetched list is cached.
func WithCacheTTL(ttl time.Duration) RegistryOption {
	return func(c *registryConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFallback replaces the list returned when fetching fails.
func WithFallback(list []AppWallet) RegistryOption {
	return func(c *registryConfig) { c.fallback = list }
}

// NewRegistry creates a registry client.
func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := registryConfig{
		url:      DefaultListURL,
		ttl:      defaultCacheTTL,
		timeout:  defaultHTTPTimeout,
		fallback: Fallback,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Registry{
		url:      cfg.url,
		http:     resty.New().SetTimeout(cfg.timeout).SetHeader("User-Agent", version.UserAgent()),
		cache:    sturdyc.New[[]AppWallet](cacheCapacity, numShards, cfg.ttl, evictionPercentage),
		fallback: cfg.fallback,
	}
}

// Wallets returns the wallets list. Fetch failures are logged and answered
// with the fallback list.
func (r *Registry) Wallets(ctx context.Context) ([]AppWallet, error) {
	list, err := r.cache.GetOrFetch(ctx, cacheKey, r.fetch)
	if err != nil {
		if len(r.fallback) == 0 {
			return nil, err
		}
		logger.Warnf("wallets registry unavailable, using fallback list: %v", err)
		return r.fallback, nil
	}
	return list, nil
}

// Wallet looks up a wallet by its app name.
func (r *Registry) Wallet(ctx context.Context, appName string) (AppWallet, error) {
	list, err := r.Wallets(ctx)
	if err != nil {
		return AppWallet{}, err
	}
	for _, w := range list {
		if w.AppName == appName {
			return w, nil
		}
	}
	return AppWallet{}, fmt.Errorf("unknown wallet %q", appName)
}

// Close releases the HTTP client.
func (r *Registry) Close() error {
	return r.http.Close()
}

func (r *Registry) fetch(ctx context.Context) ([]AppWallet, error) {
	logger.Debugf("fetching wallets list: %s", r.url)

	res, err := r.http.R().SetContext(ctx).Get(r.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch wallets list: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("wallets list request failed: %s", res.Status())
	}

	var list []AppWallet
	if err := json.Unmarshal([]byte(res.String()), &list); err != nil {
		return nil, fmt.Errorf("failed to parse wallets list: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("wallets list is empty")
	}
	return list, nil
}
