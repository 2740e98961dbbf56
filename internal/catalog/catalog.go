// Package catalog discovers the resources a backend offers from its
// /object_info document and caches the result.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Kocoro-lab/comfyflow/internal/matcher"
	"github.com/Kocoro-lab/comfyflow/internal/metrics"
)

// ErrInvalidObjectInfo is returned for documents that are not a JSON object.
var ErrInvalidObjectInfo = errors.New("invalid object_info document")

// paths into /object_info where each kind's choice list lives
var paths = map[matcher.Kind]string{
	matcher.KindModel:      "CheckpointLoaderSimple.input.required.ckpt_name.0",
	matcher.KindLoRA:       "LoraLoader.input.required.lora_name.0",
	matcher.KindVAE:        "VAELoader.input.required.vae_name.0",
	matcher.KindControlNet: "ControlNetLoader.input.required.control_net_name.0",
	matcher.KindSampler:    "KSampler.input.required.sampler_name.0",
	matcher.KindScheduler:  "KSampler.input.required.scheduler.0",
}

// Catalog is the parsed resource listing.
type Catalog struct {
	Resources map[matcher.Kind][]string `json:"resources"`
	NodeTypes int                       `json:"node_types"`
}

// Names returns the entries of one kind.
func (c *Catalog) Names(kind matcher.Kind) []string {
	if c == nil {
		return nil
	}
	return c.Resources[kind]
}

// Parse extracts the resource lists from a raw /object_info document. Missing
// loaders yield empty lists.
func Parse(raw []byte) (*Catalog, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidObjectInfo
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, ErrInvalidObjectInfo
	}
	c := &Catalog{Resources: make(map[matcher.Kind][]string, len(paths))}
	doc.ForEach(func(_, _ gjson.Result) bool {
		c.NodeTypes++
		return true
	})
	for kind, path := range paths {
		var names []string
		doc.Get(path).ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String {
				names = append(names, v.String())
			}
			return true
		})
		c.Resources[kind] = names
	}
	return c, nil
}

// Fetcher retrieves the raw /object_info document.
type Fetcher interface {
	ObjectInfo(ctx context.Context) ([]byte, error)
}

// DefaultTTL is how long a fetched catalog is trusted.
const DefaultTTL = 5 * time.Minute

// Service serves catalogs through a local cache, an optional shared cache
// and finally the backend. Concurrent misses share one fetch.
type Service struct {
	fetcher Fetcher
	key     string
	ttl     time.Duration
	local   Cache
	shared  Cache
	group   singleflight.Group
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the cache lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLocalCache replaces the in-process cache.
func WithLocalCache(c Cache) Option {
	return func(s *Service) { s.local = c }
}

// WithSharedCache adds a second cache layer, typically Redis.
func WithSharedCache(c Cache) Option {
	return func(s *Service) { s.shared = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a catalog service for the backend identified by
// backendURL, which scopes the cache key.
func NewService(fetcher Fetcher, backendURL string, opts ...Option) *Service {
	s := &Service{
		fetcher: fetcher,
		key:     Key(backendURL),
		ttl:     DefaultTTL,
		local:   NewLocalLRU(DefaultLocalCapacity),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key is the cache key for a backend.
func Key(backendURL string) string {
	h := sha256.Sum256([]byte(backendURL))
	return "comfyflow:object_info:" + hex.EncodeToString(h[:8])
}

// Get returns the current catalog.
func (s *Service) Get(ctx context.Context) (*Catalog, error) {
	raw, err := s.raw(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Names implements matcher.Source.
func (s *Service) Names(ctx context.Context, kind matcher.Kind) ([]string, error) {
	c, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.Names(kind), nil
}

// Refresh bypasses both cache layers and refetches.
func (s *Service) Refresh(ctx context.Context) (*Catalog, error) {
	raw, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func (s *Service) raw(ctx context.Context) ([]byte, error) {
	if raw, ok := s.local.Get(ctx, s.key); ok {
		metrics.CatalogCacheHits.WithLabelValues("local").Inc()
		return raw, nil
	}
	metrics.CatalogCacheMisses.WithLabelValues("local").Inc()

	if s.shared != nil {
		if raw, ok := s.shared.Get(ctx, s.key); ok {
			metrics.CatalogCacheHits.WithLabelValues("shared").Inc()
			s.local.Set(ctx, s.key, raw, s.ttl)
			return raw, nil
		}
		metrics.CatalogCacheMisses.WithLabelValues("shared").Inc()
	}
	return s.fetch(ctx)
}

func (s *Service) fetch(ctx context.Context) ([]byte, error) {
	v, err, _ := s.group.Do(s.key, func() (any, error) {
		start := time.Now()
		raw, err := s.fetcher.ObjectInfo(ctx)
		if err != nil {
			metrics.CatalogFetches.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("fetch object_info: %w", err)
		}
		if _, err := Parse(raw); err != nil {
			metrics.CatalogFetches.WithLabelValues("invalid").Inc()
			return nil, err
		}
		metrics.CatalogFetches.WithLabelValues("success").Inc()
		s.local.Set(ctx, s.key, raw, s.ttl)
		if s.shared != nil {
			s.shared.Set(ctx, s.key, raw, s.ttl)
		}
		s.logger.Debug("Fetched backend catalog",
			zap.Int("bytes", len(raw)),
			zap.Duration("elapsed", time.Since(start)),
		)
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
