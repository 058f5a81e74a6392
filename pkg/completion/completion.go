// Package completion caches non-streaming chat completions and the model
// listing in front of the inference service.
//
// Both caches are cache-aside with no lock around the miss path: concurrent
// misses each call upstream and the last write wins. A failing store is
// logged and bypassed; it never turns into a client error.
package completion

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatgate/chatgate/pkg/cache"
	"github.com/chatgate/chatgate/pkg/fingerprint"
	"github.com/chatgate/chatgate/pkg/metrics"
	"github.com/chatgate/chatgate/pkg/models"
)

// KeyPrefix namespaces completion entries in the shared store.
const KeyPrefix = "completion:"

// DefaultTTL applies when Options.TTL is zero.
const DefaultTTL = time.Hour

const cacheName = "completion"

// Chatter performs a non-streaming chat call.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []models.ChatMessage) (*models.ChatResponse, error)
}

// Options configures a Cache or ModelList.
type Options struct {
	TTL     time.Duration
	Logger  logrus.FieldLogger
	Metrics *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Cache serves repeated identical completions from a store.
type Cache struct {
	store    cache.Store
	upstream Chatter
	ttl      time.Duration
	log      logrus.FieldLogger
	metrics  *metrics.Collector
}

// New returns a Cache. A nil store disables caching; every call then goes
// upstream and reports models.CacheBypass.
func New(store cache.Store, upstream Chatter, opts Options) *Cache {
	opts = opts.withDefaults()
	return &Cache{
		store:    store,
		upstream: upstream,
		ttl:      opts.TTL,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Key returns the store key for a request.
func Key(model string, messages []models.ChatMessage) string {
	return KeyPrefix + fingerprint.Compute(model, messages)
}

// Complete returns the cached response for (model, messages) or fetches and
// stores a fresh one. Upstream errors are returned unchanged and nothing is
// stored.
func (c *Cache) Complete(ctx context.Context, model string, messages []models.ChatMessage) (*models.ChatResponse, models.CacheStatus, error) {
	if c.store == nil {
		resp, err := c.upstream.Chat(ctx, model, messages)
		return resp, models.CacheBypass, err
	}

	key := Key(model, messages)
	log := c.log.WithFields(logrus.Fields{"key": key, "model": model})

	if resp, ok := c.lookup(ctx, key, log); ok {
		c.metrics.CacheHit(cacheName)
		log.Debug("completion cache hit")
		return resp, models.CacheHit, nil
	}
	c.metrics.CacheMiss(cacheName)

	resp, err := c.upstream.Chat(ctx, model, messages)
	if err != nil {
		return nil, models.CacheMiss, err
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Warn("encode completion for cache")
		return resp, models.CacheMiss, nil
	}
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		c.metrics.CacheError(cacheName)
		log.WithError(err).Warn("completion cache store failed")
	}
	return resp, models.CacheMiss, nil
}

func (c *Cache) lookup(ctx context.Context, key string, log logrus.FieldLogger) (*models.ChatResponse, bool) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.metrics.CacheError(cacheName)
		log.WithError(err).Warn("completion cache lookup failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var resp models.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// undecodable entries are overwritten by the miss path
		log.WithError(err).Warn("discarding corrupt completion cache entry")
		return nil, false
	}
	return &resp, true
}

// Clear drops every cached completion and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	if c.store == nil {
		return 0, nil
	}
	return c.store.DeletePrefix(ctx, KeyPrefix)
}
