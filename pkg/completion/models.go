package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatgate/chatgate/pkg/cache"
	"github.com/chatgate/chatgate/pkg/metrics"
	"github.com/chatgate/chatgate/pkg/models"
)

// ModelsKey holds the cached model listing.
const ModelsKey = "models:list"

const modelsCacheName = "models"

// Lister fetches the installed models from the inference service.
type Lister interface {
	ListModels(ctx context.Context) ([]models.UpstreamModel, error)
}

// ModelList caches the summarised model listing under ModelsKey.
type ModelList struct {
	store    cache.Store
	upstream Lister
	ttl      time.Duration
	log      logrus.FieldLogger
	metrics  *metrics.Collector
}

// NewModelList returns a ModelList. A nil store disables caching.
func NewModelList(store cache.Store, upstream Lister, opts Options) *ModelList {
	opts = opts.withDefaults()
	return &ModelList{
		store:    store,
		upstream: upstream,
		ttl:      opts.TTL,
		log:      opts.Logger.WithField("key", ModelsKey),
		metrics:  opts.Metrics,
	}
}

// List returns the model summaries, from cache when fresh. An upstream
// failure is returned as is; no stale or empty list is served in its place.
func (m *ModelList) List(ctx context.Context) ([]models.ModelSummary, error) {
	if m.store != nil {
		data, ok, err := m.store.Get(ctx, ModelsKey)
		switch {
		case err != nil:
			m.metrics.CacheError(modelsCacheName)
			m.log.WithError(err).Warn("model list cache lookup failed")
		case ok:
			var list []models.ModelSummary
			if err := json.Unmarshal(data, &list); err == nil {
				m.metrics.CacheHit(modelsCacheName)
				return list, nil
			}
			m.log.Warn("discarding corrupt model list cache entry")
		}
		m.metrics.CacheMiss(modelsCacheName)
	}

	upstream, err := m.upstream.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	list := Summarize(upstream)

	if m.store != nil {
		data, err := json.Marshal(list)
		if err == nil {
			err = m.store.Set(ctx, ModelsKey, data, m.ttl)
		}
		if err != nil {
			m.metrics.CacheError(modelsCacheName)
			m.log.WithError(err).Warn("model list cache store failed")
		}
	}
	return list, nil
}

// Invalidate drops the cached listing so the next List goes upstream.
func (m *ModelList) Invalidate(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Delete(ctx, ModelsKey)
}

// Summarize converts the upstream listing to client summaries, keeping its
// order. The list is never nil.
func Summarize(upstream []models.UpstreamModel) []models.ModelSummary {
	list := make([]models.ModelSummary, 0, len(upstream))
	for _, m := range upstream {
		list = append(list, models.ModelSummary{
			Name: strings.TrimSuffix(m.Name, ":latest"),
			Size: FormatSize(m.Size),
		})
	}
	return list
}

// FormatSize renders a byte count as gibibytes with one decimal, e.g. "3.8 GB".
func FormatSize(bytes int64) string {
	return fmt.Sprintf("%.1f GB", float64(bytes)/(1<<30))
}
