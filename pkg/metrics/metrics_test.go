package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.CacheHit("completion")
	c.CacheHit("completion")
	c.CacheMiss("models")
	c.Upstream("chat", "ok", 200*time.Millisecond)
	c.RelayOpened()
	c.RelayDelta()
	c.RelayFinished("closed")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("completion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("models")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.upstreamRequests.WithLabelValues("chat", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.relayActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relaySessions.WithLabelValues("closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayDeltas))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.CacheHit("completion")
		c.CacheError("completion")
		c.Upstream("tags", "error", time.Second)
		c.RelayOpened()
		c.RelayFinished("errored")
	})
}
