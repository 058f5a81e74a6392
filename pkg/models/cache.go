package models

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Backend   string `json:"backend"`
	Entries   int64  `json:"entries"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions,omitempty"`
}

// CacheStatus tells a caller whether a completion came from the cache.
type CacheStatus string

const (
	CacheHit    CacheStatus = "hit"
	CacheMiss   CacheStatus = "miss"
	CacheBypass CacheStatus = "bypass"
)
