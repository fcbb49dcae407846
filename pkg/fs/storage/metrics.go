package storage

// CacheMetrics provides observability for the workspace storage caches.
//
// This is optional: if not provided, metrics collection is skipped.
type CacheMetrics interface {
	// ObserveBlockRead records a clean block lookup and whether it hit.
	ObserveBlockRead(hit bool, bytes int)

	// RecordBlockEviction records a block dropped from the local cache.
	RecordBlockEviction()

	// RecordManifests records the number of resident manifests and how many
	// need sync.
	RecordManifests(total, dirty int)
}

type noopCacheMetrics struct{}

func (noopCacheMetrics) ObserveBlockRead(hit bool, bytes int) {}
func (noopCacheMetrics) RecordBlockEviction()                 {}
func (noopCacheMetrics) RecordManifests(total, dirty int)     {}
