package store

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"perpbot/internal/types"
)

// MetadataStore is the ephemeral KV tier. Position metadata carries a
// monotonically increasing version; a write with a version at or below
// the stored one is rejected so a replayed or reordered update can never
// clobber fresher state.
type MetadataStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// ErrStaleWrite is returned when a versioned put loses to existing state.
var ErrStaleWrite = fmt.Errorf("metadata: stale write rejected")

func NewMetadataStore(defaultTTL time.Duration) *MetadataStore {
	return &MetadataStore{
		cache: gocache.New(defaultTTL, 2*defaultTTL),
	}
}

func metadataKey(symbol string) string { return "positions:metadata:" + symbol }

// PutMetadata stores position metadata, last-writer-wins by version.
func (m *MetadataStore) PutMetadata(meta types.PositionMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metadataKey(meta.Symbol)
	if existing, found := m.cache.Get(key); found {
		if cur := existing.(types.PositionMetadata); meta.Version <= cur.Version {
			return ErrStaleWrite
		}
	}
	m.cache.Set(key, meta, gocache.NoExpiration)
	return nil
}

// GetMetadata returns the metadata for a symbol. Callers treat a miss as
// the TREND default.
func (m *MetadataStore) GetMetadata(symbol string) (types.PositionMetadata, bool) {
	v, found := m.cache.Get(metadataKey(symbol))
	if !found {
		return types.PositionMetadata{}, false
	}
	return v.(types.PositionMetadata), true
}

// DeleteMetadata removes a symbol's entry after its position closes.
func (m *MetadataStore) DeleteMetadata(symbol string) {
	m.cache.Delete(metadataKey(symbol))
}

// PutCapital caches the latest capital snapshot under the default TTL.
func (m *MetadataStore) PutCapital(snap types.CapitalSnapshot) {
	m.cache.SetDefault("capital:snapshot", snap)
}

// GetCapital returns the cached capital snapshot.
func (m *MetadataStore) GetCapital() (types.CapitalSnapshot, bool) {
	v, found := m.cache.Get("capital:snapshot")
	if !found {
		return types.CapitalSnapshot{}, false
	}
	return v.(types.CapitalSnapshot), true
}

// PutCycleMetrics records the last cycle's summary counters.
func (m *MetadataStore) PutCycleMetrics(metrics CycleMetrics) {
	m.cache.SetDefault("cycle:metrics", metrics)
}

// GetCycleMetrics returns the last cycle summary.
func (m *MetadataStore) GetCycleMetrics() (CycleMetrics, bool) {
	v, found := m.cache.Get("cycle:metrics")
	if !found {
		return CycleMetrics{}, false
	}
	return v.(CycleMetrics), true
}

// CycleMetrics is the per-cycle summary the orchestrator publishes.
type CycleMetrics struct {
	Cycle      int64
	Candidates int
	Signals    int
	Admitted   int
	Executed   int
	Rejected   map[types.RejectReason]int
	Duration   time.Duration
	At         time.Time
}
