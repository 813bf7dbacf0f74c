package runstore

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const DefaultArchiveTTL = 24 * time.Hour

type MemoryConfig struct {
	// ArchiveTTL is how long terminal runs are kept. Suspended and running
	// runs never expire.
	ArchiveTTL time.Duration
}

func (cfg *MemoryConfig) Validate() error {
	if cfg.ArchiveTTL <= 0 {
		cfg.ArchiveTTL = DefaultArchiveTTL
	}
	return nil
}

// Memory is an in-process store. Terminal runs are archived with a TTL.
type Memory struct {
	mu    sync.Mutex
	cfg   MemoryConfig
	cache *ttlcache.Cache[string, pipeline.Snapshot]
}

func NewMemory(cfg MemoryConfig) *Memory {
	_ = cfg.Validate()
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, pipeline.Snapshot](),
	)
	go cache.Start()
	return &Memory{cfg: cfg, cache: cache}
}

func (m *Memory) Close() {
	m.cache.Stop()
}

func (m *Memory) Load(_ context.Context, requestID string) (pipeline.Snapshot, error) {
	item := m.cache.Get(requestID)
	if item == nil {
		return pipeline.Snapshot{}, ErrNotFound
	}
	snap := item.Value()
	snap.State = snap.State.Clone()
	return snap, nil
}

func (m *Memory) Save(_ context.Context, snap pipeline.Snapshot, expectedVersion int64) error {
	if err := validateRequestID(snap.RequestID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	item := m.cache.Get(snap.RequestID)
	if item != nil {
		current = item.Value().Version
	}
	if err := checkVersion(snap.RequestID, current, item != nil, expectedVersion); err != nil {
		return err
	}

	ttl := ttlcache.NoTTL
	if snap.State.Status.Terminal() {
		ttl = m.cfg.ArchiveTTL
	}
	snap.State = snap.State.Clone()
	m.cache.Set(snap.RequestID, snap, ttl)
	return nil
}

func (m *Memory) List(_ context.Context, opts ListOptions) ([]pipeline.Snapshot, error) {
	items := m.cache.Items()
	snaps := make([]pipeline.Snapshot, 0, len(items))
	for _, item := range items {
		snaps = append(snaps, item.Value())
	}
	return filter(snaps, opts), nil
}
