package localdb

import "sync"

// Memory implements all three store interfaces without a backing file.
// Used by tests and by hosts that do not want on-disk state; data does
// not survive the process.
type Memory struct {
	mu         sync.Mutex
	tombstones map[string]int64
	buckets    map[string]memoryBucket
	views      map[string]ViewSnapshot
}

type memoryBucket struct {
	bucket int64
	seenAt int64
}

// NewMemory creates an empty in-memory state store.
func NewMemory() *Memory {
	return &Memory{
		tombstones: make(map[string]int64),
		buckets:    make(map[string]memoryBucket),
		views:      make(map[string]ViewSnapshot),
	}
}

func (m *Memory) LoadTombstones() (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.tombstones))
	for k, v := range m.tombstones {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SaveTombstone(rootID string, createdAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tombstones[rootID]; !ok || createdAt > existing {
		m.tombstones[rootID] = createdAt
	}
	return nil
}

func (m *Memory) GetBucket(scope string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.buckets[scope]
	return entry.bucket, ok, nil
}

func (m *Memory) PutBucket(scope string, bucket int64, seenAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[scope] = memoryBucket{bucket: bucket, seenAt: seenAt}
	return nil
}

func (m *Memory) PruneBuckets(seenBefore int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for scope, entry := range m.buckets {
		if entry.seenAt < seenBefore {
			delete(m.buckets, scope)
		}
	}
	return nil
}

func (m *Memory) GetViewState(pointerKey string) (*ViewSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.views[pointerKey]
	if !ok {
		return nil, nil
	}
	clone := snap
	clone.DedupeBuckets = make(map[string]int64, len(snap.DedupeBuckets))
	for k, v := range snap.DedupeBuckets {
		clone.DedupeBuckets[k] = v
	}
	return &clone, nil
}

func (m *Memory) PutViewState(pointerKey string, snap *ViewSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Version = ViewSnapshotVersion
	clone := *snap
	clone.DedupeBuckets = make(map[string]int64, len(snap.DedupeBuckets))
	for k, v := range snap.DedupeBuckets {
		clone.DedupeBuckets[k] = v
	}
	m.views[pointerKey] = clone
	return nil
}

func (m *Memory) DeleteViewState(pointerKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.views, pointerKey)
	return nil
}

var _ TombstoneStore = (*Memory)(nil)
var _ CooldownStore = (*Memory)(nil)
var _ ViewStateStore = (*Memory)(nil)
