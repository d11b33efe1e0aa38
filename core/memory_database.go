package core

import "sync"

// MemoryDatabase is a process-local, map-backed SubstateDatabase. It is the
// only SubstateDatabase this repo ships (spec.md's non-goals exclude
// cross-shard coordination and schema evolution, so a swappable persistent
// backend is out of scope): a CLI or test wires it in place of whatever
// production store a real deployment would layer behind the same
// interface.
type MemoryDatabase struct {
	mu   sync.RWMutex
	data map[NodeId]map[PartitionNumber]map[SubstateKey][]byte
}

// NewMemoryDatabase returns an empty MemoryDatabase.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{data: make(map[NodeId]map[PartitionNumber]map[SubstateKey][]byte)}
}

// Put seeds or overwrites a substate directly, bypassing Track locking —
// for preloading genesis-style state before a transaction runs.
func (m *MemoryDatabase) Put(node NodeId, partition PartitionNumber, key SubstateKey, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[node] == nil {
		m.data[node] = make(map[PartitionNumber]map[SubstateKey][]byte)
	}
	if m.data[node][partition] == nil {
		m.data[node][partition] = make(map[SubstateKey][]byte)
	}
	m.data[node][partition][key] = value
}

// Apply commits a Track's finalized StateUpdates into the database, so a
// later transaction observes an earlier one's effects.
func (m *MemoryDatabase) Apply(updates StateUpdates) {
	for _, u := range updates {
		if u.Kind == StateUpdateDelete {
			m.delete(u.Node, u.Partition, u.Key)
			continue
		}
		m.Put(u.Node, u.Partition, u.Key, u.Value)
	}
}

func (m *MemoryDatabase) delete(node NodeId, partition PartitionNumber, key SubstateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if part, ok := m.data[node][partition]; ok {
		delete(part, key)
	}
}

func (m *MemoryDatabase) GetSubstate(node NodeId, partition PartitionNumber, key SubstateKey) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	part, ok := m.data[node][partition]
	if !ok {
		return nil, false, nil
	}
	v, ok := part[key]
	return v, ok, nil
}

func (m *MemoryDatabase) ListSubstates(node NodeId, partition PartitionNumber) ([]SubstateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []SubstateKey
	for k := range m.data[node][partition] {
		keys = append(keys, k)
	}
	return keys, nil
}
