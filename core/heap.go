package core

import "fmt"

// heapSubstate is a transient substate living in the Heap: a value plus the
// same lock-state machine used by Track (invariant 6 applies uniformly to
// transient and persisted substates).
type heapSubstate struct {
	value []byte
	lock  substateLockState
}

type heapNode struct {
	partitions map[PartitionNumber]map[SubstateKey]*heapSubstate
}

func newHeapNode() *heapNode {
	return &heapNode{partitions: make(map[PartitionNumber]map[SubstateKey]*heapSubstate)}
}

// Heap stores transient node substates not yet globalised (spec.md §4.2).
// Ownership of everything in the Heap belongs to exactly one CallFrame at a
// time; moving a node between frames is the only way heap ownership
// changes hands.
type Heap struct {
	nodes      map[NodeId]*heapNode
	heapLocks  map[uint32]heapLockInfo
	nextLockID uint32
}

type heapLockInfo struct {
	node      NodeId
	partition PartitionNumber
	key       SubstateKey
	flags     LockFlags
}

// NewHeap constructs an empty Heap.
func NewHeap() *Heap {
	return &Heap{nodes: make(map[NodeId]*heapNode), heapLocks: make(map[uint32]heapLockInfo)}
}

// CreateNode allocates a new transient node with its initial substates.
func (h *Heap) CreateNode(id NodeId, initial map[PartitionNumber]map[SubstateKey][]byte) error {
	if _, exists := h.nodes[id]; exists {
		return newKernelError(ErrNodeIdAlreadyUsed, nil)
	}
	hn := newHeapNode()
	for partition, kvs := range initial {
		m := make(map[SubstateKey]*heapSubstate, len(kvs))
		for k, v := range kvs {
			m[k] = &heapSubstate{value: v}
		}
		hn.partitions[partition] = m
	}
	h.nodes[id] = hn
	return nil
}

// Contains reports whether id currently lives in the Heap.
func (h *Heap) Contains(id NodeId) bool {
	_, ok := h.nodes[id]
	return ok
}

// RemoveNode deletes a transient node, returning its substates. Fails if
// any of its substates are currently locked (spec.md §4.3 drop_node).
func (h *Heap) RemoveNode(id NodeId) (map[PartitionNumber]map[SubstateKey][]byte, error) {
	hn, ok := h.nodes[id]
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("heap node %s not found", id))
	}
	for _, m := range hn.partitions {
		for _, s := range m {
			if s.lock.isLocked() {
				return nil, newKernelError(ErrSubstateLocked, fmt.Errorf("node %s has a locked substate", id))
			}
		}
	}
	out := make(map[PartitionNumber]map[SubstateKey][]byte, len(hn.partitions))
	for p, m := range hn.partitions {
		kv := make(map[SubstateKey][]byte, len(m))
		for k, s := range m {
			kv[k] = s.value
		}
		out[p] = kv
	}
	delete(h.nodes, id)
	return out, nil
}

// AcquireLock opens a lock on a heap substate.
func (h *Heap) AcquireLock(node NodeId, partition PartitionNumber, key SubstateKey, flags LockFlags) (uint32, error) {
	hn, ok := h.nodes[node]
	if !ok {
		return 0, newKernelError(ErrNodeNotFound, nil)
	}
	m, ok := hn.partitions[partition]
	if !ok {
		m = make(map[SubstateKey]*heapSubstate)
		hn.partitions[partition] = m
	}
	s, ok := m[key]
	if !ok {
		return 0, newKernelError(ErrNodeNotFound, fmt.Errorf("no heap substate at %s/%d/%s", node, partition, key))
	}
	if err := s.lock.tryLock(flags); err != nil {
		return 0, err
	}
	handle := h.nextLockID
	h.nextLockID++
	h.heapLocks[handle] = heapLockInfo{node: node, partition: partition, key: key, flags: flags}
	return handle, nil
}

// ReadSubstate returns the current bytes under an open heap lock.
func (h *Heap) ReadSubstate(handle uint32) ([]byte, error) {
	li, ok := h.heapLocks[handle]
	if !ok {
		return nil, newKernelError(ErrLockNotFound, nil)
	}
	return h.nodes[li.node].partitions[li.partition][li.key].value, nil
}

// WriteSubstate overwrites the value under a MUTABLE heap lock.
func (h *Heap) WriteSubstate(handle uint32, value []byte) error {
	li, ok := h.heapLocks[handle]
	if !ok {
		return newKernelError(ErrLockNotFound, nil)
	}
	if !li.flags.has(LockMutable) {
		return newKernelError(ErrSubstateLocked, fmt.Errorf("write requires MUTABLE lock"))
	}
	h.nodes[li.node].partitions[li.partition][li.key].value = value
	return nil
}

// CloseSubstate releases a heap lock.
func (h *Heap) CloseSubstate(handle uint32) error {
	li, ok := h.heapLocks[handle]
	if !ok {
		return newKernelError(ErrLockNotFound, nil)
	}
	delete(h.heapLocks, handle)
	h.nodes[li.node].partitions[li.partition][li.key].lock.unlock(li.flags)
	return nil
}

// SetSubstate writes (or creates) a substate value directly, without a
// prior lock. Fails if the substate exists and is currently locked.
func (h *Heap) SetSubstate(node NodeId, partition PartitionNumber, key SubstateKey, value []byte) error {
	hn, ok := h.nodes[node]
	if !ok {
		return newKernelError(ErrNodeNotFound, nil)
	}
	m, ok := hn.partitions[partition]
	if !ok {
		m = make(map[SubstateKey]*heapSubstate)
		hn.partitions[partition] = m
	}
	if s, ok := m[key]; ok {
		if s.lock.isLocked() {
			return newKernelError(ErrSubstateLocked, nil)
		}
		s.value = value
		return nil
	}
	m[key] = &heapSubstate{value: value}
	return nil
}

// PeekSubstate reads a substate's current value without acquiring a lock
// or checking frame visibility. Used by kernel-internal lookups (role
// resolution) that must run before the reader's frame exists.
func (h *Heap) PeekSubstate(node NodeId, partition PartitionNumber, key SubstateKey) ([]byte, bool) {
	hn, ok := h.nodes[node]
	if !ok {
		return nil, false
	}
	m, ok := hn.partitions[partition]
	if !ok {
		return nil, false
	}
	s, ok := m[key]
	if !ok {
		return nil, false
	}
	return s.value, true
}
