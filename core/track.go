package core

import (
	"fmt"
	"sort"
)

// SubstateDatabase is the narrow, external, byte-oriented substate store the
// Track overlays (spec.md §1: "the kernel consumes it through: get, list").
// It is read-only from the Track's point of view; all mutation happens in
// the Track's in-memory overlay.
type SubstateDatabase interface {
	GetSubstate(node NodeId, partition PartitionNumber, key SubstateKey) ([]byte, bool, error)
	ListSubstates(node NodeId, partition PartitionNumber) ([]SubstateKey, error)
}

// Virtualizer synthesizes a substate value when acquire_lock_virtualize
// finds nothing in the database for the touched key (spec.md §4.1).
type Virtualizer func() ([]byte, bool)

type runtimeSubstate struct {
	value []byte
	lock  substateLockState
}

type readState int

const (
	readNonExistent readState = iota
	readExistent
)

type trackedKind int

const (
	trackedNew trackedKind = iota
	trackedReadOnly
	trackedReadAndWrite
	trackedWriteOnly
)

// trackedSubstate is the Go shape of radix-engine's TrackedSubstateKey enum
// (track.rs): New | ReadOnly(Existent|NonExistent) | ReadAndWrite(read,
// Update|Delete) | WriteOnly(Update|Delete). substate is nil exactly when
// the tracked state denotes "no value" (NonExistent or Delete).
type trackedSubstate struct {
	kind     trackedKind
	substate *runtimeSubstate
	prevRead readState // meaningful only when kind == trackedReadAndWrite
}

func (t *trackedSubstate) getSubstate() *runtimeSubstate {
	switch t.kind {
	case trackedNew, trackedReadOnly, trackedReadAndWrite, trackedWriteOnly:
		return t.substate
	default:
		return nil
	}
}

// intoValue returns (value, true) if this tracked state denotes a live
// value, or (nil, false) if it denotes deletion/non-existence.
func (t *trackedSubstate) intoValue() ([]byte, bool) {
	if t.substate == nil {
		return nil, false
	}
	return t.substate.value, true
}

type trackedNode struct {
	partitions map[PartitionNumber]map[SubstateKey]*trackedSubstate
	isNew      bool
}

func newTrackedNode(isNew bool) *trackedNode {
	return &trackedNode{partitions: make(map[PartitionNumber]map[SubstateKey]*trackedSubstate), isNew: isNew}
}

func (n *trackedNode) module(partition PartitionNumber) map[SubstateKey]*trackedSubstate {
	m, ok := n.partitions[partition]
	if !ok {
		m = make(map[SubstateKey]*trackedSubstate)
		n.partitions[partition] = m
	}
	return m
}

type lockInfo struct {
	node      NodeId
	partition PartitionNumber
	key       SubstateKey
	flags     LockFlags
}

// Track is the transactional substate overlay (spec.md §4.1). It is
// single-writer within one transaction; the caller is responsible for
// serializing concurrent transactions against a shared SubstateDatabase.
type Track struct {
	db           SubstateDatabase
	updates      map[NodeId]*trackedNode
	forceUpdates map[NodeId]*trackedNode
	locks        map[uint32]lockInfo
	nextLockID   uint32
}

// NewTrack constructs a Track over a read-only substate database.
func NewTrack(db SubstateDatabase) *Track {
	return &Track{
		db:           db,
		updates:      make(map[NodeId]*trackedNode),
		forceUpdates: make(map[NodeId]*trackedNode),
		locks:        make(map[uint32]lockInfo),
	}
}

func (t *Track) node(id NodeId) *trackedNode {
	n, ok := t.updates[id]
	if !ok {
		n = newTrackedNode(false)
		t.updates[id] = n
	}
	return n
}

// CreateNode registers a brand-new node (all of its initial substates are
// tracked as trackedNew, with no prior database entry).
func (t *Track) CreateNode(id NodeId, initial map[PartitionNumber]map[SubstateKey][]byte) {
	tn := newTrackedNode(true)
	for partition, kvs := range initial {
		m := tn.module(partition)
		for key, value := range kvs {
			v := value
			m[key] = &trackedSubstate{kind: trackedNew, substate: &runtimeSubstate{value: v}}
		}
	}
	t.updates[id] = tn
}

func (t *Track) getTrackedVirtualize(node NodeId, partition PartitionNumber, key SubstateKey, virtualize Virtualizer) *trackedSubstate {
	m := t.node(node).module(partition)
	if ts, ok := m[key]; ok {
		return ts
	}
	if value, found, err := t.db.GetSubstate(node, partition, key); err == nil && found {
		m[key] = &trackedSubstate{kind: trackedReadOnly, substate: &runtimeSubstate{value: value}}
	} else if virtualize != nil {
		if value, ok := virtualize(); ok {
			m[key] = &trackedSubstate{
				kind:     trackedReadAndWrite,
				prevRead: readNonExistent,
				substate: &runtimeSubstate{value: value},
			}
		} else {
			m[key] = &trackedSubstate{kind: trackedReadOnly, substate: nil}
		}
	} else {
		m[key] = &trackedSubstate{kind: trackedReadOnly, substate: nil}
	}
	return m[key]
}

func (t *Track) getTracked(node NodeId, partition PartitionNumber, key SubstateKey) *trackedSubstate {
	return t.getTrackedVirtualize(node, partition, key, nil)
}

// AcquireLock opens a lock on (node, partition, key), returning an opaque
// handle. flags gates the semantics (spec.md §4.1); virtualizer (may be
// nil) synthesizes a value on first touch of an absent key.
func (t *Track) AcquireLock(node NodeId, partition PartitionNumber, key SubstateKey, flags LockFlags, virtualizer Virtualizer) (uint32, error) {
	if flags.has(LockUnmodifiedBase) && flags.has(LockForceWrite) {
		// spec.md §9 Open Question (b): mutually exclusive, fail at acquisition.
		return 0, newKernelError(ErrLockConflict, fmt.Errorf("UNMODIFIED_BASE and FORCE_WRITE are mutually exclusive"))
	}

	tracked := t.getTrackedVirtualize(node, partition, key, virtualizer)

	if flags.has(LockUnmodifiedBase) {
		switch tracked.kind {
		case trackedNew, trackedWriteOnly:
			return 0, newKernelError(ErrLockUnmodifiedBaseOnNew, nil)
		case trackedReadAndWrite:
			return 0, newKernelError(ErrLockUnmodifiedBaseOnUpdated, nil)
		}
	}

	substate := tracked.getSubstate()
	if substate == nil {
		return 0, newKernelError(ErrNodeNotFound, fmt.Errorf("no substate at %s/%d/%s", node, partition, key))
	}
	if err := substate.lock.tryLock(flags); err != nil {
		return 0, err
	}

	handle := t.nextLockID
	t.nextLockID++
	t.locks[handle] = lockInfo{node: node, partition: partition, key: key, flags: flags}
	return handle, nil
}

// ReadSubstate returns the current bytes under an open lock.
func (t *Track) ReadSubstate(handle uint32) ([]byte, error) {
	li, ok := t.locks[handle]
	if !ok {
		return nil, newKernelError(ErrLockNotFound, nil)
	}
	tracked := t.getTracked(li.node, li.partition, li.key)
	substate := tracked.getSubstate()
	if substate == nil {
		return nil, newKernelError(ErrNodeNotFound, nil)
	}
	return substate.value, nil
}

// WriteSubstate overwrites the value under a MUTABLE lock.
func (t *Track) WriteSubstate(handle uint32, value []byte) error {
	li, ok := t.locks[handle]
	if !ok {
		return newKernelError(ErrLockNotFound, nil)
	}
	if !li.flags.has(LockMutable) {
		return newKernelError(ErrSubstateLocked, fmt.Errorf("write requires MUTABLE lock"))
	}

	m := t.node(li.node).module(li.partition)
	tracked := m[li.key]

	switch tracked.kind {
	case trackedNew, trackedWriteOnly, trackedReadAndWrite:
		if tracked.substate == nil {
			tracked.substate = &runtimeSubstate{}
		}
		tracked.substate.value = value
	case trackedReadOnly:
		read := readNonExistent
		if tracked.substate != nil {
			read = readExistent
		}
		lockState := substateLockState{}
		if tracked.substate != nil {
			lockState = tracked.substate.lock
		}
		m[li.key] = &trackedSubstate{
			kind:     trackedReadAndWrite,
			prevRead: read,
			substate: &runtimeSubstate{value: value, lock: lockState},
		}
	}
	return nil
}

// CloseSubstate releases a lock. If it was acquired with FORCE_WRITE, the
// current value is durably recorded into the force-write side table
// (spec.md §4.1: "this is how fee locking survives transaction failure").
func (t *Track) CloseSubstate(handle uint32) error {
	li, ok := t.locks[handle]
	if !ok {
		return newKernelError(ErrLockNotFound, nil)
	}
	delete(t.locks, handle)

	tracked := t.getTracked(li.node, li.partition, li.key)
	substate := tracked.getSubstate()
	if substate == nil {
		return newKernelError(ErrNodeNotFound, nil)
	}
	substate.lock.unlock(li.flags)

	if li.flags.has(LockForceWrite) {
		fn, ok := t.forceUpdates[li.node]
		if !ok {
			fn = newTrackedNode(false)
			t.forceUpdates[li.node] = fn
		}
		fm := fn.module(li.partition)
		fm[li.key] = &trackedSubstate{
			kind:     trackedReadAndWrite,
			prevRead: readExistent,
			substate: &runtimeSubstate{value: append([]byte(nil), substate.value...)},
		}
	}
	return nil
}

// SetSubstate writes a value without first acquiring a lock (used by
// set_substate in spec.md §4.3). Fails if the substate is currently locked.
func (t *Track) SetSubstate(node NodeId, partition PartitionNumber, key SubstateKey, value []byte) error {
	m := t.node(node).module(partition)
	tracked, ok := m[key]
	if !ok {
		m[key] = &trackedSubstate{kind: trackedWriteOnly, substate: &runtimeSubstate{value: value}}
		return nil
	}
	if s := tracked.getSubstate(); s != nil && s.lock.isLocked() {
		return newKernelError(ErrSubstateLocked, nil)
	}

	switch tracked.kind {
	case trackedNew, trackedWriteOnly, trackedReadAndWrite:
		if tracked.substate == nil {
			tracked.substate = &runtimeSubstate{}
		}
		tracked.substate.value = value
	case trackedReadOnly:
		read := readNonExistent
		if tracked.substate != nil {
			read = readExistent
		}
		m[key] = &trackedSubstate{kind: trackedReadAndWrite, prevRead: read, substate: &runtimeSubstate{value: value}}
	}
	return nil
}

// PeekSubstate reads a substate's current value without acquiring a lock
// or going through AcquireLock's caller-visibility expectations. Used by
// kernel-internal lookups (role resolution) that must run before the
// reader's frame exists.
func (t *Track) PeekSubstate(node NodeId, partition PartitionNumber, key SubstateKey) ([]byte, bool) {
	tracked := t.getTracked(node, partition, key)
	substate := tracked.getSubstate()
	if substate == nil {
		return nil, false
	}
	return substate.value, true
}

// RemoveSubstate deletes a substate without a prior lock. Fails if locked.
func (t *Track) RemoveSubstate(node NodeId, partition PartitionNumber, key SubstateKey) ([]byte, error) {
	tracked := t.getTracked(node, partition, key)
	if s := tracked.getSubstate(); s != nil && s.lock.isLocked() {
		return nil, newKernelError(ErrSubstateLocked, nil)
	}

	m := t.node(node).module(partition)
	switch tracked.kind {
	case trackedNew:
		delete(m, key)
		val, _ := tracked.intoValue()
		return val, nil
	case trackedWriteOnly, trackedReadAndWrite:
		val, _ := tracked.intoValue()
		m[key] = &trackedSubstate{kind: tracked.kind, prevRead: tracked.prevRead, substate: nil}
		return val, nil
	case trackedReadOnly:
		val, _ := tracked.intoValue()
		read := readNonExistent
		if tracked.substate != nil {
			read = readExistent
		}
		m[key] = &trackedSubstate{kind: trackedReadAndWrite, prevRead: read, substate: nil}
		return val, nil
	default:
		return nil, nil
	}
}

// ScanKeys returns up to `count` substate keys currently tracked under a
// partition (overlay-only view, consistent with the lock rules). Results
// are returned in deterministic byte order (spec.md §5c).
func (t *Track) ScanKeys(node NodeId, partition PartitionNumber, count int) []SubstateKey {
	m := t.node(node).module(partition)
	keys := make([]SubstateKey, 0, len(m))
	for k, ts := range m {
		if _, ok := ts.intoValue(); ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	if count >= 0 && len(keys) > count {
		keys = keys[:count]
	}
	return keys
}

// DrainSubstates removes and returns up to `count` substates from a
// partition, in deterministic key order.
func (t *Track) DrainSubstates(node NodeId, partition PartitionNumber, count int) map[SubstateKey][]byte {
	keys := t.ScanKeys(node, partition, count)
	out := make(map[SubstateKey][]byte, len(keys))
	for _, k := range keys {
		if v, err := t.RemoveSubstate(node, partition, k); err == nil {
			out[k] = v
		}
	}
	return out
}

// RevertNonForceWriteChanges discards every tracked change except the
// force-write side table, then promotes that table to be the new set of
// updates. This is how fee-locking survives a failed transaction
// (spec.md §4.1, §9 Open Question (a): fee-lock always wins).
func (t *Track) RevertNonForceWriteChanges() {
	t.updates = t.forceUpdates
	t.forceUpdates = make(map[NodeId]*trackedNode)
}

// StateUpdateKind distinguishes a create/update/delete delta.
type StateUpdateKind int

const (
	StateUpdateCreate StateUpdateKind = iota
	StateUpdateUpdate
	StateUpdateDelete
)

// StateUpdate is one create/update/delete delta produced by Finalize.
type StateUpdate struct {
	Node      NodeId
	Partition PartitionNumber
	Key       SubstateKey
	Kind      StateUpdateKind
	Value     []byte
}

// StateUpdates is the ordered, deterministic output of Finalize.
type StateUpdates []StateUpdate

// Finalize collapses the tracked map into a deterministically ordered list
// of per-key deltas (spec.md §4.1). Track must not be reused afterwards.
func (t *Track) Finalize() StateUpdates {
	var out StateUpdates
	nodeIDs := make([]NodeId, 0, len(t.updates))
	for id := range t.updates {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return string(nodeIDs[i][:]) < string(nodeIDs[j][:]) })

	for _, id := range nodeIDs {
		tn := t.updates[id]
		partitions := make([]PartitionNumber, 0, len(tn.partitions))
		for p := range tn.partitions {
			partitions = append(partitions, p)
		}
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

		for _, p := range partitions {
			m := tn.partitions[p]
			keys := make([]SubstateKey, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

			for _, k := range keys {
				tracked := m[k]
				var kind StateUpdateKind
				switch tracked.kind {
				case trackedNew, trackedWriteOnly:
					if v, ok := tracked.intoValue(); ok {
						kind = StateUpdateCreate
						out = append(out, StateUpdate{Node: id, Partition: p, Key: k, Kind: kind, Value: v})
					} else {
						out = append(out, StateUpdate{Node: id, Partition: p, Key: k, Kind: StateUpdateDelete})
					}
				case trackedReadAndWrite:
					if v, ok := tracked.intoValue(); ok {
						out = append(out, StateUpdate{Node: id, Partition: p, Key: k, Kind: StateUpdateUpdate, Value: v})
					} else {
						out = append(out, StateUpdate{Node: id, Partition: p, Key: k, Kind: StateUpdateDelete})
					}
				case trackedReadOnly:
					// Unmodified: nothing to emit.
				}
			}
		}
	}
	return out
}
