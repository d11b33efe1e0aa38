package core

import "testing"

// fakeDB is a minimal in-memory SubstateDatabase for Track tests.
type fakeDB struct {
	data map[NodeId]map[PartitionNumber]map[SubstateKey][]byte
}

func newFakeDB() *fakeDB {
	return &fakeDB{data: make(map[NodeId]map[PartitionNumber]map[SubstateKey][]byte)}
}

func (f *fakeDB) put(node NodeId, partition PartitionNumber, key SubstateKey, value []byte) {
	if f.data[node] == nil {
		f.data[node] = make(map[PartitionNumber]map[SubstateKey][]byte)
	}
	if f.data[node][partition] == nil {
		f.data[node][partition] = make(map[SubstateKey][]byte)
	}
	f.data[node][partition][key] = value
}

func (f *fakeDB) GetSubstate(node NodeId, partition PartitionNumber, key SubstateKey) ([]byte, bool, error) {
	m, ok := f.data[node][partition]
	if !ok {
		return nil, false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}

func (f *fakeDB) ListSubstates(node NodeId, partition PartitionNumber) ([]SubstateKey, error) {
	var keys []SubstateKey
	for k := range f.data[node][partition] {
		keys = append(keys, k)
	}
	return keys, nil
}

func testNodeId(tag byte) NodeId {
	var id NodeId
	id[0] = byte(EntityGlobalGenericComponent)
	id[1] = tag
	return id
}

func TestTrackMutableLockExcludesOthers(t *testing.T) {
	db := newFakeDB()
	node := testNodeId(1)
	db.put(node, PartitionMain, FieldKey(0), []byte("v1"))

	tr := NewTrack(db)
	h1, err := tr.AcquireLock(node, PartitionMain, FieldKey(0), LockMutable, nil)
	if err != nil {
		t.Fatalf("first mutable lock: %v", err)
	}

	if _, err := tr.AcquireLock(node, PartitionMain, FieldKey(0), LockRead, nil); err == nil {
		t.Fatalf("expected read lock to fail while MUTABLE lock is held")
	}
	if _, err := tr.AcquireLock(node, PartitionMain, FieldKey(0), LockMutable, nil); err == nil {
		t.Fatalf("expected second MUTABLE lock to fail")
	}

	if err := tr.CloseSubstate(h1); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := tr.AcquireLock(node, PartitionMain, FieldKey(0), LockMutable, nil); err != nil {
		t.Fatalf("expected MUTABLE lock to succeed after release: %v", err)
	}
}

func TestTrackReadLocksAreShared(t *testing.T) {
	db := newFakeDB()
	node := testNodeId(2)
	db.put(node, PartitionMain, FieldKey(0), []byte("v1"))

	tr := NewTrack(db)
	h1, err := tr.AcquireLock(node, PartitionMain, FieldKey(0), LockRead, nil)
	if err != nil {
		t.Fatalf("first read lock: %v", err)
	}
	h2, err := tr.AcquireLock(node, PartitionMain, FieldKey(0), LockRead, nil)
	if err != nil {
		t.Fatalf("second read lock should be shared: %v", err)
	}
	if _, err := tr.AcquireLock(node, PartitionMain, FieldKey(0), LockMutable, nil); err == nil {
		t.Fatalf("expected MUTABLE lock to fail while read locks are outstanding")
	}
	_ = tr.CloseSubstate(h1)
	_ = tr.CloseSubstate(h2)
}

func TestTrackUnmodifiedBaseRejectsWriteOnly(t *testing.T) {
	db := newFakeDB()
	node := testNodeId(3)

	tr := NewTrack(db)
	if err := tr.SetSubstate(node, PartitionMain, FieldKey(0), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, err := tr.AcquireLock(node, PartitionMain, FieldKey(0), LockUnmodifiedBase, nil)
	tagged, ok := err.(TaggedError)
	if !ok || tagged.Kind() != KindKernel {
		t.Fatalf("expected tagged KernelError, got %v", err)
	}
}

func TestTrackUnmodifiedBaseAndForceWriteConflict(t *testing.T) {
	db := newFakeDB()
	node := testNodeId(4)
	db.put(node, PartitionMain, FieldKey(0), []byte("v"))
	tr := NewTrack(db)
	if _, err := tr.AcquireLock(node, PartitionMain, FieldKey(0), LockUnmodifiedBase|LockForceWrite, nil); err == nil {
		t.Fatalf("expected UNMODIFIED_BASE + FORCE_WRITE to be rejected at acquisition")
	}
}

func TestTrackForceWriteSurvivesRevert(t *testing.T) {
	db := newFakeDB()
	feeVault := testNodeId(5)
	otherNode := testNodeId(6)
	db.put(feeVault, PartitionMain, FieldKey(0), []byte("100"))
	db.put(otherNode, PartitionMain, FieldKey(0), []byte("0"))

	tr := NewTrack(db)

	// Fee lock: force-write.
	h, err := tr.AcquireLock(feeVault, PartitionMain, FieldKey(0), LockMutable|LockForceWrite, nil)
	if err != nil {
		t.Fatalf("acquire fee lock: %v", err)
	}
	if err := tr.WriteSubstate(h, []byte("90")); err != nil {
		t.Fatalf("write fee debit: %v", err)
	}
	if err := tr.CloseSubstate(h); err != nil {
		t.Fatalf("close fee lock: %v", err)
	}

	// Some other effect that must NOT survive a revert.
	if err := tr.SetSubstate(otherNode, PartitionMain, FieldKey(0), []byte("999")); err != nil {
		t.Fatalf("set other: %v", err)
	}

	tr.RevertNonForceWriteChanges()
	updates := tr.Finalize()

	if len(updates) != 1 {
		t.Fatalf("expected exactly one surviving update, got %d: %+v", len(updates), updates)
	}
	if updates[0].Node != feeVault || string(updates[0].Value) != "90" {
		t.Fatalf("unexpected surviving update: %+v", updates[0])
	}
}

func TestTrackVirtualizeOnAbsentKey(t *testing.T) {
	db := newFakeDB()
	node := testNodeId(7)
	tr := NewTrack(db)

	called := false
	virtualizer := func() ([]byte, bool) {
		called = true
		return []byte("synthesized"), true
	}

	h, err := tr.AcquireLock(node, PartitionMain, FieldKey(0), LockRead, virtualizer)
	if err != nil {
		t.Fatalf("acquire with virtualizer: %v", err)
	}
	if !called {
		t.Fatalf("expected virtualizer to be invoked")
	}
	val, err := tr.ReadSubstate(h)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(val) != "synthesized" {
		t.Fatalf("expected synthesized value, got %q", val)
	}
}

func TestTrackFinalizeDeterministicOrder(t *testing.T) {
	db := newFakeDB()
	tr := NewTrack(db)

	nodeA := testNodeId(9)
	nodeB := testNodeId(8)
	_ = tr.SetSubstate(nodeA, PartitionMain, FieldKey(1), []byte("a1"))
	_ = tr.SetSubstate(nodeA, PartitionMain, FieldKey(0), []byte("a0"))
	_ = tr.SetSubstate(nodeB, PartitionMain, FieldKey(0), []byte("b0"))

	u1 := tr.Finalize()

	tr2 := NewTrack(db)
	_ = tr2.SetSubstate(nodeB, PartitionMain, FieldKey(0), []byte("b0"))
	_ = tr2.SetSubstate(nodeA, PartitionMain, FieldKey(0), []byte("a0"))
	_ = tr2.SetSubstate(nodeA, PartitionMain, FieldKey(1), []byte("a1"))
	u2 := tr2.Finalize()

	if len(u1) != len(u2) {
		t.Fatalf("length mismatch: %d vs %d", len(u1), len(u2))
	}
	for i := range u1 {
		a, b := u1[i], u2[i]
		if a.Node != b.Node || a.Partition != b.Partition || a.Key != b.Key || a.Kind != b.Kind || string(a.Value) != string(b.Value) {
			t.Fatalf("order mismatch at %d: %+v vs %+v", i, a, b)
		}
	}
}
