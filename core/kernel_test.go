package core

import "testing"

// noopSystem is a SystemCallbackObject that runs no module logic and
// dispatches every invocation to a caller-supplied function, for kernel
// unit tests that don't need the full module mixer.
type noopSystem struct {
	dispatch func(api KernelApi, inv *Invocation) (*DispatchResult, error)
}

func (s *noopSystem) BeforeInvoke(KernelApi, *Invocation) error        { return nil }
func (s *noopSystem) AfterInvoke(KernelApi, *DispatchResult) error     { return nil }
func (s *noopSystem) BeforeCreateNode(KernelApi, NodeId) error         { return nil }
func (s *noopSystem) AfterDropNode(KernelApi, NodeId) error            { return nil }
func (s *noopSystem) BeforeOpenSubstate(KernelApi, NodeId, PartitionNumber, SubstateKey, LockFlags) error {
	return nil
}
func (s *noopSystem) AfterCloseSubstate(KernelApi, uint32) error { return nil }
func (s *noopSystem) Dispatch(api KernelApi, inv *Invocation) (*DispatchResult, error) {
	return s.dispatch(api, inv)
}

func newTestKernel() *Kernel {
	db := newFakeDB()
	track := NewTrack(db)
	sys := &noopSystem{dispatch: func(api KernelApi, inv *Invocation) (*DispatchResult, error) {
		return &DispatchResult{ReturnData: []byte("ok")}, nil
	}}
	var hash [32]byte
	hash[0] = 1
	return NewKernel(hash, track, sys, nil)
}

func TestKernelCreateAndDropNode(t *testing.T) {
	k := newTestKernel()
	id := k.AllocateNodeId(EntityInternalGenericComponent)
	init := map[PartitionNumber]map[SubstateKey][]byte{
		PartitionMain: {FieldKey(0): []byte("v")},
	}
	if err := k.CreateNode(id, init); err != nil {
		t.Fatalf("create node: %v", err)
	}
	if !k.CurrentFrame().OwnsNode(id) {
		t.Fatalf("expected root frame to own freshly created node")
	}
	out, err := k.DropNode(id)
	if err != nil {
		t.Fatalf("drop node: %v", err)
	}
	if string(out[PartitionMain][FieldKey(0)]) != "v" {
		t.Fatalf("unexpected substate payload on drop: %+v", out)
	}
	if k.CurrentFrame().OwnsNode(id) {
		t.Fatalf("expected node to no longer be owned after drop")
	}
}

func TestKernelDropNodeFailsWhenLocked(t *testing.T) {
	k := newTestKernel()
	id := k.AllocateNodeId(EntityInternalGenericComponent)
	init := map[PartitionNumber]map[SubstateKey][]byte{PartitionMain: {FieldKey(0): []byte("v")}}
	if err := k.CreateNode(id, init); err != nil {
		t.Fatalf("create: %v", err)
	}
	h, err := k.OpenSubstate(id, PartitionMain, FieldKey(0), LockRead, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := k.DropNode(id); err == nil {
		t.Fatalf("expected drop to fail while a lock is outstanding")
	}
	if err := k.CloseSubstate(h); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := k.DropNode(id); err != nil {
		t.Fatalf("expected drop to succeed once the lock is released: %v", err)
	}
}

func TestKernelGlobalizeMovesNodeToTrack(t *testing.T) {
	k := newTestKernel()
	id := k.AllocateNodeId(EntityGlobalGenericComponent)
	init := map[PartitionNumber]map[SubstateKey][]byte{PartitionMain: {FieldKey(0): []byte("v")}}
	if err := k.CreateNode(id, init); err != nil {
		t.Fatalf("create: %v", err)
	}
	address := k.AllocateNodeId(EntityGlobalGenericComponent)
	if err := k.Globalize(id, address); err != nil {
		t.Fatalf("globalize: %v", err)
	}
	if k.locate(id) {
		t.Fatalf("expected node to have left the heap")
	}
	if k.CurrentFrame().OwnsNode(id) {
		t.Fatalf("sanity: root frame should no longer own the heap id")
	}
	if _, ok := k.CurrentFrame().CanReference(address); !ok {
		t.Fatalf("expected the root frame to gain a visible ref to the new global address")
	}
	h, err := k.OpenSubstate(address, PartitionMain, FieldKey(0), LockRead, nil)
	if err != nil {
		t.Fatalf("open on globalised address: %v", err)
	}
	val, err := k.ReadSubstate(h)
	if err != nil || string(val) != "v" {
		t.Fatalf("unexpected read after globalize: %v %q", err, val)
	}
}

func TestKernelGlobalizeRejectsMismatchedEntityType(t *testing.T) {
	k := newTestKernel()
	id := k.AllocateNodeId(EntityGlobalGenericComponent)
	if err := k.CreateNode(id, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	badAddress := k.AllocateNodeId(EntityGlobalAccount)
	if err := k.Globalize(id, badAddress); err == nil {
		t.Fatalf("expected mismatched entity type globalize to fail")
	}
}

func TestKernelInvokePushesAndPopsFrame(t *testing.T) {
	db := newFakeDB()
	track := NewTrack(db)
	var sawDepth int
	sys := &noopSystem{dispatch: func(api KernelApi, inv *Invocation) (*DispatchResult, error) {
		sawDepth = api.CurrentFrame().Depth
		return &DispatchResult{ReturnData: []byte("hi")}, nil
	}}
	var hash [32]byte
	k := NewKernel(hash, track, sys, nil)

	rootDepth := k.CurrentFrame().Depth
	out, err := k.Invoke(Invocation{Callee: BlueprintId{Name: "Foo"}, Export: "bar"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != "hi" {
		t.Fatalf("unexpected return: %q", out)
	}
	if sawDepth != rootDepth+1 {
		t.Fatalf("expected callee depth %d, got %d", rootDepth+1, sawDepth)
	}
	if k.CurrentFrame().Depth != rootDepth {
		t.Fatalf("expected frame to be popped back to root depth, got %d", k.CurrentFrame().Depth)
	}
}

func TestKernelInvokeMovesOwnedNodeIntoCallee(t *testing.T) {
	db := newFakeDB()
	track := NewTrack(db)
	var hash [32]byte
	var bucketID NodeId

	sys := &noopSystem{}
	k := NewKernel(hash, track, sys, nil)
	bucketID = k.AllocateNodeId(EntityInternalGenericComponent)
	if err := k.CreateNode(bucketID, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	sys.dispatch = func(api KernelApi, inv *Invocation) (*DispatchResult, error) {
		if !api.CurrentFrame().OwnsNode(bucketID) {
			t.Fatalf("expected callee frame to own moved node")
		}
		return &DispatchResult{ReturnData: nil, Returning: Message{MovedNodes: []NodeId{bucketID}}}, nil
	}

	if _, err := k.Invoke(Invocation{
		Callee:  BlueprintId{Name: "Foo"},
		Export:  "bar",
		Message: Message{MovedNodes: []NodeId{bucketID}},
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !k.CurrentFrame().OwnsNode(bucketID) {
		t.Fatalf("expected node to be returned to caller frame")
	}
}

func TestKernelInvokeFailsOnDanglingNonProofNode(t *testing.T) {
	db := newFakeDB()
	track := NewTrack(db)
	var hash [32]byte
	sys := &noopSystem{}
	k := NewKernel(hash, track, sys, nil)

	sys.dispatch = func(api KernelApi, inv *Invocation) (*DispatchResult, error) {
		leaked := api.AllocateNodeId(EntityInternalGenericComponent)
		if err := api.CreateNode(leaked, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
		return &DispatchResult{ReturnData: []byte("ok")}, nil
	}

	if _, err := k.Invoke(Invocation{Callee: BlueprintId{Name: "Foo"}, Export: "bar"}); err == nil {
		t.Fatalf("expected dangling owned node to abort the invocation")
	}
}

func TestKernelInvokeAutoDropsDanglingProof(t *testing.T) {
	db := newFakeDB()
	track := NewTrack(db)
	var hash [32]byte
	sys := &noopSystem{}
	k := NewKernel(hash, track, sys, nil)

	sys.dispatch = func(api KernelApi, inv *Invocation) (*DispatchResult, error) {
		proof := api.AllocateNodeId(EntityInternalGenericComponent)
		if err := api.CreateNode(proof, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
		api.MarkProof(proof)
		return &DispatchResult{ReturnData: []byte("ok")}, nil
	}

	if _, err := k.Invoke(Invocation{Callee: BlueprintId{Name: "Foo"}, Export: "bar"}); err != nil {
		t.Fatalf("expected dangling proof to be auto-dropped, got error: %v", err)
	}
}
