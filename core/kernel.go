package core

import "fmt"

// Invocation describes one call into a callee blueprint (spec.md §4.3
// invoke). Kernel.Invoke pushes a frame, validates the Message, dispatches
// to the System callback, pops the frame, and moves the return payload.
type Invocation struct {
	Callee   BlueprintId
	Receiver *NodeId
	Export   string
	Kind     ActorKind
	Args     []byte
	Message  Message

	// RequiredAuth, if set, is checked by AuthModule before dispatch
	// (spec.md §4.6). Methods with no access-rule requirement leave it nil.
	RequiredAuth *AccessRule
}

// DispatchResult is what a SystemCallbackObject.Dispatch call produces: the
// raw return bytes plus an explicit statement of which owned nodes are
// being returned to the caller. Real Radix derives the latter by scanning
// the SBOR-encoded return value for owned-node references; this kernel
// takes the equivalent information as an explicit return value from
// native/WASM dispatch instead of re-deriving it from bytes.
type DispatchResult struct {
	ReturnData []byte
	Returning  Message
}

// KernelApi is the narrow surface the System callback (and, through it,
// native blueprints and WASM host functions) uses to drive the kernel
// (spec.md §4.3).
type KernelApi interface {
	AllocateNodeId(et EntityType) NodeId
	CreateNode(id NodeId, init map[PartitionNumber]map[SubstateKey][]byte) error
	DropNode(id NodeId) (map[PartitionNumber]map[SubstateKey][]byte, error)
	Globalize(id NodeId, address NodeId) error
	OpenSubstate(node NodeId, partition PartitionNumber, key SubstateKey, flags LockFlags, virtualizer Virtualizer) (uint32, error)
	ReadSubstate(handle uint32) ([]byte, error)
	WriteSubstate(handle uint32, value []byte) error
	CloseSubstate(handle uint32) error
	ScanKeys(node NodeId, partition PartitionNumber, count int) []SubstateKey
	SetSubstate(node NodeId, partition PartitionNumber, key SubstateKey, value []byte) error
	PeekSubstate(node NodeId, partition PartitionNumber, key SubstateKey) ([]byte, bool)
	RemoveSubstate(node NodeId, partition PartitionNumber, key SubstateKey) ([]byte, error)
	DrainSubstates(node NodeId, partition PartitionNumber, count int) map[SubstateKey][]byte
	Invoke(inv Invocation) ([]byte, error)
	CurrentFrame() *CallFrame
	MarkProof(id NodeId)
}

// SystemCallbackObject is the pluggable callback the Kernel surrounds every
// operation with (spec.md §4.3 "before/after callbacks to the System").
type SystemCallbackObject interface {
	BeforeInvoke(api KernelApi, inv *Invocation) error
	AfterInvoke(api KernelApi, result *DispatchResult) error
	BeforeCreateNode(api KernelApi, id NodeId) error
	AfterDropNode(api KernelApi, id NodeId) error
	BeforeOpenSubstate(api KernelApi, node NodeId, partition PartitionNumber, key SubstateKey, flags LockFlags) error
	AfterCloseSubstate(api KernelApi, handle uint32) error

	// Dispatch executes the invocation's target (native table or WASM) and
	// returns the raw return bytes plus the set of nodes being returned.
	Dispatch(api KernelApi, inv *Invocation) (*DispatchResult, error)
}

// Kernel is a stack of call frames plus a pluggable System callback object
// (spec.md §4.3). It owns the Heap and the Track for the duration of one
// transaction.
type Kernel struct {
	heap      *Heap
	track     *Track
	frames    []*CallFrame
	authZones map[NodeId]*AuthZone
	allocator *nodeIdAllocator
	system    SystemCallbackObject
	proofIds  map[NodeId]bool
	proofInfo map[NodeId]ResourceOrNonFungible
	globalIds map[NodeId]NodeId // heap node id -> address it was globalised under

	containers   map[NodeId]*ResourceContainer
	proofObjects map[NodeId]*ProofObject

	// objects is a generic side table for native-blueprint state that
	// doesn't warrant its own first-class Kernel field (ResourceManager
	// metadata, EpochManager round state, AccessController recovery
	// state). Keyed by the node's global address.
	objects map[NodeId]interface{}

	// feeReserve is set by the transaction processor once a fee-paying
	// vault is known; vault.lock_fee (vault_blueprint.go) tops it up.
	// Nil outside a costed transaction (e.g. in unit tests).
	feeReserve *FeeReserve
}

// SetFeeReserve installs the transaction's FeeReserve, so vault.lock_fee
// calls can top it up (spec.md §4.6 costing).
func (k *Kernel) SetFeeReserve(r *FeeReserve) { k.feeReserve = r }

// FeeReserve returns the transaction's fee reserve, or nil if none was set.
func (k *Kernel) FeeReserve() *FeeReserve { return k.feeReserve }

// SetObject installs native-blueprint state for a node.
func (k *Kernel) SetObject(id NodeId, v interface{}) { k.objects[id] = v }

// GetObject returns native-blueprint state previously installed for a node.
func (k *Kernel) GetObject(id NodeId) (interface{}, bool) {
	v, ok := k.objects[id]
	return v, ok
}

// NewKernel constructs a Kernel for one transaction, given its hash (used
// to seed deterministic node-id allocation), the initial proofs supplied by
// the transaction's signatures, and the System callback.
func NewKernel(txHash [32]byte, track *Track, system SystemCallbackObject, initialVirtualProofs []VirtualProof) *Kernel {
	k := &Kernel{
		heap:      NewHeap(),
		track:     track,
		allocator: newNodeIdAllocator(txHash),
		system:    system,
		authZones: make(map[NodeId]*AuthZone),
		proofIds:  make(map[NodeId]bool),
		proofInfo: make(map[NodeId]ResourceOrNonFungible),
		globalIds: make(map[NodeId]NodeId),

		containers:   make(map[NodeId]*ResourceContainer),
		proofObjects: make(map[NodeId]*ProofObject),
		objects:      make(map[NodeId]interface{}),
	}
	rootAuthZoneID := k.allocator.Allocate(EntityInternalGenericComponent)
	k.authZones[rootAuthZoneID] = NewAuthZone(nil, true, initialVirtualProofs)
	root := newRootCallFrame(rootAuthZoneID)
	k.frames = append(k.frames, root)
	return k
}

// CurrentFrame returns the top of the frame stack.
func (k *Kernel) CurrentFrame() *CallFrame { return k.frames[len(k.frames)-1] }

// CurrentAuthZone returns the AuthZone belonging to the current frame.
func (k *Kernel) CurrentAuthZone() *AuthZone { return k.authZones[k.CurrentFrame().AuthZoneID] }

// AuthZoneOf returns the AuthZone for an arbitrary (still-live) id.
func (k *Kernel) AuthZoneOf(id NodeId) *AuthZone { return k.authZones[id] }

// MarkProof records that id denotes a Proof node, so pop_frame's
// dangling-resource check knows to auto-drop it instead of failing
// (spec.md §4.2).
func (k *Kernel) MarkProof(id NodeId) { k.proofIds[id] = true }

func (k *Kernel) isProof(id NodeId) bool { return k.proofIds[id] }

// RegisterProofResource records which resource (and, for non-fungible
// proofs, which local id) a proof node denotes, so AuthModule's barrier
// walk can match it against an AccessRule (spec.md §4.6).
func (k *Kernel) RegisterProofResource(id NodeId, resource ResourceOrNonFungible) {
	k.proofInfo[id] = resource
}

// AllocateNodeId deterministically derives the next NodeId of the given
// entity type (spec.md §4.3).
func (k *Kernel) AllocateNodeId(et EntityType) NodeId { return k.allocator.Allocate(et) }

// CreateNode allocates a node in the heap (spec.md §4.3).
func (k *Kernel) CreateNode(id NodeId, init map[PartitionNumber]map[SubstateKey][]byte) error {
	if err := k.system.BeforeCreateNode(k, id); err != nil {
		return err
	}
	if err := k.heap.CreateNode(id, init); err != nil {
		return err
	}
	k.CurrentFrame().AddOwnedNode(id)
	return nil
}

// DropNode removes a transient node (spec.md §4.3). Fails if any substate
// is locked or if the node is not owned by the current frame.
func (k *Kernel) DropNode(id NodeId) (map[PartitionNumber]map[SubstateKey][]byte, error) {
	if !k.CurrentFrame().OwnsNode(id) {
		return nil, newKernelError(ErrNodeNotOwned, fmt.Errorf("node %s not owned by current frame", id))
	}
	out, err := k.heap.RemoveNode(id)
	if err != nil {
		return nil, err
	}
	delete(k.CurrentFrame().ownedNodes, id)
	if err := k.system.AfterDropNode(k, id); err != nil {
		return out, err
	}
	return out, nil
}

// Globalize moves a node from the heap to the track under a global address
// (spec.md §4.3). The entity type of id must match that of address.
func (k *Kernel) Globalize(id NodeId, address NodeId) error {
	if !k.CurrentFrame().OwnsNode(id) {
		return newKernelError(ErrNodeNotOwned, fmt.Errorf("node %s not owned by current frame", id))
	}
	if id.EntityType() != address.EntityType() {
		return newKernelError(ErrMismatchedGlobalizeEntity, fmt.Errorf("%s vs %s", id.EntityType(), address.EntityType()))
	}
	substates, err := k.heap.RemoveNode(id)
	if err != nil {
		return err
	}
	k.track.CreateNode(address, substates)
	delete(k.CurrentFrame().ownedNodes, id)
	k.CurrentFrame().AddVisibleRef(address, RefNormal)
	k.globalIds[id] = address
	return nil
}

func (k *Kernel) locate(node NodeId) (inHeap bool) { return k.heap.Contains(node) }

// OpenSubstate opens a lock on a substate, wherever it currently lives
// (heap or track), returning an opaque handle (spec.md §4.3).
func (k *Kernel) OpenSubstate(node NodeId, partition PartitionNumber, key SubstateKey, flags LockFlags, virtualizer Virtualizer) (uint32, error) {
	if err := k.system.BeforeOpenSubstate(k, node, partition, key, flags); err != nil {
		return 0, err
	}
	if _, ok := k.CurrentFrame().CanReference(node); !ok && !k.CurrentFrame().OwnsNode(node) {
		return 0, newKernelError(ErrCallFrameErrorRefNotVisible, fmt.Errorf("node %s not visible to current frame", node))
	}
	if k.locate(node) {
		h, err := k.heap.AcquireLock(node, partition, key, flags)
		if err != nil {
			return 0, err
		}
		return h | heapHandleBit, nil
	}
	h, err := k.track.AcquireLock(node, partition, key, flags, virtualizer)
	if err != nil {
		return 0, err
	}
	return h, nil
}

// heapHandleBit distinguishes heap-originated lock handles from
// track-originated ones in the shared handle namespace exposed to callers.
const heapHandleBit uint32 = 1 << 31

func (k *Kernel) ReadSubstate(handle uint32) ([]byte, error) {
	if handle&heapHandleBit != 0 {
		return k.heap.ReadSubstate(handle &^ heapHandleBit)
	}
	return k.track.ReadSubstate(handle)
}

func (k *Kernel) WriteSubstate(handle uint32, value []byte) error {
	if handle&heapHandleBit != 0 {
		return k.heap.WriteSubstate(handle&^heapHandleBit, value)
	}
	return k.track.WriteSubstate(handle, value)
}

func (k *Kernel) CloseSubstate(handle uint32) error {
	var err error
	if handle&heapHandleBit != 0 {
		err = k.heap.CloseSubstate(handle &^ heapHandleBit)
	} else {
		err = k.track.CloseSubstate(handle)
	}
	if err != nil {
		return err
	}
	return k.system.AfterCloseSubstate(k, handle)
}

func (k *Kernel) ScanKeys(node NodeId, partition PartitionNumber, count int) []SubstateKey {
	if k.locate(node) {
		return nil // heap scanning is not exercised by this kernel's blueprints
	}
	return k.track.ScanKeys(node, partition, count)
}

func (k *Kernel) SetSubstate(node NodeId, partition PartitionNumber, key SubstateKey, value []byte) error {
	if k.locate(node) {
		return k.heap.SetSubstate(node, partition, key, value)
	}
	return k.track.SetSubstate(node, partition, key, value)
}

// PeekSubstate reads a substate's current value bypassing both the lock
// machinery and the current frame's reference-visibility check. Role
// resolution (spec.md §4.6) calls this on the callee before the callee's
// frame exists, so the normal OpenSubstate visibility check would reject
// the read even though the callee's own role-assignment data is what is
// being consulted.
func (k *Kernel) PeekSubstate(node NodeId, partition PartitionNumber, key SubstateKey) ([]byte, bool) {
	if k.locate(node) {
		return k.heap.PeekSubstate(node, partition, key)
	}
	return k.track.PeekSubstate(node, partition, key)
}

func (k *Kernel) RemoveSubstate(node NodeId, partition PartitionNumber, key SubstateKey) ([]byte, error) {
	if k.locate(node) {
		return nil, fmt.Errorf("remove_substate on heap nodes is not supported")
	}
	return k.track.RemoveSubstate(node, partition, key)
}

func (k *Kernel) DrainSubstates(node NodeId, partition PartitionNumber, count int) map[SubstateKey][]byte {
	if k.locate(node) {
		return nil
	}
	return k.track.DrainSubstates(node, partition, count)
}

// Invoke pushes a frame, validates the Message, dispatches to the System,
// pops the frame, and moves the return payload (spec.md §4.3).
func (k *Kernel) Invoke(inv Invocation) ([]byte, error) {
	if err := k.system.BeforeInvoke(k, &inv); err != nil {
		return nil, err
	}

	caller := k.CurrentFrame()
	if err := caller.validateOutgoingMessage(inv.Message); err != nil {
		return nil, err
	}

	isBarrier := inv.Receiver == nil || inv.Receiver.IsGlobal()
	authZoneID := k.allocator.Allocate(EntityInternalGenericComponent)
	k.authZones[authZoneID] = NewAuthZone(&caller.AuthZoneID, isBarrier, nil)

	caller.applyOutgoingMessage(inv.Message)

	actor := Actor{Blueprint: inv.Callee, Export: inv.Export, Kind: inv.Kind, Receiver: inv.Receiver}
	child := pushChildFrame(actor, inv.Message, authZoneID, isBarrier, caller.Depth+1)
	k.frames = append(k.frames, child)

	result, dispatchErr := k.system.Dispatch(k, &inv)

	if dispatchErr != nil {
		// Unwind: drop the failed frame's auth zone and pop without a
		// symmetric return move. The whole transaction aborts regardless.
		delete(k.authZones, authZoneID)
		k.frames = k.frames[:len(k.frames)-1]
		return nil, dispatchErr
	}

	dangling := child.danglingNodes(result.Returning)
	for _, id := range dangling {
		if !k.isProof(id) {
			delete(k.authZones, authZoneID)
			k.frames = k.frames[:len(k.frames)-1]
			return nil, newKernelError(ErrDanglingNode, fmt.Errorf("node %s leaked from frame", id))
		}
		// Proofs left dangling are implicitly dropped.
		_ = k.DropProof(id)
		delete(k.proofIds, id)
	}

	for _, id := range result.Returning.MovedNodes {
		if !child.OwnsNode(id) {
			delete(k.authZones, authZoneID)
			k.frames = k.frames[:len(k.frames)-1]
			return nil, newKernelError(ErrCallFrameErrorMoveNotOwned, fmt.Errorf("returned node %s not owned by callee", id))
		}
	}

	delete(k.authZones, authZoneID)
	k.frames = k.frames[:len(k.frames)-1]

	for _, id := range result.Returning.MovedNodes {
		caller.AddOwnedNode(id)
	}
	for id, rt := range result.Returning.CopiedRefs {
		caller.AddVisibleRef(id, rt)
	}

	if err := k.system.AfterInvoke(k, result); err != nil {
		return nil, err
	}
	return result.ReturnData, nil
}
