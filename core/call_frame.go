package core

import "fmt"

// RefType distinguishes a reference obtained normally (to a globalised
// node) from one obtained through a recall/direct-vault-access capability,
// which only receivers declaring DIRECT_ACCESS in their schema may use
// (spec.md §4.2).
type RefType int

const (
	RefNormal RefType = iota
	RefDirectAccess
)

// ActorKind distinguishes the three callable shapes a CallFrame's actor can
// be executing (spec.md §4.2 "the blueprint and method (or function or
// hook) currently executing").
type ActorKind int

const (
	ActorMethod ActorKind = iota
	ActorFunction
	ActorHook
)

// BlueprintId names a blueprint by its defining package and local name.
type BlueprintId struct {
	Package NodeId
	Name    string
}

func (b BlueprintId) String() string { return fmt.Sprintf("%s/%s", b.Package, b.Name) }

// Actor is the blueprint/method (or function/hook) a CallFrame is currently
// executing.
type Actor struct {
	Blueprint BlueprintId
	Export    string
	Kind      ActorKind
	Receiver  *NodeId // nil for functions/hooks with no bound receiver
}

// Message describes a push_frame payload (spec.md §4.2): nodes being moved
// into the callee, and references being copied.
type Message struct {
	MovedNodes []NodeId
	CopiedRefs map[NodeId]RefType
}

// CallFrame is the smallest authority unit the kernel tracks (spec.md §4.2).
type CallFrame struct {
	Actor       Actor
	ownedNodes  map[NodeId]struct{}
	visibleRefs map[NodeId]RefType
	AuthZoneID  NodeId
	// IsBarrier is set when this frame was entered by invoking a globalised
	// component, constraining auth-zone stack visibility (spec.md §4.6).
	IsBarrier bool
	Depth     int
}

// newRootCallFrame constructs the bottom-of-stack frame for a transaction,
// with no owned nodes and no visible references except those explicitly
// granted (e.g. the initial proofs supplied as part of the transaction).
func newRootCallFrame(authZoneID NodeId) *CallFrame {
	return &CallFrame{
		ownedNodes:  make(map[NodeId]struct{}),
		visibleRefs: make(map[NodeId]RefType),
		AuthZoneID:  authZoneID,
		IsBarrier:   true, // the transaction boundary is itself a barrier
		Depth:       0,
	}
}

// OwnsNode reports whether id is currently owned by this frame.
func (f *CallFrame) OwnsNode(id NodeId) bool {
	_, ok := f.ownedNodes[id]
	return ok
}

// CanReference reports whether id is visible to this frame, and at what
// reference type.
func (f *CallFrame) CanReference(id NodeId) (RefType, bool) {
	rt, ok := f.visibleRefs[id]
	return rt, ok
}

// AddOwnedNode records a freshly created (or received) node as owned.
func (f *CallFrame) AddOwnedNode(id NodeId) { f.ownedNodes[id] = struct{}{} }

// AddVisibleRef records a reference this frame may use.
func (f *CallFrame) AddVisibleRef(id NodeId, rt RefType) {
	if existing, ok := f.visibleRefs[id]; !ok || rt == RefDirectAccess && existing == RefNormal {
		f.visibleRefs[id] = rt
	}
}

// OwnedNodeIds returns a snapshot of currently owned node ids (used by
// pop_frame's dangling-resource check).
func (f *CallFrame) OwnedNodeIds() []NodeId {
	ids := make([]NodeId, 0, len(f.ownedNodes))
	for id := range f.ownedNodes {
		ids = append(ids, id)
	}
	return ids
}

// validateOutgoingMessage checks that a push_frame Message is legal to send
// from this (caller) frame: every moved node must currently be owned here,
// and every copied reference must currently be visible here.
func (f *CallFrame) validateOutgoingMessage(msg Message) error {
	for _, id := range msg.MovedNodes {
		if !f.OwnsNode(id) {
			return newKernelError(ErrCallFrameErrorMoveNotOwned, fmt.Errorf("node %s not owned by caller", id))
		}
	}
	for id := range msg.CopiedRefs {
		if _, ok := f.CanReference(id); !ok {
			return newKernelError(ErrCallFrameErrorRefNotVisible, fmt.Errorf("ref %s not visible to caller", id))
		}
	}
	return nil
}

// applyOutgoingMessage removes moved nodes from this (caller) frame's
// ownership — they now belong to the callee.
func (f *CallFrame) applyOutgoingMessage(msg Message) {
	for _, id := range msg.MovedNodes {
		delete(f.ownedNodes, id)
	}
}

// pushChildFrame builds the callee's CallFrame from a validated Message.
func pushChildFrame(actor Actor, msg Message, authZoneID NodeId, isBarrier bool, depth int) *CallFrame {
	child := &CallFrame{
		Actor:       actor,
		ownedNodes:  make(map[NodeId]struct{}),
		visibleRefs: make(map[NodeId]RefType),
		AuthZoneID:  authZoneID,
		IsBarrier:   isBarrier,
		Depth:       depth,
	}
	for _, id := range msg.MovedNodes {
		child.ownedNodes[id] = struct{}{}
	}
	for id, rt := range msg.CopiedRefs {
		child.visibleRefs[id] = rt
	}
	return child
}

// danglingNodes returns the ids still owned by this frame that are not
// listed as part of the return Message — these must either be proofs
// (auto-dropped) or the pop is a fatal error (spec.md §4.2).
func (f *CallFrame) danglingNodes(returning Message) []NodeId {
	returned := make(map[NodeId]struct{}, len(returning.MovedNodes))
	for _, id := range returning.MovedNodes {
		returned[id] = struct{}{}
	}
	var dangling []NodeId
	for id := range f.ownedNodes {
		if _, ok := returned[id]; !ok {
			dangling = append(dangling, id)
		}
	}
	return dangling
}
