package core

import "fmt"

// NativeFunction is the Go-native implementation of one blueprint export:
// a function or method body that runs directly (no WASM), receiving the
// KernelApi so it can allocate nodes, open substates, and recurse into
// further invocations (spec.md §4.4, §4.7).
type NativeFunction func(api KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error)

// HookFunction backs the on_drop/on_move lifecycle hooks a blueprint may
// define (spec.md §4.4).
type HookFunction func(api KernelApi, node NodeId) error

// VirtualizeFunction synthesizes the initial substates of a virtual node
// the first time it is touched (spec.md §4.4 on_virtualize, §3
// "Virtualization hook"). It returns ok=false to mean "no such virtual
// node" (the address doesn't decode to one this blueprint understands).
type VirtualizeFunction func(api KernelApi, node NodeId) (map[PartitionNumber]map[SubstateKey][]byte, bool, error)

// BlueprintDefinition is everything the System layer needs to dispatch
// into one native blueprint: its exported functions/methods and its
// lifecycle hooks (spec.md §4.4 "BlueprintDefinition cache keyed by
// package/blueprint/version").
type BlueprintDefinition struct {
	Id         BlueprintId
	Version    uint32
	Functions  map[string]NativeFunction
	Hooks      map[string]HookFunction
	Virtualize VirtualizeFunction
	// Transient marks blueprints such as Bucket and Proof. The flag is
	// recorded on the definition only; Kernel.Globalize does not consult it.
	Transient bool
	// MethodRoles maps an ActorMethod export name to the role key the
	// callee's role-assignment module must resolve an AccessRule for
	// before dispatch (spec.md §4.6, §5). Exports absent from this map
	// carry no role requirement.
	MethodRoles map[string]string
}

const (
	HookOnVirtualize = "on_virtualize"
	HookOnDrop       = "on_drop"
	HookOnMove       = "on_move"
)

// NativeRegistry is the cache of BlueprintDefinitions the System layer
// dispatches native calls through, keyed by BlueprintId (package and
// blueprint name). Version is not part of the key: registering a second
// definition with the same BlueprintId replaces the first.
type NativeRegistry struct {
	defs map[BlueprintId]*BlueprintDefinition
}

func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{defs: make(map[BlueprintId]*BlueprintDefinition)}
}

// Register installs a blueprint definition, keyed by its BlueprintId.
func (r *NativeRegistry) Register(def *BlueprintDefinition) {
	r.defs[def.Id] = def
}

// Lookup returns the definition for a BlueprintId, if registered.
func (r *NativeRegistry) Lookup(id BlueprintId) (*BlueprintDefinition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// RequiredRole returns the role key a blueprint's export demands, if any
// (spec.md §4.6 role resolution).
func (r *NativeRegistry) RequiredRole(id BlueprintId, export string) (string, bool) {
	def, ok := r.defs[id]
	if !ok || def.MethodRoles == nil {
		return "", false
	}
	role, ok := def.MethodRoles[export]
	return role, ok
}

func (r *NativeRegistry) dispatch(api KernelApi, inv *Invocation) (*DispatchResult, error) {
	def, ok := r.defs[inv.Callee]
	if !ok {
		return nil, newSystemUpstreamError(ErrFnNotFound, fmt.Errorf("blueprint %s not registered", inv.Callee))
	}
	fn, ok := def.Functions[inv.Export]
	if !ok {
		return nil, newSystemUpstreamError(ErrFnNotFound, fmt.Errorf("%s has no export %q", inv.Callee, inv.Export))
	}
	if inv.Kind == ActorMethod && inv.Receiver == nil {
		return nil, newSystemUpstreamError(ErrReceiverNotMatch, fmt.Errorf("%s.%s requires a receiver", inv.Callee, inv.Export))
	}
	return fn(api, inv.Receiver, inv.Args)
}

func (r *NativeRegistry) runHook(api KernelApi, id BlueprintId, hook string, node NodeId) error {
	def, ok := r.defs[id]
	if !ok {
		return nil
	}
	fn, ok := def.Hooks[hook]
	if !ok {
		return nil
	}
	return fn(api, node)
}
