package core

import "fmt"

// System is the layer between the Kernel and the two things it can
// dispatch an invocation to — the native blueprint table or the WASM
// engine (spec.md §4.4). It implements SystemCallbackObject: the
// Before/After half is delegated to the embedded ModuleMixer, and Dispatch
// is implemented here.
type System struct {
	*ModuleMixer
	natives       *NativeRegistry
	entityBlueprints map[EntityType]BlueprintId // for virtualization lookup
	wasmEngine    WasmEngine
	wasmCode      map[NodeId][]byte
	wasmInstances map[NodeId]WasmInstance
	wasmGas       *GasReserve
}

// NewSystem constructs a System around a native registry and a WASM
// engine, metering WASM calls against the given GasReserve.
func NewSystem(mixer *ModuleMixer, natives *NativeRegistry, wasmEngine WasmEngine, wasmGas *GasReserve) *System {
	return &System{
		ModuleMixer:      mixer,
		natives:          natives,
		entityBlueprints: make(map[EntityType]BlueprintId),
		wasmEngine:       wasmEngine,
		wasmCode:         make(map[NodeId][]byte),
		wasmInstances:    make(map[NodeId]WasmInstance),
		wasmGas:          wasmGas,
	}
}

// PublishPackage registers a WASM package's code under its global address
// (spec.md §4.7 PublishPackage instruction).
func (s *System) PublishPackage(pkg NodeId, code []byte) {
	s.wasmCode[pkg] = code
	delete(s.wasmInstances, pkg)
}

// BindVirtualEntity associates an entity type reached only through
// virtualization with the native blueprint whose Virtualize function
// synthesizes it (spec.md §3 Virtualization hook; e.g.
// EntityGlobalVirtualSecp256k1Account -> AccountBlueprint).
func (s *System) BindVirtualEntity(et EntityType, bp BlueprintId) {
	s.entityBlueprints[et] = bp
}

// Virtualizer builds a Track Virtualizer for a possibly-virtual global
// address, delegating to the bound blueprint's on_virtualize function if
// the node's entity type is registered as virtual (spec.md §4.4).
func (s *System) Virtualizer(api KernelApi, node NodeId) Virtualizer {
	if !node.EntityType().IsVirtualAccountOrIdentity() {
		return nil
	}
	bp, ok := s.entityBlueprints[node.EntityType()]
	if !ok {
		return nil
	}
	def, ok := s.natives.Lookup(bp)
	if !ok || def.Virtualize == nil {
		return nil
	}
	return func() ([]byte, bool) {
		substates, found, err := def.Virtualize(api, node)
		if err != nil || !found {
			return nil, false
		}
		// Collapse to the single substate the caller's lock targets; the
		// caller (OpenSubstate via Kernel) re-reads by key after creation
		// in the common single-field case used by this kernel's native
		// blueprints (spec.md AMBIENT note: account/identity state is a
		// single Field substate).
		for _, m := range substates {
			for _, v := range m {
				return v, true
			}
		}
		return nil, false
	}
}

// BeforeInvoke resolves the callee's required role into inv.RequiredAuth
// (spec.md §4.6) before delegating to the module pipeline, so AuthModule
// always sees a populated requirement when the callee's blueprint
// declares one. This shadows the embedded ModuleMixer's promoted method.
func (s *System) BeforeInvoke(api KernelApi, inv *Invocation) error {
	resolveRequiredAuth(api, s.natives, inv)
	return s.ModuleMixer.BeforeInvoke(api, inv)
}

// Dispatch executes inv.Callee/inv.Export, trying the native registry
// first and falling back to a WASM package (spec.md §4.4).
func (s *System) Dispatch(api KernelApi, inv *Invocation) (*DispatchResult, error) {
	if _, ok := s.natives.Lookup(inv.Callee); ok {
		return s.natives.dispatch(api, inv)
	}

	code, ok := s.wasmCode[inv.Callee.Package]
	if !ok {
		return nil, newSystemUpstreamError(ErrFnNotFound, fmt.Errorf("package %s not published", inv.Callee.Package))
	}
	inst, ok := s.wasmInstances[inv.Callee.Package]
	if !ok {
		var err error
		inst, err = s.wasmEngine.Instantiate(code)
		if err != nil {
			return nil, err
		}
		s.wasmInstances[inv.Callee.Package] = inst
	}
	ret, err := inst.Invoke(api, inv.Export, inv.Args, s.wasmGas)
	if err != nil {
		return nil, err
	}
	return &DispatchResult{ReturnData: ret}, nil
}
