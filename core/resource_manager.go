package core

import (
	"encoding/binary"
	"fmt"
)

// ResourceManagerState is a resource's mutable configuration (spec.md
// §4.5): divisibility for fungibles (0 for non-fungible resources),
// metadata, total supply, and the role-based rules gating mint/burn/
// freeze/recall. Stored via Kernel.SetObject under the manager's global
// address rather than as serialized substates (same simplification as
// vault.go's ResourceContainer).
type ResourceManagerState struct {
	Fungible     bool
	Divisibility uint8
	Metadata     map[string]string
	TotalSupply  uint64
	MintRule     *AccessRule
	BurnRule     *AccessRule
	RecallRule   *AccessRule
	NonFungibles map[string][]byte // local id -> opaque immutable data, non-fungible resources only
}

// ResourceManagerBlueprintId names the native ResourceManager blueprint
// (spec.md §4.7 native blueprint list).
var ResourceManagerBlueprintId = BlueprintId{Name: "ResourceManager"}

// Role keys for the three resource-manager rules a role-assignment
// substate can hold (spec.md §4.5 "role-based rules gating mint/burn/
// freeze/recall").
const (
	ResourceManagerMintRole   = "mint"
	ResourceManagerBurnRole   = "burn"
	ResourceManagerRecallRole = "recall"
)

// RegisterResourceManagerBlueprint installs the ResourceManager native
// functions into reg (spec.md §4.5 operations: create, mint, burn,
// update_metadata, get_total_supply, get_resource_type,
// non_fungible_exists, get_non_fungible).
func RegisterResourceManagerBlueprint(reg *NativeRegistry) {
	reg.Register(&BlueprintDefinition{
		Id: ResourceManagerBlueprintId,
		Functions: map[string]NativeFunction{
			"create":                resourceManagerCreate,
			"mint":                  resourceManagerMint,
			"burn":                  resourceManagerBurn,
			"update_metadata":       resourceManagerUpdateMetadata,
			"get_total_supply":      resourceManagerGetTotalSupply,
			"get_resource_type":     resourceManagerGetResourceType,
			"non_fungible_exists":   resourceManagerNonFungibleExists,
			"get_non_fungible":      resourceManagerGetNonFungible,
		},
		MethodRoles: map[string]string{
			"mint": ResourceManagerMintRole,
			"burn": ResourceManagerBurnRole,
		},
	})
}

// resourceManagerCreate allocates and globalizes a fresh resource manager.
// Args: encodeResourceManagerCreateArgs-shaped bytes (fungible flag,
// divisibility). The new manager's address is returned as the 27 raw
// NodeId bytes.
func resourceManagerCreate(apiUntyped KernelApi, _ *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	if len(args) < 2 {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("create requires at least 2 bytes"))
	}
	fungible := args[0] == 1
	divisibility := args[1]

	var et EntityType
	if fungible {
		et = EntityGlobalFungibleResourceManager
	} else {
		et = EntityGlobalNonFungibleResourceManager
	}
	id := api.AllocateNodeId(et)
	if err := api.CreateNode(id, nil); err != nil {
		return nil, err
	}
	address := api.AllocateNodeId(et)
	if err := api.Globalize(id, address); err != nil {
		return nil, err
	}

	state := &ResourceManagerState{
		Fungible:     fungible,
		Divisibility: divisibility,
		Metadata:     make(map[string]string),
		MintRule:     AllowAllAccessRule(),
		BurnRule:     AllowAllAccessRule(),
		RecallRule:   AllowAllAccessRule(),
	}
	if !fungible {
		state.NonFungibles = make(map[string][]byte)
	}
	api.SetObject(address, state)

	// create has no role-configuration arguments yet (spec.md §4.5 does not
	// define one), so every role starts open; SetRoleRule still seeds a real
	// substate rather than leaving the rule permanently unreadable by
	// resolveRequiredAuth.
	if err := SetRoleRule(api, address, ResourceManagerMintRole, state.MintRule); err != nil {
		return nil, err
	}
	if err := SetRoleRule(api, address, ResourceManagerBurnRole, state.BurnRule); err != nil {
		return nil, err
	}

	return &DispatchResult{ReturnData: address[:]}, nil
}

func loadManager(api *Kernel, receiver *NodeId) (*ResourceManagerState, error) {
	if receiver == nil {
		return nil, newSystemUpstreamError(ErrReceiverNotMatch, fmt.Errorf("resource manager call requires a receiver"))
	}
	obj, ok := api.GetObject(*receiver)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no resource manager at %s", *receiver))
	}
	state, ok := obj.(*ResourceManagerState)
	if !ok {
		return nil, newSystemUpstreamError(ErrReceiverNotMatch, fmt.Errorf("%s is not a resource manager", *receiver))
	}
	return state, nil
}

// resourceManagerMint mints fungible amount (args = 8-byte LE amount) or a
// single non-fungible (args = localId bytes, data bytes, length-prefixed)
// into a brand-new Bucket node, returned as its NodeId.
func resourceManagerMint(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadManager(api, receiver)
	if err != nil {
		return nil, err
	}

	bucketID := api.AllocateNodeId(EntityInternalGenericComponent)
	if err := api.CreateNode(bucketID, nil); err != nil {
		return nil, err
	}

	if state.Fungible {
		if len(args) < 8 {
			return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("mint requires an 8-byte amount"))
		}
		amount := binary.LittleEndian.Uint64(args[:8])
		api.NewContainer(bucketID, *receiver, true)
		c, _ := api.Container(bucketID)
		c.Put(amount)
		state.TotalSupply += amount
	} else {
		localID := string(args)
		if _, exists := state.NonFungibles[localID]; exists {
			return nil, newApplicationError(ErrResourceOperation, fmt.Errorf("non-fungible %q already minted", localID))
		}
		state.NonFungibles[localID] = nil
		state.TotalSupply++
		api.NewContainer(bucketID, *receiver, false)
		c, _ := api.Container(bucketID)
		c.PutIds([]string{localID})
	}

	api.CurrentFrame().AddOwnedNode(bucketID)
	return &DispatchResult{ReturnData: bucketID[:], Returning: Message{MovedNodes: []NodeId{bucketID}}}, nil
}

// resourceManagerBurn destroys a bucket's contents entirely (args =
// bucket NodeId raw bytes) and decrements total supply.
func resourceManagerBurn(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadManager(api, receiver)
	if err != nil {
		return nil, err
	}
	if len(args) != nodeIdSize {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("burn requires a %d-byte bucket id", nodeIdSize))
	}
	var bucketID NodeId
	copy(bucketID[:], args)

	c, ok := api.Container(bucketID)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no bucket %s", bucketID))
	}
	if state.Fungible {
		state.TotalSupply -= c.Amount
	} else {
		for id := range c.Ids {
			delete(state.NonFungibles, id)
		}
		state.TotalSupply -= uint64(len(c.Ids))
	}
	if _, err := api.DropNode(bucketID); err != nil {
		return nil, err
	}
	delete(api.containers, bucketID)
	return &DispatchResult{}, nil
}

func resourceManagerUpdateMetadata(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadManager(api, receiver)
	if err != nil {
		return nil, err
	}
	parts := splitMetadataArgs(args)
	if len(parts) != 2 {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("update_metadata requires key\\x00value"))
	}
	state.Metadata[parts[0]] = parts[1]
	return &DispatchResult{}, nil
}

func splitMetadataArgs(args []byte) []string {
	for i, b := range args {
		if b == 0 {
			return []string{string(args[:i]), string(args[i+1:])}
		}
	}
	return nil
}

func resourceManagerGetTotalSupply(apiUntyped KernelApi, receiver *NodeId, _ []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadManager(api, receiver)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, state.TotalSupply)
	return &DispatchResult{ReturnData: buf}, nil
}

func resourceManagerGetResourceType(apiUntyped KernelApi, receiver *NodeId, _ []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadManager(api, receiver)
	if err != nil {
		return nil, err
	}
	if state.Fungible {
		return &DispatchResult{ReturnData: []byte{1}}, nil
	}
	return &DispatchResult{ReturnData: []byte{0}}, nil
}

func resourceManagerNonFungibleExists(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadManager(api, receiver)
	if err != nil {
		return nil, err
	}
	_, ok := state.NonFungibles[string(args)]
	if ok {
		return &DispatchResult{ReturnData: []byte{1}}, nil
	}
	return &DispatchResult{ReturnData: []byte{0}}, nil
}

func resourceManagerGetNonFungible(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadManager(api, receiver)
	if err != nil {
		return nil, err
	}
	data, ok := state.NonFungibles[string(args)]
	if !ok {
		return nil, newApplicationError(ErrNonFungibleNotFound, fmt.Errorf("local id %q not found", string(args)))
	}
	return &DispatchResult{ReturnData: data}, nil
}
