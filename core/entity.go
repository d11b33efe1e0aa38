package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// EntityType is the 1-byte tag prefixing every NodeId. The concrete set is
// pinned from the original HRP table (see hrpTable) so the tag space and the
// human-readable prefix space stay in lock-step.
type EntityType byte

const (
	EntityGlobalPackage EntityType = iota + 1
	EntityGlobalFungibleResourceManager
	EntityGlobalNonFungibleResourceManager
	EntityGlobalConsensusManager
	EntityGlobalValidator
	EntityGlobalAccessController
	EntityGlobalAccount
	EntityGlobalIdentity
	EntityGlobalGenericComponent
	EntityGlobalVirtualSecp256k1Account
	EntityGlobalVirtualEd25519Account
	EntityGlobalVirtualSecp256k1Identity
	EntityGlobalVirtualEd25519Identity
	EntityGlobalSingleResourcePool
	EntityGlobalTwoResourcePool
	EntityGlobalManyResourcePool
	EntityInternalFungibleVault
	EntityInternalNonFungibleVault
	EntityInternalAccount
	EntityInternalGenericComponent
	EntityInternalKeyValueStore
)

// IsGlobal reports whether nodes of this entity type are addressable at the
// global address space (invariant 4 in spec.md §3: globalised nodes carry an
// immutable TypeInfo substate naming their blueprint).
func (e EntityType) IsGlobal() bool {
	switch e {
	case EntityInternalFungibleVault, EntityInternalNonFungibleVault,
		EntityInternalAccount, EntityInternalGenericComponent, EntityInternalKeyValueStore:
		return false
	default:
		return true
	}
}

// IsVirtualAccountOrIdentity reports whether this type is reached only via
// virtualization (spec.md §3 "Virtualization hook", §4.4 on_virtualize).
func (e EntityType) IsVirtualAccountOrIdentity() bool {
	switch e {
	case EntityGlobalVirtualSecp256k1Account, EntityGlobalVirtualEd25519Account,
		EntityGlobalVirtualSecp256k1Identity, EntityGlobalVirtualEd25519Identity:
		return true
	default:
		return false
	}
}

func (e EntityType) String() string {
	switch e {
	case EntityGlobalPackage:
		return "GlobalPackage"
	case EntityGlobalFungibleResourceManager:
		return "GlobalFungibleResourceManager"
	case EntityGlobalNonFungibleResourceManager:
		return "GlobalNonFungibleResourceManager"
	case EntityGlobalConsensusManager:
		return "GlobalConsensusManager"
	case EntityGlobalValidator:
		return "GlobalValidator"
	case EntityGlobalAccessController:
		return "GlobalAccessController"
	case EntityGlobalAccount:
		return "GlobalAccount"
	case EntityGlobalIdentity:
		return "GlobalIdentity"
	case EntityGlobalGenericComponent:
		return "GlobalGenericComponent"
	case EntityGlobalVirtualSecp256k1Account:
		return "GlobalVirtualSecp256k1Account"
	case EntityGlobalVirtualEd25519Account:
		return "GlobalVirtualEd25519Account"
	case EntityGlobalVirtualSecp256k1Identity:
		return "GlobalVirtualSecp256k1Identity"
	case EntityGlobalVirtualEd25519Identity:
		return "GlobalVirtualEd25519Identity"
	case EntityGlobalSingleResourcePool:
		return "GlobalSingleResourcePool"
	case EntityGlobalTwoResourcePool:
		return "GlobalTwoResourcePool"
	case EntityGlobalManyResourcePool:
		return "GlobalManyResourcePool"
	case EntityInternalFungibleVault:
		return "InternalFungibleVault"
	case EntityInternalNonFungibleVault:
		return "InternalNonFungibleVault"
	case EntityInternalAccount:
		return "InternalAccount"
	case EntityInternalGenericComponent:
		return "InternalGenericComponent"
	case EntityInternalKeyValueStore:
		return "InternalKeyValueStore"
	default:
		return fmt.Sprintf("EntityType(%d)", byte(e))
	}
}

// nodeIdSize is the 1-byte tag plus a 26-byte hash-derived suffix, matching
// the "raw form" described in spec.md §6.
const nodeIdSize = 27

// NodeId is the stable identifier of an addressable node (spec.md §3). It is
// a value type so it can be used as a map key directly.
type NodeId [nodeIdSize]byte

// NewNodeId builds a NodeId from an entity type and a 26-byte suffix.
func NewNodeId(et EntityType, suffix [26]byte) NodeId {
	var id NodeId
	id[0] = byte(et)
	copy(id[1:], suffix[:])
	return id
}

// EntityType extracts the 1-byte tag.
func (n NodeId) EntityType() EntityType { return EntityType(n[0]) }

// IsGlobal reports whether n lives in the global address space.
func (n NodeId) IsGlobal() bool { return n.EntityType().IsGlobal() }

func (n NodeId) String() string { return fmt.Sprintf("%s:%x", n.EntityType(), n[1:]) }

// nodeIdAllocator deterministically derives NodeIds from a transaction hash
// and a monotonically increasing counter (spec.md §4.3 allocate_node_id).
// This mirrors the teacher's nonce-based contract-address derivation in
// core/virtual_machine.go's CreateContract, generalized from a single
// "contract address" case to every entity kind.
type nodeIdAllocator struct {
	txHash  [32]byte
	counter uint32
}

func newNodeIdAllocator(txHash [32]byte) *nodeIdAllocator {
	return &nodeIdAllocator{txHash: txHash}
}

// Allocate returns the next deterministic NodeId for the given entity type.
func (a *nodeIdAllocator) Allocate(et EntityType) NodeId {
	buf := make([]byte, 0, 36)
	buf = append(buf, a.txHash[:]...)
	buf = append(buf, byte(et))
	buf = append(buf, byte(a.counter>>24), byte(a.counter>>16), byte(a.counter>>8), byte(a.counter))
	a.counter++

	digest := crypto.Keccak256(buf)
	var suffix [26]byte
	copy(suffix[:], digest[len(digest)-26:])
	return NewNodeId(et, suffix)
}
