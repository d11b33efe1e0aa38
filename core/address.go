package core

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// hrpTable is the human-readable-prefix set for one network, pinned from
// original_source/radix-engine-common/src/address/hrpset.rs. Each known
// entity type, global or internal, maps to exactly one HRP (internal types
// use the internal_* prefixes).
type hrpTable struct {
	pkg               string
	resource          string
	component         string
	account           string
	identity          string
	consensusManager  string
	validator         string
	accessController  string
	pool              string
	internalVault     string
	internalAccount   string
	internalComponent string
	internalKVStore   string
}

// NewHrpTable builds the HRP set for a network identified by its suffix
// (e.g. "rdx" for a production-style network, "sim" for a test network).
func NewHrpTable(suffix string) hrpTable {
	return hrpTable{
		pkg:               "package_" + suffix,
		resource:          "resource_" + suffix,
		component:         "component_" + suffix,
		account:           "account_" + suffix,
		identity:          "identity_" + suffix,
		consensusManager:  "consensusmanager_" + suffix,
		validator:         "validator_" + suffix,
		accessController:  "accesscontroller_" + suffix,
		pool:              "pool_" + suffix,
		internalVault:     "internal_vault_" + suffix,
		internalAccount:   "internal_account_" + suffix,
		internalComponent: "internal_component_" + suffix,
		internalKVStore:   "internal_keyvaluestore_" + suffix,
	}
}

// hrpFor returns the HRP for an entity type, or "" for an unrecognised
// type (callers must not render an address for those).
func (t hrpTable) hrpFor(et EntityType) string {
	switch et {
	case EntityGlobalPackage:
		return t.pkg
	case EntityGlobalFungibleResourceManager, EntityGlobalNonFungibleResourceManager:
		return t.resource
	case EntityGlobalConsensusManager:
		return t.consensusManager
	case EntityGlobalValidator:
		return t.validator
	case EntityGlobalAccessController:
		return t.accessController
	case EntityGlobalAccount,
		EntityGlobalVirtualSecp256k1Account, EntityGlobalVirtualEd25519Account:
		return t.account
	case EntityGlobalIdentity,
		EntityGlobalVirtualSecp256k1Identity, EntityGlobalVirtualEd25519Identity:
		return t.identity
	case EntityGlobalGenericComponent:
		return t.component
	case EntityGlobalSingleResourcePool, EntityGlobalTwoResourcePool, EntityGlobalManyResourcePool:
		return t.pool
	case EntityInternalFungibleVault, EntityInternalNonFungibleVault:
		return t.internalVault
	case EntityInternalAccount:
		return t.internalAccount
	case EntityInternalGenericComponent:
		return t.internalComponent
	case EntityInternalKeyValueStore:
		return t.internalKVStore
	default:
		return ""
	}
}

// RenderAddress renders a NodeId as "<hrp>_<hex-suffix>", e.g.
// "account_rdx_5f21..."; internal NodeIds render with their internal_*
// HRP. A NodeId whose entity type has no HRP returns an error.
func (t hrpTable) RenderAddress(id NodeId) (string, error) {
	et := id.EntityType()
	hrp := t.hrpFor(et)
	if hrp == "" {
		return "", fmt.Errorf("entity type %s has no global address form", et)
	}
	return fmt.Sprintf("%s_%s", hrp, hex.EncodeToString(id[1:])), nil
}

// VirtualAccountAddress derives the GlobalVirtualSecp256k1Account /
// GlobalVirtualEd25519Account NodeId for a public key, by hashing the key
// and taking the low 26 bytes of the digest (spec.md §6). et must be one of
// the four virtual entity types.
func VirtualAccountAddress(et EntityType, publicKey []byte) (NodeId, error) {
	if !et.IsVirtualAccountOrIdentity() {
		return NodeId{}, fmt.Errorf("%s is not a virtual account/identity entity type", et)
	}
	digest := crypto.Keccak256(publicKey)
	var suffix [26]byte
	copy(suffix[:], digest[len(digest)-26:])
	return NewNodeId(et, suffix), nil
}
