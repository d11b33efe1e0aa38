package core

import (
	"encoding/binary"
	"fmt"
)

// AccountState is an account component's substate: one resource-address
// keyed map of containers (its vaults) plus the owner badge; the rule
// guarding withdrawal lives in the account's role-assignment substate
// under AccountWithdrawRole (spec.md §4.7 native blueprint list; S2
// scenario: virtual account materialisation).
type AccountState struct {
	Owner      ResourceOrNonFungible // the signature-derived badge that owns this account
	VaultOf    map[NodeId]NodeId     // resource address -> vault NodeId
}

// AccountBlueprintId names the native Account blueprint.
var AccountBlueprintId = BlueprintId{Name: "Account"}

// AccountWithdrawRole is the role key guarding Account.withdraw, resolved
// by the system layer into Invocation.RequiredAuth before dispatch
// (spec.md §4.6, §5).
const AccountWithdrawRole = "withdraw"

// RegisterAccountBlueprint installs the Account native functions and its
// on_virtualize hook (spec.md §3 Virtualization hook, scenario S2).
func RegisterAccountBlueprint(reg *NativeRegistry, sys *System) {
	reg.Register(&BlueprintDefinition{
		Id: AccountBlueprintId,
		Functions: map[string]NativeFunction{
			"deposit":     accountDeposit,
			"withdraw":    accountWithdraw,
			"balance_of":  accountBalanceOf,
			"lock_fee":    accountLockFee,
		},
		MethodRoles: map[string]string{"withdraw": AccountWithdrawRole},
		Virtualize:  accountVirtualize,
	})
	for _, et := range []EntityType{
		EntityGlobalVirtualSecp256k1Account, EntityGlobalVirtualEd25519Account,
	} {
		sys.BindVirtualEntity(et, AccountBlueprintId)
	}
}

// accountVirtualize synthesizes an account's initial state the first time
// a GlobalVirtualSecp256k1Account/Ed25519Account address is touched
// (spec.md scenario S2: "on_virtualize hook runs; account object created
// with an access rule requiring the signature's non-fungible"). The
// virtual account's owner badge is the node's own address-derived
// non-fungible local id, by convention of this kernel's address scheme.
func accountVirtualize(api KernelApi, node NodeId) (map[PartitionNumber]map[SubstateKey][]byte, bool, error) {
	if !node.EntityType().IsVirtualAccountOrIdentity() {
		return nil, false, nil
	}
	k := api.(*Kernel)
	state := &AccountState{
		Owner:   ResourceOrNonFungible{NonFungible: true, NonFungibleId: fmt.Sprintf("%x", node[1:])},
		VaultOf: make(map[NodeId]NodeId),
	}
	k.SetObject(node, state)
	if err := SetRoleRule(k, node, AccountWithdrawRole, ProtectedAccessRule(Require(RequireProof(state.Owner)))); err != nil {
		return nil, false, err
	}
	return map[PartitionNumber]map[SubstateKey][]byte{
		PartitionMain: {FieldKey(0): []byte("virtual-account")},
	}, true, nil
}

// loadAccount resolves an account's state, virtualizing it on first touch
// if receiver is a virtual account address that has never been materialized
// (spec.md scenario S2). Native dispatch never runs OpenSubstate against the
// receiver the way a substate read would, so this is the one place that
// fallback has to happen for the Account blueprint's own functions.
func loadAccount(api *Kernel, receiver *NodeId) (*AccountState, error) {
	if receiver == nil {
		return nil, newSystemUpstreamError(ErrReceiverNotMatch, fmt.Errorf("account call requires a receiver"))
	}
	obj, ok := api.GetObject(*receiver)
	if !ok {
		if !receiver.EntityType().IsVirtualAccountOrIdentity() {
			return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no account at %s", *receiver))
		}
		if _, _, err := accountVirtualize(api, *receiver); err != nil {
			return nil, err
		}
		obj, ok = api.GetObject(*receiver)
		if !ok {
			return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no account at %s", *receiver))
		}
	}
	state, ok := obj.(*AccountState)
	if !ok {
		return nil, newSystemUpstreamError(ErrReceiverNotMatch, fmt.Errorf("%s is not an account", *receiver))
	}
	return state, nil
}

// accountDeposit moves a bucket's contents into the matching resource
// vault, creating the vault on first deposit of that resource. Args:
// raw NodeId bytes of the bucket being deposited.
func accountDeposit(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadAccount(api, receiver)
	if err != nil {
		return nil, err
	}
	if len(args) != nodeIdSize {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("deposit requires a %d-byte bucket id", nodeIdSize))
	}
	var bucketID NodeId
	copy(bucketID[:], args)

	bucket, ok := api.Container(bucketID)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no bucket %s", bucketID))
	}

	vaultID, ok := state.VaultOf[bucket.Resource]
	if !ok {
		vaultID = api.AllocateNodeId(EntityInternalFungibleVault)
		if !bucket.Fungible {
			vaultID = api.AllocateNodeId(EntityInternalNonFungibleVault)
		}
		api.NewContainer(vaultID, bucket.Resource, bucket.Fungible)
		state.VaultOf[bucket.Resource] = vaultID
	}
	vault, _ := api.Container(vaultID)

	if bucket.Fungible {
		vault.Put(bucket.Amount)
	} else {
		ids := make([]string, 0, len(bucket.Ids))
		for id := range bucket.Ids {
			ids = append(ids, id)
		}
		vault.PutIds(ids)
	}

	if _, err := api.DropNode(bucketID); err != nil {
		return nil, err
	}
	delete(api.containers, bucketID)
	return &DispatchResult{}, nil
}

// accountWithdraw creates a fresh bucket from one of the account's
// vaults. Guarded by the account's owner AccessRule: System.BeforeInvoke
// resolves AccountWithdrawRole against this receiver's role-assignment
// substate into Invocation.RequiredAuth before Dispatch reaches this
// function, and AuthModule enforces it; this function does not re-check
// it. Args: resource NodeId (27 bytes) + 8-byte LE amount.
func accountWithdraw(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadAccount(api, receiver)
	if err != nil {
		return nil, err
	}
	if len(args) != nodeIdSize+8 {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("withdraw requires resource id + amount"))
	}
	var resource NodeId
	copy(resource[:], args[:nodeIdSize])
	amount := binary.LittleEndian.Uint64(args[nodeIdSize:])

	vaultID, ok := state.VaultOf[resource]
	if !ok {
		return nil, newApplicationError(ErrInsufficientBalance, fmt.Errorf("no vault for resource %s", resource))
	}
	vault, _ := api.Container(vaultID)
	if err := vault.Take(amount); err != nil {
		return nil, err
	}

	bucketID := api.AllocateNodeId(EntityInternalGenericComponent)
	if err := api.CreateNode(bucketID, nil); err != nil {
		return nil, err
	}
	api.NewContainer(bucketID, resource, true)
	c, _ := api.Container(bucketID)
	c.Put(amount)
	api.CurrentFrame().AddOwnedNode(bucketID)

	return &DispatchResult{ReturnData: bucketID[:], Returning: Message{MovedNodes: []NodeId{bucketID}}}, nil
}

func accountBalanceOf(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadAccount(api, receiver)
	if err != nil {
		return nil, err
	}
	var resource NodeId
	copy(resource[:], args)
	buf := make([]byte, 8)
	vaultID, ok := state.VaultOf[resource]
	if !ok {
		return &DispatchResult{ReturnData: buf}, nil
	}
	vault, _ := api.Container(vaultID)
	binary.LittleEndian.PutUint64(buf, vault.Amount)
	return &DispatchResult{ReturnData: buf}, nil
}

// accountLockFee forwards into the account's vault for `resource`,
// reserving `amount` against the transaction's FeeReserve (spec.md §4.6;
// the account-level entrypoint the transaction processor calls at the
// start of a manifest). Args: resource NodeId (27 bytes) + 8-byte LE
// amount, same shape as withdraw.
func accountLockFee(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadAccount(api, receiver)
	if err != nil {
		return nil, err
	}
	if len(args) != nodeIdSize+8 {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("lock_fee requires resource id + amount"))
	}
	var resource NodeId
	copy(resource[:], args[:nodeIdSize])
	vaultID, ok := state.VaultOf[resource]
	if !ok {
		return nil, newApplicationError(ErrInsufficientBalance, fmt.Errorf("no vault for resource %s", resource))
	}
	return vaultLockFee(api, &vaultID, args[nodeIdSize:])
}
