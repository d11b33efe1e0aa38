package core

import (
	"encoding/binary"
	"fmt"
)

// VaultBlueprintId and BucketBlueprintId/ProofBlueprintId name the three
// native resource blueprints exposing vault.go's container/proof registry
// as directly invokable operations (spec.md §4.5: "put, take(amount),
// take_ids(set), recall, lock_fee, create_proof(amount|ids)"). Buckets
// and Proofs are marked Transient; Kernel.Globalize does not check that
// flag.
var (
	VaultBlueprintId = BlueprintId{Name: "Vault"}
	BucketBlueprintId = BlueprintId{Name: "Bucket"}
	ProofBlueprintId  = BlueprintId{Name: "Proof"}
)

// RegisterVaultBlueprints installs the Vault, Bucket and Proof native
// function tables.
func RegisterVaultBlueprints(reg *NativeRegistry) {
	reg.Register(&BlueprintDefinition{
		Id: VaultBlueprintId,
		Functions: map[string]NativeFunction{
			"put":          vaultPut,
			"take":         vaultTake,
			"take_ids":     vaultTakeIds,
			"recall":       vaultRecall,
			"lock_fee":     vaultLockFee,
			"create_proof": vaultCreateProof,
			"get_amount":   vaultGetAmount,
		},
	})
	reg.Register(&BlueprintDefinition{
		Id:        BucketBlueprintId,
		Transient: true,
		Functions: map[string]NativeFunction{
			"put":          vaultPut,
			"take":         vaultTake,
			"take_ids":     vaultTakeIds,
			"create_proof": vaultCreateProof,
			"get_amount":   vaultGetAmount,
		},
	})
	reg.Register(&BlueprintDefinition{
		Id:        ProofBlueprintId,
		Transient: true,
		Functions: map[string]NativeFunction{
			"clone": proofClone,
			"drop":  proofDrop,
		},
	})
}

// vaultPut merges another bucket's contents into receiver. Args: the
// source bucket's raw NodeId bytes; the source bucket is consumed.
func vaultPut(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	dst, ok := api.Container(*receiver)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no container %s", *receiver))
	}
	if len(args) != nodeIdSize {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("put requires a %d-byte bucket id", nodeIdSize))
	}
	var srcID NodeId
	copy(srcID[:], args)
	src, ok := api.Container(srcID)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no bucket %s", srcID))
	}
	if src.Resource != dst.Resource {
		return nil, newApplicationError(ErrResourceOperation, fmt.Errorf("resource mismatch: %s != %s", src.Resource, dst.Resource))
	}
	if dst.Fungible {
		dst.Put(src.Amount)
	} else {
		ids := make([]string, 0, len(src.Ids))
		for id := range src.Ids {
			ids = append(ids, id)
		}
		dst.PutIds(ids)
	}
	if _, err := api.DropNode(srcID); err != nil {
		return nil, err
	}
	delete(api.containers, srcID)
	return &DispatchResult{}, nil
}

// vaultTake withdraws `amount` (8-byte LE args) into a fresh bucket node
// of the same resource.
func vaultTake(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	c, ok := api.Container(*receiver)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no container %s", *receiver))
	}
	if len(args) < 8 {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("take requires an 8-byte amount"))
	}
	amount := binary.LittleEndian.Uint64(args[:8])
	if err := c.Take(amount); err != nil {
		return nil, err
	}
	bucketID := api.AllocateNodeId(EntityInternalGenericComponent)
	if err := api.CreateNode(bucketID, nil); err != nil {
		return nil, err
	}
	api.NewContainer(bucketID, c.Resource, true)
	out, _ := api.Container(bucketID)
	out.Put(amount)
	api.CurrentFrame().AddOwnedNode(bucketID)
	return &DispatchResult{ReturnData: bucketID[:], Returning: Message{MovedNodes: []NodeId{bucketID}}}, nil
}

// vaultTakeIds withdraws a specific set of non-fungible local ids
// (newline-separated args) into a fresh bucket.
func vaultTakeIds(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	c, ok := api.Container(*receiver)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no container %s", *receiver))
	}
	ids := splitIds(args)
	if err := c.TakeIds(ids); err != nil {
		return nil, err
	}
	bucketID := api.AllocateNodeId(EntityInternalGenericComponent)
	if err := api.CreateNode(bucketID, nil); err != nil {
		return nil, err
	}
	api.NewContainer(bucketID, c.Resource, false)
	out, _ := api.Container(bucketID)
	out.PutIds(ids)
	api.CurrentFrame().AddOwnedNode(bucketID)
	return &DispatchResult{ReturnData: bucketID[:], Returning: Message{MovedNodes: []NodeId{bucketID}}}, nil
}

// vaultRecall is take's forced counterpart: it pulls funds out of a vault
// a holder does not control (spec.md §4.5 "recall"). It is gated only by
// an Invocation.RequiredAuth its caller sets; the Vault blueprint declares
// no method role for it, so the resource's RecallRule is not consulted.
func vaultRecall(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	return vaultTake(apiUntyped, receiver, args)
}

// vaultLockFee reserves `amount` (8-byte LE args) of XRD-equivalent
// balance against the transaction's FeeReserve, contributing it via the
// vault's own balance (spec.md §4.6 costing: "lock_fee seeds the fee
// reserve from a vault"). The amount is debited from the vault up front
// and recorded with FeeReserve.LockXrd; no unspent part is refunded.
func vaultLockFee(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	c, ok := api.Container(*receiver)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no container %s", *receiver))
	}
	if len(args) < 8 {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("lock_fee requires an 8-byte amount"))
	}
	amount := binary.LittleEndian.Uint64(args[:8])
	if err := c.Take(amount); err != nil {
		return nil, newApplicationError(ErrInsufficientBalance, fmt.Errorf("cannot lock fee of %d: %w", amount, err))
	}
	if r := api.FeeReserve(); r != nil {
		r.LockXrd(amount)
	}
	return &DispatchResult{}, nil
}

// vaultCreateProof produces a Proof node backed by receiver, locking
// either an 8-byte LE amount (fungible) or a newline-separated id set
// (non-fungible) depending on which the container holds.
func vaultCreateProof(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	c, ok := api.Container(*receiver)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no container %s", *receiver))
	}
	var (
		proofID NodeId
		err     error
	)
	if c.Fungible {
		if len(args) < 8 {
			return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("create_proof requires an 8-byte amount"))
		}
		proofID, err = api.CreateProofFromAmount(*receiver, binary.LittleEndian.Uint64(args[:8]))
	} else {
		proofID, err = api.CreateProofFromIds(*receiver, splitIds(args))
	}
	if err != nil {
		return nil, err
	}
	api.CurrentFrame().AddOwnedNode(proofID)
	return &DispatchResult{ReturnData: proofID[:], Returning: Message{MovedNodes: []NodeId{proofID}}}, nil
}

func vaultGetAmount(apiUntyped KernelApi, receiver *NodeId, _ []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	c, ok := api.Container(*receiver)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no container %s", *receiver))
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, c.Amount)
	return &DispatchResult{ReturnData: buf}, nil
}

func proofClone(apiUntyped KernelApi, receiver *NodeId, _ []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	clone, err := api.CloneProof(*receiver)
	if err != nil {
		return nil, err
	}
	api.CurrentFrame().AddOwnedNode(clone)
	return &DispatchResult{ReturnData: clone[:], Returning: Message{MovedNodes: []NodeId{clone}}}, nil
}

func proofDrop(apiUntyped KernelApi, receiver *NodeId, _ []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	if err := api.DropProof(*receiver); err != nil {
		return nil, err
	}
	if _, err := api.DropNode(*receiver); err != nil {
		return nil, err
	}
	return &DispatchResult{}, nil
}

func splitIds(args []byte) []string {
	if len(args) == 0 {
		return nil
	}
	var ids []string
	start := 0
	for i, b := range args {
		if b == '\n' {
			ids = append(ids, string(args[start:i]))
			start = i + 1
		}
	}
	ids = append(ids, string(args[start:]))
	return ids
}
