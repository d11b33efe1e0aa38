package core

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// --- P1: conservation --------------------------------------------------------

// TestPropertyConservation mints two batches of one fungible resource and
// deposits one into each of two accounts; the sum of the two account
// balances must equal total supply.
func TestPropertyConservation(t *testing.T) {
	sys, fee := newTestSystem(1_000_000)
	k, _ := newTestKernelWithSystem(sys, fee)

	rmAddr, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Export: "create", Kind: ActorFunction, Args: []byte{1, 0},
	})
	if err != nil {
		t.Fatalf("create resource manager: %v", err)
	}
	mintA := make([]byte, 8)
	binary.LittleEndian.PutUint64(mintA, 600)
	bucketID, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Receiver: &rmAddr, Export: "mint", Kind: ActorMethod, Args: mintA,
	})
	if err != nil {
		t.Fatalf("mint A: %v", err)
	}
	mintB := make([]byte, 8)
	binary.LittleEndian.PutUint64(mintB, 400)
	splitID, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Receiver: &rmAddr, Export: "mint", Kind: ActorMethod, Args: mintB,
	})
	if err != nil {
		t.Fatalf("mint B: %v", err)
	}

	accountA := newTestAccount(k)
	accountB := newTestAccount(k)

	if _, err := k.Invoke(Invocation{
		Callee: AccountBlueprintId, Receiver: &accountA, Export: "deposit", Kind: ActorMethod,
		Args: bucketID[:], Message: Message{MovedNodes: []NodeId{bucketID}},
	}); err != nil {
		t.Fatalf("deposit into A: %v", err)
	}
	if _, err := k.Invoke(Invocation{
		Callee: AccountBlueprintId, Receiver: &accountB, Export: "deposit", Kind: ActorMethod,
		Args: splitID[:], Message: Message{MovedNodes: []NodeId{splitID}},
	}); err != nil {
		t.Fatalf("deposit into B: %v", err)
	}

	balA, _ := k.Invoke(Invocation{Callee: AccountBlueprintId, Receiver: &accountA, Export: "balance_of", Kind: ActorMethod, Args: rmAddr[:]})
	balB, _ := k.Invoke(Invocation{Callee: AccountBlueprintId, Receiver: &accountB, Export: "balance_of", Kind: ActorMethod, Args: rmAddr[:]})
	sum := binary.LittleEndian.Uint64(balA) + binary.LittleEndian.Uint64(balB)

	supplyRet, err := k.Invoke(Invocation{Callee: ResourceManagerBlueprintId, Receiver: &rmAddr, Export: "get_total_supply", Kind: ActorMethod})
	if err != nil {
		t.Fatalf("get_total_supply: %v", err)
	}
	supply := binary.LittleEndian.Uint64(supplyRet)

	if sum != supply {
		t.Fatalf("conservation violated: vault sum %d != total supply %d", sum, supply)
	}
}

// --- P2: no orphan resources -------------------------------------------------

// TestPropertyNoOrphanResources runs a withdraw/deposit manifest to
// completion and checks that the only containers left registered are the
// accounts' own vaults — no transient bucket is ever left stranded.
func TestPropertyNoOrphanResources(t *testing.T) {
	sys, fee := newTestSystem(1_000_000)
	k, _ := newTestKernelWithSystem(sys, fee)

	rmAddr, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Export: "create", Kind: ActorFunction, Args: []byte{1, 0},
	})
	if err != nil {
		t.Fatalf("create resource manager: %v", err)
	}
	mintArgs := make([]byte, 8)
	binary.LittleEndian.PutUint64(mintArgs, 1000)
	bucketID, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Receiver: &rmAddr, Export: "mint", Kind: ActorMethod, Args: mintArgs,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	accountID := newTestAccount(k)
	if _, err := k.Invoke(Invocation{
		Callee: AccountBlueprintId, Receiver: &accountID, Export: "deposit", Kind: ActorMethod,
		Args: bucketID[:], Message: Message{MovedNodes: []NodeId{bucketID}},
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	tp := NewTransactionProcessor(k, sys)
	withdrawArgs := make([]byte, nodeIdSize+8)
	copy(withdrawArgs, rmAddr[:])
	binary.LittleEndian.PutUint64(withdrawArgs[nodeIdSize:], 250)
	m := &Manifest{
		Instructions: []Instruction{
			{Kind: InstrCallMethod, Callee: AccountBlueprintId, Receiver: &accountID, Export: "withdraw", Args: withdrawArgs},
		},
		FeePayer: &accountID,
	}
	if err := tp.Execute(m); err != nil {
		t.Fatalf("execute: %v", err)
	}

	state, err := loadAccount(k, &accountID)
	if err != nil {
		t.Fatalf("loadAccount: %v", err)
	}
	expectedVault := state.VaultOf[rmAddr]

	for id := range k.containers {
		if id != expectedVault {
			t.Fatalf("orphan container left registered: %s (expected only the account's own vault %s)", id, expectedVault)
		}
	}
}

// --- P3: lock exclusivity ----------------------------------------------------

// TestPropertyLockExclusivity exercises substateLockState directly: any
// number of concurrent read locks is fine, but a mutable lock conflicts
// with anything else outstanding.
func TestPropertyLockExclusivity(t *testing.T) {
	var s substateLockState
	if err := s.tryLock(LockRead); err != nil {
		t.Fatalf("first read lock should succeed: %v", err)
	}
	if err := s.tryLock(LockRead); err != nil {
		t.Fatalf("second read lock should succeed: %v", err)
	}
	if err := s.tryLock(LockMutable); err == nil {
		t.Fatalf("expected a mutable lock to conflict with outstanding read locks")
	}
	s.unlock(LockRead)
	s.unlock(LockRead)

	if err := s.tryLock(LockMutable); err != nil {
		t.Fatalf("mutable lock should succeed once reads are released: %v", err)
	}
	if err := s.tryLock(LockRead); err == nil {
		t.Fatalf("expected a read lock to conflict with an outstanding mutable lock")
	}
	if err := s.tryLock(LockMutable); err == nil {
		t.Fatalf("expected a second mutable lock to conflict with the first")
	}
}

// --- P4: ownership tree -------------------------------------------------------

// TestPropertyOwnershipMoveRequiresOwnership checks that a frame can never
// move a node it does not own into a callee — the invariant that keeps the
// ownership tree a tree rather than a graph with shared or dangling edges.
func TestPropertyOwnershipMoveRequiresOwnership(t *testing.T) {
	sys, fee := newTestSystem(1_000_000)
	k, _ := newTestKernelWithSystem(sys, fee)

	notOwned := k.AllocateNodeId(EntityInternalGenericComponent)
	_, err := k.Invoke(Invocation{
		Callee: AccountBlueprintId, Export: "balance_of", Kind: ActorFunction,
		Message: Message{MovedNodes: []NodeId{notOwned}},
	})
	if err == nil {
		t.Fatalf("expected moving an unowned node to fail")
	}
	tagged, ok := err.(TaggedError)
	if !ok || tagged.Kind() != KindKernel {
		t.Fatalf("expected a KernelError, got %T: %v", err, err)
	}
}

// --- P5: auth determinism ----------------------------------------------------

// TestPropertyAuthDeterminism evaluates the same AccessRule tree against the
// same visible-proof set twice and requires identical results.
func TestPropertyAuthDeterminism(t *testing.T) {
	adminBadge := ResourceOrNonFungible{Resource: NodeId{1}}
	ownerBadge := ResourceOrNonFungible{Resource: NodeId{2}}

	rule := ProtectedAccessRule(AnyOf(
		Require(RequireProof(adminBadge)),
		AllOf(Require(RequireProof(ownerBadge))),
	))

	visible := []ResourceOrNonFungible{ownerBadge}
	first := rule.evaluate(visible)
	second := rule.evaluate(visible)
	if first != second || !first {
		t.Fatalf("expected deterministic true evaluation, got %v then %v", first, second)
	}

	empty := rule.evaluate(nil)
	if empty {
		t.Fatalf("expected the rule to fail against an empty proof set")
	}
	if rule.evaluate(nil) != empty {
		t.Fatalf("expected deterministic evaluation against an empty proof set")
	}
}

// --- P6: fee-locking persists through failure -------------------------------

// TestPropertyFeeLockPersistsThroughFailure locks a fee and then runs a
// manifest whose sole instruction fails; the receipt must still report the
// locked fee while carrying no other state delta.
func TestPropertyFeeLockPersistsThroughFailure(t *testing.T) {
	sys, fee := newTestSystem(1_000_000)
	k, _ := newTestKernelWithSystem(sys, fee)

	rmAddr, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Export: "create", Kind: ActorFunction, Args: []byte{1, 0},
	})
	if err != nil {
		t.Fatalf("create resource manager: %v", err)
	}
	mintArgs := make([]byte, 8)
	binary.LittleEndian.PutUint64(mintArgs, 100)
	bucketID, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Receiver: &rmAddr, Export: "mint", Kind: ActorMethod, Args: mintArgs,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	accountID := newTestAccount(k)
	if _, err := k.Invoke(Invocation{
		Callee: AccountBlueprintId, Receiver: &accountID, Export: "deposit", Kind: ActorMethod,
		Args: bucketID[:], Message: Message{MovedNodes: []NodeId{bucketID}},
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	tp := NewTransactionProcessor(k, sys)
	badWithdraw := make([]byte, nodeIdSize+8)
	copy(badWithdraw, rmAddr[:])
	binary.LittleEndian.PutUint64(badWithdraw[nodeIdSize:], 99999) // far more than the account holds

	m := &Manifest{
		Instructions: []Instruction{
			{Kind: InstrCallMethod, Callee: AccountBlueprintId, Receiver: &accountID, Export: "withdraw", Args: badWithdraw},
		},
		FeePayer: &accountID,
		FeeLimit: 10,
	}

	receipt := BuildReceipt(k, k.track, sys.ModuleMixer, tp, m)
	if receipt.Status != CommitFailure {
		t.Fatalf("expected CommitFailure, got %s", receipt.Status)
	}
	if receipt.Fees.XrdLocked == 0 {
		t.Fatalf("expected the fee lock to persist through the failure")
	}
	if len(receipt.StateUpdates) != 0 {
		t.Fatalf("expected no state delta on a failed manifest beyond the in-memory fee lock, got %d updates", len(receipt.StateUpdates))
	}
}

// --- P7: round-trip ----------------------------------------------------------

// TestPropertyRoundTripSubstateEncoding checks that MemoryDatabase returns
// exactly the bytes it was given for a range of substate shapes — the
// canonical-encoding invariant, since this kernel stores substates as
// opaque blueprint-produced byte strings rather than re-encoding them.
func TestPropertyRoundTripSubstateEncoding(t *testing.T) {
	db := NewMemoryDatabase()
	node := NodeId{9, 9, 9}

	cases := []struct {
		partition PartitionNumber
		key       SubstateKey
		value     []byte
	}{
		{PartitionMain, FieldKey(0), []byte{}},
		{PartitionMain, FieldKey(1), []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{PartitionMetadata, MapKey([]byte("name")), []byte("Synnergy Token")},
		{PartitionRoyalty, SortedKey(7, []byte("sorted-key")), []byte{0xff, 0x00, 0xff}},
	}

	for _, c := range cases {
		db.Put(node, c.partition, c.key, c.value)
	}
	for _, c := range cases {
		got, ok, err := db.GetSubstate(node, c.partition, c.key)
		if err != nil {
			t.Fatalf("GetSubstate(%s): %v", c.key, err)
		}
		if !ok {
			t.Fatalf("expected substate %s to be present", c.key)
		}
		if !bytes.Equal(got, c.value) {
			t.Fatalf("round-trip mismatch for %s: put %x, got %x", c.key, c.value, got)
		}
	}
}
