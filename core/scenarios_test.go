package core

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"
)

// --- S1: simple transfer ----------------------------------------------------

// TestScenarioSimpleTransfer withdraws 10 units from a funded account onto
// the worktop and deposits them into a second account; the manifest locks
// no fee.
func TestScenarioSimpleTransfer(t *testing.T) {
	sys, fee := newTestSystem(1_000_000)
	k, _ := newTestKernelWithSystem(sys, fee)

	rmAddr, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Export: "create", Kind: ActorFunction,
		Args: []byte{1, 0},
	})
	if err != nil {
		t.Fatalf("create resource manager: %v", err)
	}

	mintArgs := make([]byte, 8)
	binary.LittleEndian.PutUint64(mintArgs, 100)
	bucketID, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Receiver: &rmAddr, Export: "mint", Kind: ActorMethod,
		Args: mintArgs,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	faucet := newTestAccount(k)
	if _, err := k.Invoke(Invocation{
		Callee: AccountBlueprintId, Receiver: &faucet, Export: "deposit", Kind: ActorMethod,
		Args: bucketID[:], Message: Message{MovedNodes: []NodeId{bucketID}},
	}); err != nil {
		t.Fatalf("seed faucet: %v", err)
	}

	accountA := newTestAccount(k)

	tp := NewTransactionProcessor(k, sys)
	withdrawArgs := make([]byte, nodeIdSize+8)
	copy(withdrawArgs, rmAddr[:])
	binary.LittleEndian.PutUint64(withdrawArgs[nodeIdSize:], 10)

	m := &Manifest{
		Instructions: []Instruction{
			{Kind: InstrCallMethod, Callee: AccountBlueprintId, Receiver: &faucet, Export: "withdraw", Args: withdrawArgs},
			{Kind: InstrTakeFromWorktop, Resource: rmAddr, Amount: 10, BucketId: 1},
			{Kind: InstrCallMethod, Callee: AccountBlueprintId, Receiver: &accountA, Export: "deposit", ArgBucketIds: []uint32{1}},
		},
	}

	receipt := BuildReceipt(k, k.track, sys.ModuleMixer, tp, m)
	if receipt.Status != CommitSuccess {
		t.Fatalf("expected CommitSuccess, got %s (%v)", receipt.Status, receipt.Error)
	}

	faucetBal, err := k.Invoke(Invocation{Callee: AccountBlueprintId, Receiver: &faucet, Export: "balance_of", Kind: ActorMethod, Args: rmAddr[:]})
	if err != nil {
		t.Fatalf("faucet balance_of: %v", err)
	}
	if got := binary.LittleEndian.Uint64(faucetBal); got != 90 {
		t.Fatalf("expected faucet balance 90, got %d", got)
	}

	aBal, err := k.Invoke(Invocation{Callee: AccountBlueprintId, Receiver: &accountA, Export: "balance_of", Kind: ActorMethod, Args: rmAddr[:]})
	if err != nil {
		t.Fatalf("accountA balance_of: %v", err)
	}
	if got := binary.LittleEndian.Uint64(aBal); got != 10 {
		t.Fatalf("expected accountA balance 10, got %d", got)
	}
}

// --- S2: virtual account materialisation ------------------------------------

// TestScenarioVirtualAccountMaterialization calls a method on a virtual
// account address that has never been touched before; loadAccount must
// run accountVirtualize on the GetObject miss rather than failing NodeNotFound.
func TestScenarioVirtualAccountMaterialization(t *testing.T) {
	sys, fee := newTestSystem(1_000_000)
	k, _ := newTestKernelWithSystem(sys, fee)

	virtual := k.AllocateNodeId(EntityGlobalVirtualSecp256k1Account)

	ret, err := k.Invoke(Invocation{
		Callee: AccountBlueprintId, Receiver: &virtual, Export: "balance_of", Kind: ActorMethod,
		Args: make([]byte, nodeIdSize),
	})
	if err != nil {
		t.Fatalf("balance_of on untouched virtual account: %v", err)
	}
	if got := binary.LittleEndian.Uint64(ret); got != 0 {
		t.Fatalf("expected zero balance on a freshly virtualized account, got %d", got)
	}

	obj, ok := k.GetObject(virtual)
	if !ok {
		t.Fatalf("expected the virtual account to have been materialized into the object table")
	}
	state, ok := obj.(*AccountState)
	if !ok {
		t.Fatalf("expected an *AccountState, got %T", obj)
	}
	if !state.Owner.NonFungible || state.Owner.NonFungibleId == "" {
		t.Fatalf("expected the virtualized owner badge to be a non-empty non-fungible id, got %+v", state.Owner)
	}
}

// --- S3: stored bucket fails -------------------------------------------------

// hoarderBlueprintId names a test-only native blueprint whose "hoard"
// function accepts a moved bucket and never returns it — simulating a
// blueprint function that tries to tuck a bucket away inside a non-resource
// component's state instead of moving it back out.
var hoarderBlueprintId = BlueprintId{Name: "testHoarder"}

func registerHoarderBlueprint(reg *NativeRegistry) {
	reg.Register(&BlueprintDefinition{
		Id: hoarderBlueprintId,
		Functions: map[string]NativeFunction{
			"hoard": func(apiUntyped KernelApi, _ *NodeId, args []byte) (*DispatchResult, error) {
				api := apiUntyped.(*Kernel)
				var bucketID NodeId
				copy(bucketID[:], args)
				// Register the bucket as owned by this frame (it arrived via
				// Message.MovedNodes) but never hand it back in Returning —
				// the kernel must refuse to pop a frame still holding it.
				api.CurrentFrame().AddOwnedNode(bucketID)
				return &DispatchResult{}, nil
			},
		},
	})
}

func TestScenarioStoredBucketFails(t *testing.T) {
	sys, fee := newTestSystem(1_000_000)
	k, _ := newTestKernelWithSystem(sys, fee)
	registerHoarderBlueprint(sys.natives)

	rmAddr, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Export: "create", Kind: ActorFunction,
		Args: []byte{1, 0},
	})
	if err != nil {
		t.Fatalf("create resource manager: %v", err)
	}
	mintArgs := make([]byte, 8)
	binary.LittleEndian.PutUint64(mintArgs, 1)
	bucketID, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Receiver: &rmAddr, Export: "mint", Kind: ActorMethod, Args: mintArgs,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	_, err = k.Invoke(Invocation{
		Callee: hoarderBlueprintId, Export: "hoard", Kind: ActorFunction,
		Args: bucketID[:], Message: Message{MovedNodes: []NodeId{bucketID}},
	})
	if err == nil {
		t.Fatalf("expected the hoarding call to fail")
	}
	tagged, ok := err.(TaggedError)
	if !ok || tagged.Kind() != KindKernel {
		t.Fatalf("expected a KernelError, got %T: %v", err, err)
	}
}

// --- S4: insufficient balance with a locked proof ---------------------------

func TestScenarioInsufficientBalanceWithLockedProof(t *testing.T) {
	sys, fee := newTestSystem(1_000_000)
	k, _ := newTestKernelWithSystem(sys, fee)

	rmAddr, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Export: "create", Kind: ActorFunction,
		Args: []byte{1, 0},
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

	account := newTestAccount(k)
	if _, err := k.Invoke(Invocation{
		Callee: AccountBlueprintId, Receiver: &account, Export: "deposit", Kind: ActorMethod,
		Args: bucketID[:], Message: Message{MovedNodes: []NodeId{bucketID}},
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	state, err := loadAccount(k, &account)
	if err != nil {
		t.Fatalf("loadAccount: %v", err)
	}
	vaultID := state.VaultOf[rmAddr]

	if _, err := k.CreateProofFromAmount(vaultID, 100); err != nil {
		t.Fatalf("create_proof: %v", err)
	}

	withdrawArgs := make([]byte, nodeIdSize+8)
	copy(withdrawArgs, rmAddr[:])
	binary.LittleEndian.PutUint64(withdrawArgs[nodeIdSize:], 1)
	_, err = k.Invoke(Invocation{
		Callee: AccountBlueprintId, Receiver: &account, Export: "withdraw", Kind: ActorMethod, Args: withdrawArgs,
	})
	if err == nil {
		t.Fatalf("expected withdraw of 1 to fail while the full 100 is proof-locked")
	}
	tagged, ok := err.(TaggedError)
	if !ok || tagged.Kind() != KindApplication {
		t.Fatalf("expected an ApplicationError, got %T: %v", err, err)
	}
}

// --- S5: unauthorized recall -------------------------------------------------

// TestScenarioUnauthorizedRecall sets RequiredAuth on a recall invocation
// directly to a DenyAll rule (nothing in the kernel derives it from
// ResourceManagerState.RecallRule) and expects AuthModule to reject it
// before the vault is ever touched.
func TestScenarioUnauthorizedRecall(t *testing.T) {
	sys, fee := newTestSystem(1_000_000)
	k, _ := newTestKernelWithSystem(sys, fee)

	rmAddr, err := invokeReturningNodeId(k, Invocation{
		Callee: ResourceManagerBlueprintId, Export: "create", Kind: ActorFunction,
		Args: []byte{1, 0},
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

	vaultID := k.AllocateNodeId(EntityInternalFungibleVault)
	if err := k.CreateNode(vaultID, nil); err != nil {
		t.Fatalf("create vault node: %v", err)
	}
	k.NewContainer(vaultID, rmAddr, true)
	vault, _ := k.Container(vaultID)
	bucket, _ := k.Container(bucketID)
	vault.Put(bucket.Amount)
	if _, err := k.DropNode(bucketID); err != nil {
		t.Fatalf("drop source bucket: %v", err)
	}
	delete(k.containers, bucketID)

	recallArgs := make([]byte, 8)
	binary.LittleEndian.PutUint64(recallArgs, 1)
	_, err = k.Invoke(Invocation{
		Callee: VaultBlueprintId, Receiver: &vaultID, Export: "recall", Kind: ActorMethod,
		Args: recallArgs, RequiredAuth: DenyAllAccessRule(),
	})
	if err == nil {
		t.Fatalf("expected recall to be rejected by the DenyAll rule")
	}
	tagged, ok := err.(TaggedError)
	if !ok || tagged.Kind() != KindModule {
		t.Fatalf("expected a ModuleError, got %T: %v", err, err)
	}
	if vault.Amount != 100 {
		t.Fatalf("expected the vault to be untouched, got %d", vault.Amount)
	}
}

// --- S6: epoch round advance past rounds_per_epoch --------------------------

func TestScenarioEpochRoundAdvance(t *testing.T) {
	events := NewEventModule()
	reg := NewNativeRegistry()
	RegisterEpochManagerBlueprint(reg, events)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	fee := NewFeeReserve(1_000_000)
	mixer := NewModuleMixer(16, 1000, 0, fee, DefaultFeeTable(), log)
	sys := NewSystem(mixer, reg, NewWasmerEngine(), NewGasReserve(1_000_000))
	k, _ := newTestKernelWithSystem(sys, fee)

	roundsPerEpoch := make([]byte, 8)
	binary.LittleEndian.PutUint64(roundsPerEpoch, 3)
	epochMgr, err := invokeReturningNodeId(k, Invocation{
		Callee: EpochManagerBlueprintId, Export: "create", Kind: ActorFunction, Args: roundsPerEpoch,
	})
	if err != nil {
		t.Fatalf("create epoch manager: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := k.Invoke(Invocation{Callee: EpochManagerBlueprintId, Receiver: &epochMgr, Export: "next_round", Kind: ActorMethod}); err != nil {
			t.Fatalf("next_round %d: %v", i, err)
		}
	}
	obj, _ := k.GetObject(epochMgr)
	state := obj.(*EpochManagerState)
	if state.Epoch != 1 || state.Round != 2 {
		t.Fatalf("expected epoch 1 round 2 before rollover, got epoch=%d round=%d", state.Epoch, state.Round)
	}

	if _, err := k.Invoke(Invocation{Callee: EpochManagerBlueprintId, Receiver: &epochMgr, Export: "next_round", Kind: ActorMethod}); err != nil {
		t.Fatalf("next_round rollover: %v", err)
	}
	if state.Epoch != 2 || state.Round != 0 {
		t.Fatalf("expected epoch 2 round 0 after rollover, got epoch=%d round=%d", state.Epoch, state.Round)
	}
	if len(events.Events()) != 1 {
		t.Fatalf("expected exactly one EpochChangeEvent, got %d", len(events.Events()))
	}
}
