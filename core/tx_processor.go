package core

import "fmt"

// TransactionProcessor interprets one Manifest against a Kernel/System
// pair, maintaining the bucket/proof id-remapping tables spec.md §4.7
// describes and the Worktop staging area instructions move resources
// through. One instance is used for exactly one transaction.
type TransactionProcessor struct {
	kernel  *Kernel
	system  *System
	worktop *Worktop
	buckets map[uint32]NodeId
	proofs  map[uint32]NodeId
}

// NewTransactionProcessor wires a fresh processor around an already
// constructed Kernel/System pair (AuthModule.Bind must already have been
// called on the System's auth stage by the caller).
func NewTransactionProcessor(k *Kernel, s *System) *TransactionProcessor {
	return &TransactionProcessor{
		kernel:  k,
		system:  s,
		worktop: NewWorktop(k),
		buckets: make(map[uint32]NodeId),
		proofs:  make(map[uint32]NodeId),
	}
}

// Execute runs every instruction in order, locking the manifest's fee
// before the first instruction and auto-depositing any worktop leftovers
// into FeePayer after the last (spec.md §4.7). It never panics on a
// failed instruction: a failure aborts the manifest and is returned as an
// error, leaving Receipt construction (receipt.go) to classify it as
// CommitFailure.
func (tp *TransactionProcessor) Execute(m *Manifest) error {
	if m.FeePayer != nil && m.FeeLimit > 0 {
		if err := tp.lockFee(*m.FeePayer, m.FeeLimit); err != nil {
			return fmt.Errorf("lock_fee: %w", err)
		}
	}
	for i, instr := range m.Instructions {
		if err := tp.execute(instr); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	if m.FeePayer != nil {
		if err := tp.autoDeposit(*m.FeePayer); err != nil {
			return fmt.Errorf("auto-deposit: %w", err)
		}
	}
	return nil
}

// lockFee is a best-effort convenience: it assumes the fee payer's
// account already holds a vault for whatever resource the manifest's
// FeeLimit is denominated in. Real manifests express this as an explicit
// CallMethod instruction instead; this helper exists so FeePayer/FeeLimit
// alone are enough to exercise costing in tests.
func (tp *TransactionProcessor) lockFee(payer NodeId, limit uint64) error {
	obj, ok := tp.kernel.GetObject(payer)
	if !ok {
		return newKernelError(ErrNodeNotFound, fmt.Errorf("no account at %s", payer))
	}
	state, ok := obj.(*AccountState)
	if !ok {
		return newSystemUpstreamError(ErrReceiverNotMatch, fmt.Errorf("%s is not an account", payer))
	}
	for resource := range state.VaultOf {
		args := make([]byte, nodeIdSize+8)
		copy(args, resource[:])
		leUint64Into(args[nodeIdSize:], limit)
		_, err := tp.kernel.Invoke(Invocation{
			Callee: AccountBlueprintId, Receiver: &payer, Export: "lock_fee",
			Kind: ActorMethod, Args: args,
		})
		return err
	}
	return newApplicationError(ErrInsufficientBalance, fmt.Errorf("fee payer %s has no vaults to lock fee from", payer))
}

func (tp *TransactionProcessor) autoDeposit(payer NodeId) error {
	for _, bucketID := range tp.worktop.Drain() {
		args := make([]byte, nodeIdSize)
		copy(args, bucketID[:])
		_, err := tp.kernel.Invoke(Invocation{
			Callee: AccountBlueprintId, Receiver: &payer, Export: "deposit",
			Kind: ActorMethod, Args: args, Message: Message{MovedNodes: []NodeId{bucketID}},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (tp *TransactionProcessor) execute(instr Instruction) error {
	switch instr.Kind {
	case InstrCallFunction, InstrCallMethod:
		return tp.executeCall(instr)
	case InstrCallMethodWithAllResources:
		return tp.executeCallWithAllResources(instr)
	case InstrPublishPackage:
		pkg := tp.kernel.AllocateNodeId(EntityGlobalPackage)
		tp.system.PublishPackage(pkg, instr.Code)
		return nil
	case InstrTakeFromWorktop:
		id, err := tp.worktop.Take(instr.Resource, instr.Amount)
		if err != nil {
			return err
		}
		tp.buckets[instr.BucketId] = id
		return nil
	case InstrTakeAllFromWorktop:
		id, err := tp.worktop.TakeAll(instr.Resource)
		if err != nil {
			return err
		}
		tp.buckets[instr.BucketId] = id
		return nil
	case InstrTakeNonFungiblesFromWorktop:
		id, err := tp.worktop.TakeNonFungibles(instr.Resource, instr.NonFungibleIds)
		if err != nil {
			return err
		}
		tp.buckets[instr.BucketId] = id
		return nil
	case InstrReturnToWorktop:
		id, ok := tp.buckets[instr.BucketId]
		if !ok {
			return newApplicationError(ErrInputDecodeError, fmt.Errorf("unknown bucket id %d", instr.BucketId))
		}
		delete(tp.buckets, instr.BucketId)
		return tp.worktop.Put(id)
	case InstrAssertWorktopContains:
		return tp.worktop.AssertContains(instr.Resource, instr.Amount)
	case InstrPopFromAuthZone:
		zone := tp.kernel.CurrentAuthZone()
		ps := zone.Proofs()
		if len(ps) == 0 {
			return newApplicationError(ErrAuthorizationFailed, fmt.Errorf("auth zone is empty"))
		}
		id := ps[len(ps)-1]
		zone.PopProof()
		tp.proofs[instr.ProofId] = id
		tp.kernel.CurrentFrame().AddOwnedNode(id)
		return nil
	case InstrPushToAuthZone:
		id, ok := tp.proofs[instr.ProofId]
		if !ok {
			return newApplicationError(ErrInputDecodeError, fmt.Errorf("unknown proof id %d", instr.ProofId))
		}
		delete(tp.proofs, instr.ProofId)
		tp.kernel.CurrentAuthZone().PushProof(id)
		return nil
	case InstrCreateProofFromAuthZoneOfAmount:
		id, err := tp.kernel.ComposeProofFromAuthZone(tp.kernel.CurrentAuthZone(), ResourceOrNonFungible{Resource: instr.Resource}, instr.Amount)
		if err != nil {
			return err
		}
		tp.proofs[instr.ProofId] = id
		tp.kernel.CurrentFrame().AddOwnedNode(id)
		return nil
	case InstrCreateProofFromAuthZoneOfNonFungibles:
		var last error
		for _, nfid := range instr.NonFungibleIds {
			id, err := tp.kernel.ComposeProofFromAuthZone(tp.kernel.CurrentAuthZone(), ResourceOrNonFungible{Resource: instr.Resource, NonFungible: true, NonFungibleId: nfid}, 0)
			if err != nil {
				last = err
				continue
			}
			tp.proofs[instr.ProofId] = id
			tp.kernel.CurrentFrame().AddOwnedNode(id)
		}
		return last
	case InstrCreateProofFromAuthZoneOfAll:
		id, err := tp.kernel.ComposeProofFromAuthZone(tp.kernel.CurrentAuthZone(), ResourceOrNonFungible{Resource: instr.Resource}, 0)
		if err != nil {
			return err
		}
		tp.proofs[instr.ProofId] = id
		tp.kernel.CurrentFrame().AddOwnedNode(id)
		return nil
	case InstrDropAuthZoneProofs:
		zone := tp.kernel.CurrentAuthZone()
		for _, id := range zone.Proofs() {
			_ = tp.kernel.DropProof(id)
		}
		*zone = *NewAuthZone(zone.parent, zone.isBarrier, zone.VirtualProofs())
		return nil
	case InstrDropAllProofs:
		for _, id := range tp.proofs {
			_ = tp.kernel.DropProof(id)
		}
		tp.proofs = make(map[uint32]NodeId)
		return nil
	case InstrCreateProofFromBucket:
		id, ok := tp.buckets[instr.BucketId]
		if !ok {
			return newApplicationError(ErrInputDecodeError, fmt.Errorf("unknown bucket id %d", instr.BucketId))
		}
		var proofID NodeId
		var err error
		if len(instr.NonFungibleIds) > 0 {
			proofID, err = tp.kernel.CreateProofFromIds(id, instr.NonFungibleIds)
		} else {
			proofID, err = tp.kernel.CreateProofFromAmount(id, instr.Amount)
		}
		if err != nil {
			return err
		}
		tp.proofs[instr.ProofId] = proofID
		tp.kernel.CurrentFrame().AddOwnedNode(proofID)
		return nil
	default:
		return newApplicationError(ErrInvalidInvocation, fmt.Errorf("unknown instruction kind %d", instr.Kind))
	}
}

// executeCall remaps an instruction's manifest-local bucket/proof ids into
// Message.MovedNodes, appends the resolved NodeIds (buckets, then proofs)
// to the call's Args, and invokes through the kernel, the same path any
// other caller uses (spec.md §4.7 "instructions drive the same invoke
// machinery as direct calls").
func (tp *TransactionProcessor) executeCall(instr Instruction) error {
	var moved []NodeId
	for _, bid := range instr.ArgBucketIds {
		id, ok := tp.buckets[bid]
		if !ok {
			return newApplicationError(ErrInputDecodeError, fmt.Errorf("unknown bucket id %d", bid))
		}
		delete(tp.buckets, bid)
		moved = append(moved, id)
	}
	for _, pid := range instr.ArgProofIds {
		id, ok := tp.proofs[pid]
		if !ok {
			return newApplicationError(ErrInputDecodeError, fmt.Errorf("unknown proof id %d", pid))
		}
		delete(tp.proofs, pid)
		moved = append(moved, id)
	}
	kind := ActorFunction
	if instr.Kind == InstrCallMethod {
		kind = ActorMethod
	}
	args := append([]byte(nil), instr.Args...)
	for _, id := range moved {
		args = append(args, id[:]...)
	}
	ret, err := tp.kernel.Invoke(Invocation{
		Callee: instr.Callee, Receiver: instr.Receiver, Export: instr.Export,
		Kind: kind, Args: args, Message: Message{MovedNodes: moved},
	})
	if err != nil {
		return err
	}
	return tp.autoPushReturned(ret)
}

// executeCallWithAllResources implements CALL_METHOD_WITH_ALL_RESOURCES
// (spec.md §4.7): every outstanding proof in the auth zone is dropped,
// every bucket left on the worktop is drained and passed as the call's
// moved nodes, with their NodeIds appended to Args, and the result is
// staged back through the usual
// auto-push machinery.
func (tp *TransactionProcessor) executeCallWithAllResources(instr Instruction) error {
	zone := tp.kernel.CurrentAuthZone()
	for _, id := range zone.Proofs() {
		_ = tp.kernel.DropProof(id)
	}
	*zone = *NewAuthZone(zone.parent, zone.isBarrier, zone.VirtualProofs())

	moved := tp.worktop.Drain()
	args := append([]byte(nil), instr.Args...)
	for _, id := range moved {
		args = append(args, id[:]...)
	}
	ret, err := tp.kernel.Invoke(Invocation{
		Callee: instr.Callee, Receiver: instr.Receiver, Export: instr.Export,
		Kind: ActorMethod, Args: args, Message: Message{MovedNodes: moved},
	})
	if err != nil {
		return err
	}
	return tp.autoPushReturned(ret)
}

// autoPushReturned implements the worktop/auth-zone auto-push convention: a
// call that hands back a single bucket or proof NodeId (withdraw, mint,
// create_proof, ...) need not be followed by an explicit
// RETURN_TO_WORKTOP/PUSH_TO_AUTH_ZONE instruction — the transaction
// processor recognizes the shape and stages it itself (spec.md §4.7
// "every returned bucket is auto-deposited onto the worktop and every
// returned proof is auto-pushed onto the auth-zone").
func (tp *TransactionProcessor) autoPushReturned(ret []byte) error {
	if len(ret) != nodeIdSize {
		return nil
	}
	var id NodeId
	copy(id[:], ret)
	if !tp.kernel.CurrentFrame().OwnsNode(id) {
		return nil
	}
	if tp.kernel.isProof(id) {
		tp.kernel.CurrentAuthZone().PushProof(id)
		return nil
	}
	if _, ok := tp.kernel.Container(id); ok {
		return tp.worktop.Put(id)
	}
	return nil
}

func leUint64Into(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
