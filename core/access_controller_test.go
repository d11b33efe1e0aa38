package core

import (
	"encoding/binary"
	"testing"
)

func newAccessControllerTestKernel() (*Kernel, *System) {
	sys, fee := newTestSystem(1_000_000)
	k, _ := newTestKernelWithSystem(sys, fee)
	return k, sys
}

func createAccessController(t *testing.T, k *Kernel, controlled NodeId, delay uint64) NodeId {
	t.Helper()
	args := make([]byte, nodeIdSize+8)
	copy(args, controlled[:])
	binary.LittleEndian.PutUint64(args[nodeIdSize:], delay)
	acAddr, err := invokeReturningNodeId(k, Invocation{
		Callee: AccessControllerBlueprintId, Export: "create", Kind: ActorFunction, Args: args,
	})
	if err != nil {
		t.Fatalf("create access controller: %v", err)
	}
	return acAddr
}

// TestAccessControllerQuickConfirmRecoveryFlow walks the primary-proposes
// / confirmation-co-signs happy path: initiate_recovery_as_primary then
// quick_confirm_recovery applies the proposed primary rule immediately and
// clears the pending proposal.
func TestAccessControllerQuickConfirmRecoveryFlow(t *testing.T) {
	k, _ := newAccessControllerTestKernel()
	controlled := NodeId{5}
	acAddr := createAccessController(t, k, controlled, 0)

	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "initiate_recovery_as_primary",
		Kind: ActorMethod, Args: []byte{1},
	}); err != nil {
		t.Fatalf("initiate_recovery_as_primary: %v", err)
	}

	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "initiate_recovery_as_primary",
		Kind: ActorMethod, Args: []byte{1},
	}); err == nil {
		t.Fatalf("expected a second concurrent proposal to be rejected")
	}

	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "quick_confirm_recovery", Kind: ActorMethod,
	}); err != nil {
		t.Fatalf("quick_confirm_recovery: %v", err)
	}

	obj, _ := k.GetObject(acAddr)
	state := obj.(*AccessControllerState)
	if state.Proposal != nil {
		t.Fatalf("expected the proposal to be cleared after quick confirm")
	}
	if state.Primary == nil {
		t.Fatalf("expected the primary rule to have been replaced")
	}

	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "quick_confirm_recovery", Kind: ActorMethod,
	}); err == nil {
		t.Fatalf("expected quick_confirm_recovery with no pending proposal to fail")
	}
}

// TestAccessControllerTimedConfirmRequiresDelayElapsed exercises the
// recovery-role path: initiate_recovery_as_recovery, then
// timed_confirm_recovery rejected before the delay elapses and accepted
// once the supplied epoch clears it.
func TestAccessControllerTimedConfirmRequiresDelayElapsed(t *testing.T) {
	k, _ := newAccessControllerTestKernel()
	controlled := NodeId{6}
	acAddr := createAccessController(t, k, controlled, 10)

	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "initiate_recovery_as_recovery",
		Kind: ActorMethod, Args: []byte{1},
	}); err != nil {
		t.Fatalf("initiate_recovery_as_recovery: %v", err)
	}

	tooEarly := make([]byte, 8)
	binary.LittleEndian.PutUint64(tooEarly, 5)
	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "timed_confirm_recovery",
		Kind: ActorMethod, Args: tooEarly,
	}); err == nil {
		t.Fatalf("expected timed_confirm_recovery to fail before the delay elapses")
	}

	late := make([]byte, 8)
	binary.LittleEndian.PutUint64(late, 10)
	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "timed_confirm_recovery",
		Kind: ActorMethod, Args: late,
	}); err != nil {
		t.Fatalf("timed_confirm_recovery: %v", err)
	}

	obj, _ := k.GetObject(acAddr)
	state := obj.(*AccessControllerState)
	if state.Proposal != nil {
		t.Fatalf("expected the proposal to be cleared after the timed confirm")
	}
}

// TestAccessControllerTimedConfirmDisabledWithoutDelay checks a zero
// TimedDelay disables the non-confirmed recovery path entirely.
func TestAccessControllerTimedConfirmDisabledWithoutDelay(t *testing.T) {
	k, _ := newAccessControllerTestKernel()
	acAddr := createAccessController(t, k, NodeId{7}, 0)

	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "initiate_recovery_as_primary",
		Kind: ActorMethod, Args: []byte{1},
	}); err != nil {
		t.Fatalf("initiate_recovery_as_primary: %v", err)
	}

	args := make([]byte, 8)
	binary.LittleEndian.PutUint64(args, 0)
	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "timed_confirm_recovery",
		Kind: ActorMethod, Args: args,
	}); err == nil {
		t.Fatalf("expected timed_confirm_recovery to be rejected with TimedDelay 0")
	}
}

// TestAccessControllerCancelAndLockPrimary covers cancel_recovery_attempt
// clearing a pending proposal without applying it, and
// lock_primary_role/unlock_primary_role toggling PrimaryLocked.
func TestAccessControllerCancelAndLockPrimary(t *testing.T) {
	k, _ := newAccessControllerTestKernel()
	acAddr := createAccessController(t, k, NodeId{8}, 0)

	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "initiate_recovery_as_recovery",
		Kind: ActorMethod, Args: []byte{1},
	}); err != nil {
		t.Fatalf("initiate_recovery_as_recovery: %v", err)
	}
	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "cancel_recovery_attempt", Kind: ActorMethod,
	}); err != nil {
		t.Fatalf("cancel_recovery_attempt: %v", err)
	}

	obj, _ := k.GetObject(acAddr)
	state := obj.(*AccessControllerState)
	if state.Proposal != nil {
		t.Fatalf("expected cancel_recovery_attempt to clear the pending proposal")
	}

	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "lock_primary_role", Kind: ActorMethod,
	}); err != nil {
		t.Fatalf("lock_primary_role: %v", err)
	}
	if !state.PrimaryLocked {
		t.Fatalf("expected PrimaryLocked to be set")
	}

	if _, err := k.Invoke(Invocation{
		Callee: AccessControllerBlueprintId, Receiver: &acAddr, Export: "unlock_primary_role", Kind: ActorMethod,
	}); err != nil {
		t.Fatalf("unlock_primary_role: %v", err)
	}
	if state.PrimaryLocked {
		t.Fatalf("expected PrimaryLocked to be cleared")
	}
}
