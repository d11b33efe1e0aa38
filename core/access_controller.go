package core

import (
	"encoding/binary"
	"fmt"
)

// AccessControllerState guards a single controlled vault/component behind
// three roles — primary, recovery, confirmation — recoverable either by
// the confirmation role co-signing immediately (quick confirm) or by the
// proposing role alone after a timed delay elapses (spec.md §4.7 native
// blueprint list). While PrimaryLocked is set, initiate_recovery_as_primary
// fails; the blueprint has no withdraw or recall operation of its own.
type AccessControllerState struct {
	Controlled   NodeId
	Primary      *AccessRule
	Recovery     *AccessRule
	Confirmation *AccessRule
	TimedDelay   uint64 // epochs; 0 disables timed (non-confirmed) recovery

	PrimaryLocked bool
	Proposal      *recoveryProposal
}

type recoveryProposal struct {
	ProposerIsPrimary bool
	NewPrimary        *AccessRule
	ProposedAtEpoch    uint64
}

// AccessControllerBlueprintId names the native AccessController blueprint.
var AccessControllerBlueprintId = BlueprintId{Name: "AccessController"}

// Role keys the system layer resolves against this blueprint's
// role-assignment substates before dispatch (spec.md §4.6, §5).
const (
	AccessControllerPrimaryRole      = "primary"
	AccessControllerRecoveryRole     = "recovery"
	AccessControllerConfirmationRole = "confirmation"
)

// RegisterAccessControllerBlueprint installs the AccessController native
// functions (spec.md §4.7: create, initiate_recovery_as_primary,
// initiate_recovery_as_recovery, quick_confirm_recovery,
// timed_confirm_recovery, cancel_recovery_attempt, lock_primary_role,
// unlock_primary_role).
func RegisterAccessControllerBlueprint(reg *NativeRegistry) {
	reg.Register(&BlueprintDefinition{
		Id: AccessControllerBlueprintId,
		Functions: map[string]NativeFunction{
			"create":                        accessControllerCreate,
			"initiate_recovery_as_primary":  accessControllerInitiateAsPrimary,
			"initiate_recovery_as_recovery": accessControllerInitiateAsRecovery,
			"quick_confirm_recovery":        accessControllerQuickConfirm,
			"timed_confirm_recovery":        accessControllerTimedConfirm,
			"cancel_recovery_attempt":       accessControllerCancel,
			"lock_primary_role":             accessControllerLockPrimary,
			"unlock_primary_role":           accessControllerUnlockPrimary,
		},
		MethodRoles: map[string]string{
			"initiate_recovery_as_primary":  AccessControllerPrimaryRole,
			"initiate_recovery_as_recovery": AccessControllerRecoveryRole,
			"quick_confirm_recovery":        AccessControllerConfirmationRole,
			"lock_primary_role":             AccessControllerPrimaryRole,
			"unlock_primary_role":           AccessControllerPrimaryRole,
		},
	})
}

// accessControllerCreate globalizes a new AccessController wrapping
// `controlled`. Args: the 27-byte NodeId of the controlled vault/
// component followed by an 8-byte LE timed-recovery delay in epochs.
// The three roles default to AllowAll: this blueprint has no
// role-configuration entrypoint, and a DenyAll default with no way to ever change it would make every instance
// permanently unusable. The roles are still resolved as real
// role-assignment substates (spec.md §4.6, §5), not skipped.
func accessControllerCreate(apiUntyped KernelApi, _ *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	if len(args) < nodeIdSize+8 {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("create requires controlled id + delay"))
	}
	var controlled NodeId
	copy(controlled[:], args[:nodeIdSize])
	delay := binary.LittleEndian.Uint64(args[nodeIdSize : nodeIdSize+8])

	id := api.AllocateNodeId(EntityGlobalAccessController)
	if err := api.CreateNode(id, nil); err != nil {
		return nil, err
	}
	address := api.AllocateNodeId(EntityGlobalAccessController)
	if err := api.Globalize(id, address); err != nil {
		return nil, err
	}
	state := &AccessControllerState{
		Controlled:   controlled,
		Primary:      AllowAllAccessRule(),
		Recovery:     AllowAllAccessRule(),
		Confirmation: AllowAllAccessRule(),
		TimedDelay:   delay,
	}
	api.SetObject(address, state)
	if err := syncAccessControllerRoles(api, address, state); err != nil {
		return nil, err
	}
	return &DispatchResult{ReturnData: address[:]}, nil
}

// syncAccessControllerRoles writes state's three role rules into the
// node's role-assignment substates, so resolveRequiredAuth sees the
// current rule even after a recovery rotates the primary role.
func syncAccessControllerRoles(api KernelApi, address NodeId, state *AccessControllerState) error {
	if err := SetRoleRule(api, address, AccessControllerPrimaryRole, state.Primary); err != nil {
		return err
	}
	if err := SetRoleRule(api, address, AccessControllerRecoveryRole, state.Recovery); err != nil {
		return err
	}
	return SetRoleRule(api, address, AccessControllerConfirmationRole, state.Confirmation)
}

func loadAccessController(api *Kernel, receiver *NodeId) (*AccessControllerState, error) {
	if receiver == nil {
		return nil, newSystemUpstreamError(ErrReceiverNotMatch, fmt.Errorf("access controller call requires a receiver"))
	}
	obj, ok := api.GetObject(*receiver)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no access controller at %s", *receiver))
	}
	state, ok := obj.(*AccessControllerState)
	if !ok {
		return nil, newSystemUpstreamError(ErrReceiverNotMatch, fmt.Errorf("%s is not an access controller", *receiver))
	}
	return state, nil
}

// accessControllerInitiateAsPrimary is called by the primary role: System.
// BeforeInvoke resolves AccessControllerPrimaryRole against this
// receiver's role-assignment substate into Invocation.RequiredAuth, and
// AuthModule enforces it before this function runs. It proposes replacing
// the primary role; only one proposal may be outstanding at a time.
func accessControllerInitiateAsPrimary(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	return initiateRecovery(apiUntyped, receiver, args, true)
}

// accessControllerInitiateAsRecovery is the recovery role's counterpart;
// the recovery role, not primary, can start a recovery attempt even while
// primary is locked.
func accessControllerInitiateAsRecovery(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	return initiateRecovery(apiUntyped, receiver, args, false)
}

func initiateRecovery(apiUntyped KernelApi, receiver *NodeId, args []byte, asPrimary bool) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadAccessController(api, receiver)
	if err != nil {
		return nil, err
	}
	if state.Proposal != nil {
		return nil, newApplicationError(ErrAccessControllerOp, fmt.Errorf("a recovery attempt is already pending"))
	}
	if asPrimary && state.PrimaryLocked {
		return nil, newApplicationError(ErrAccessControllerOp, fmt.Errorf("primary role is locked"))
	}
	if len(args) < 1 {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("initiate_recovery requires a rule selector byte"))
	}
	var newPrimary *AccessRule
	if args[0] == 0 {
		newPrimary = DenyAllAccessRule()
	} else {
		newPrimary = AllowAllAccessRule()
	}
	state.Proposal = &recoveryProposal{ProposerIsPrimary: asPrimary, NewPrimary: newPrimary, ProposedAtEpoch: currentEpoch(api, receiver)}
	return &DispatchResult{}, nil
}

func currentEpoch(api *Kernel, fallback *NodeId) uint64 {
	// always 0: the access controller is not bound to an epoch manager, so
	// proposals are stamped epoch 0 and timed_confirm_recovery compares the
	// caller-supplied epoch against TimedDelay alone.
	_ = fallback
	return 0
}

// accessControllerQuickConfirm is the confirmation role co-signing an
// outstanding proposal, applying it immediately regardless of
// TimedDelay (spec.md §4.7 "quick_confirm_recovery").
func accessControllerQuickConfirm(apiUntyped KernelApi, receiver *NodeId, _ []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadAccessController(api, receiver)
	if err != nil {
		return nil, err
	}
	if state.Proposal == nil {
		return nil, newApplicationError(ErrAccessControllerOp, fmt.Errorf("no recovery attempt pending"))
	}
	state.Primary = state.Proposal.NewPrimary
	state.Proposal = nil
	state.PrimaryLocked = false
	if err := syncAccessControllerRoles(api, *receiver, state); err != nil {
		return nil, err
	}
	return &DispatchResult{}, nil
}

// accessControllerTimedConfirm lets the proposer alone apply the change
// once TimedDelay has elapsed without a confirmation co-sign (spec.md
// §4.7 "timed_confirm_recovery"). Args: current epoch (8-byte LE), so the
// caller's transaction processor supplies the clock.
func accessControllerTimedConfirm(apiUntyped KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadAccessController(api, receiver)
	if err != nil {
		return nil, err
	}
	if state.Proposal == nil {
		return nil, newApplicationError(ErrAccessControllerOp, fmt.Errorf("no recovery attempt pending"))
	}
	if state.TimedDelay == 0 {
		return nil, newApplicationError(ErrAccessControllerOp, fmt.Errorf("timed recovery disabled for this controller"))
	}
	if len(args) < 8 {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("timed_confirm_recovery requires an 8-byte epoch"))
	}
	epoch := binary.LittleEndian.Uint64(args[:8])
	if epoch < state.Proposal.ProposedAtEpoch+state.TimedDelay {
		return nil, newApplicationError(ErrAccessControllerOp, fmt.Errorf("delay has not elapsed"))
	}
	state.Primary = state.Proposal.NewPrimary
	state.Proposal = nil
	state.PrimaryLocked = false
	if err := syncAccessControllerRoles(api, *receiver, state); err != nil {
		return nil, err
	}
	return &DispatchResult{}, nil
}

func accessControllerCancel(apiUntyped KernelApi, receiver *NodeId, _ []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadAccessController(api, receiver)
	if err != nil {
		return nil, err
	}
	state.Proposal = nil
	return &DispatchResult{}, nil
}

// accessControllerLockPrimary sets PrimaryLocked, after which
// initiate_recovery_as_primary fails with ErrAccessControllerOp until
// unlock_primary_role or a confirmed recovery clears the flag. No other
// export checks the flag.
func accessControllerLockPrimary(apiUntyped KernelApi, receiver *NodeId, _ []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadAccessController(api, receiver)
	if err != nil {
		return nil, err
	}
	state.PrimaryLocked = true
	return &DispatchResult{}, nil
}

func accessControllerUnlockPrimary(apiUntyped KernelApi, receiver *NodeId, _ []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadAccessController(api, receiver)
	if err != nil {
		return nil, err
	}
	state.PrimaryLocked = false
	return &DispatchResult{}, nil
}
