package core

import (
	"encoding/binary"
	"fmt"
)

// EpochManagerState tracks the current epoch/round and emits an epoch-
// change event when a round advance crosses the configured rounds-per-
// epoch boundary (spec.md §4.7 native blueprint list; scenario S6: round
// advance).
type EpochManagerState struct {
	Epoch          uint64
	Round          uint64
	RoundsPerEpoch uint64
}

// EpochManagerBlueprintId names the native EpochManager blueprint.
var EpochManagerBlueprintId = BlueprintId{Name: "EpochManager"}

// RegisterEpochManagerBlueprint installs the EpochManager native
// functions. EventModule is threaded through so next_round can emit an
// EpochChange event on rollover (spec.md §4.5 module mixer: event
// emitters).
func RegisterEpochManagerBlueprint(reg *NativeRegistry, events *EventModule) {
	reg.Register(&BlueprintDefinition{
		Id: EpochManagerBlueprintId,
		Functions: map[string]NativeFunction{
			"create": epochManagerCreate,
			"next_round": func(api KernelApi, receiver *NodeId, args []byte) (*DispatchResult, error) {
				return epochManagerNextRound(api, receiver, args, events)
			},
			"get_epoch": epochManagerGetEpoch,
		},
	})
}

func epochManagerCreate(apiUntyped KernelApi, _ *NodeId, args []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	if len(args) < 8 {
		return nil, newSystemUpstreamError(ErrInputDecodeError, fmt.Errorf("create requires an 8-byte rounds-per-epoch"))
	}
	roundsPerEpoch := binary.LittleEndian.Uint64(args[:8])

	id := api.AllocateNodeId(EntityGlobalConsensusManager)
	if err := api.CreateNode(id, nil); err != nil {
		return nil, err
	}
	address := api.AllocateNodeId(EntityGlobalConsensusManager)
	if err := api.Globalize(id, address); err != nil {
		return nil, err
	}
	api.SetObject(address, &EpochManagerState{Epoch: 1, RoundsPerEpoch: roundsPerEpoch})
	return &DispatchResult{ReturnData: address[:]}, nil
}

func loadEpochManager(api *Kernel, receiver *NodeId) (*EpochManagerState, error) {
	if receiver == nil {
		return nil, newSystemUpstreamError(ErrReceiverNotMatch, fmt.Errorf("epoch manager call requires a receiver"))
	}
	obj, ok := api.GetObject(*receiver)
	if !ok {
		return nil, newKernelError(ErrNodeNotFound, fmt.Errorf("no epoch manager at %s", *receiver))
	}
	state, ok := obj.(*EpochManagerState)
	if !ok {
		return nil, newSystemUpstreamError(ErrReceiverNotMatch, fmt.Errorf("%s is not an epoch manager", *receiver))
	}
	return state, nil
}

// epochManagerNextRound advances the round counter, rolling over to a new
// epoch (and emitting an EpochChange event) once RoundsPerEpoch is
// reached. Args: none.
func epochManagerNextRound(apiUntyped KernelApi, receiver *NodeId, _ []byte, events *EventModule) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadEpochManager(api, receiver)
	if err != nil {
		return nil, err
	}
	state.Round++
	if state.Round >= state.RoundsPerEpoch {
		state.Round = 0
		state.Epoch++
		if events != nil {
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint64(payload, state.Epoch)
			events.Emit(EpochManagerBlueprintId, "EpochChangeEvent", payload)
		}
	}
	return &DispatchResult{}, nil
}

func epochManagerGetEpoch(apiUntyped KernelApi, receiver *NodeId, _ []byte) (*DispatchResult, error) {
	api := apiUntyped.(*Kernel)
	state, err := loadEpochManager(api, receiver)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, state.Epoch)
	return &DispatchResult{ReturnData: buf}, nil
}
