package core

// InstructionKind tags the variant an Instruction carries (spec.md §4.7:
// the transaction processor interprets a manifest's instructions in
// order, maintaining id-remapping tables for buckets and proofs created
// mid-manifest).
type InstructionKind int

const (
	InstrCallFunction InstructionKind = iota
	InstrCallMethod
	InstrPublishPackage
	InstrTakeFromWorktop
	InstrTakeAllFromWorktop
	InstrTakeNonFungiblesFromWorktop
	InstrReturnToWorktop
	InstrAssertWorktopContains
	InstrPopFromAuthZone
	InstrPushToAuthZone
	InstrCreateProofFromAuthZoneOfAmount
	InstrCreateProofFromAuthZoneOfNonFungibles
	InstrCreateProofFromAuthZoneOfAll
	InstrDropAuthZoneProofs
	InstrDropAllProofs
	InstrCreateProofFromBucket
	InstrCallMethodWithAllResources
)

// Instruction is one manifest step. Buckets and proofs produced or
// consumed by an instruction are referenced by a manifest-local id
// (BucketId/ProofId) rather than a runtime NodeId — the transaction
// processor owns the id -> NodeId remapping table (spec.md §4.7).
type Instruction struct {
	Kind InstructionKind

	// CallFunction / CallMethod / PublishPackage
	Callee   BlueprintId
	Receiver *NodeId
	Export   string
	Args     []byte
	Code     []byte // PublishPackage only
	ArgBucketIds []uint32 // manifest bucket ids to move into Args as owned nodes
	ArgProofIds  []uint32

	// Worktop instructions
	Resource     NodeId
	Amount       uint64
	NonFungibleIds []string
	BucketId     uint32 // id this instruction produces or consumes

	// AuthZone instructions
	ProofId uint32
}

// Manifest is an ordered instruction list plus the set of proofs the
// transaction's signatures contribute (spec.md §4.6 "initial virtual
// proofs"). TransactionProcessor does not read SignerProofs: the root auth
// zone's virtual proofs are the ones passed to NewKernel.
type Manifest struct {
	Instructions  []Instruction
	SignerProofs  []VirtualProof
	FeePayer      *NodeId // account to auto-lock the fee from and auto-deposit leftovers into
	FeeLimit      uint64
}
