package core

// TransactionStatus classifies how a transaction ended (spec.md §4.7:
// "CommitSuccess | CommitFailure | Reject").
type TransactionStatus int

const (
	CommitSuccess TransactionStatus = iota
	CommitFailure
	Reject
)

func (s TransactionStatus) String() string {
	switch s {
	case CommitSuccess:
		return "CommitSuccess"
	case CommitFailure:
		return "CommitFailure"
	case Reject:
		return "Reject"
	default:
		return "Unknown"
	}
}

// FeeSummary is the cost accounting side of a Receipt (spec.md §4.5/§4.6).
type FeeSummary struct {
	CostUnitLimit uint64
	CostUnitsSpent uint64
	XrdLocked     uint64
}

// Receipt is the executor-facing result of running one Manifest: its
// status, the state deltas it produced (on failure, only the FORCE_WRITE
// changes that survive Track's revert), its fee accounting,
// the events it emitted, and — only ever for debugging, never consulted
// by the kernel itself — the KernelTrace/ExecutionTrace record (spec.md
// §4.7).
type Receipt struct {
	Status       TransactionStatus
	StateUpdates StateUpdates
	Fees         FeeSummary
	Events       []Event
	Trace        []TraceEntry
	Error        error
}

// BuildReceipt runs a Manifest against k/sys/tp to completion, classifying
// the outcome and collecting every module's accumulated output. On
// failure, Track.RevertNonForceWriteChanges discards every tracked change
// except those written under a FORCE_WRITE lock, and only those are
// finalized into the receipt.
func BuildReceipt(k *Kernel, track *Track, mixer *ModuleMixer, tp *TransactionProcessor, m *Manifest) *Receipt {
	err := tp.Execute(m)
	fees := FeeSummary{CostUnitLimit: m.FeeLimit}
	if mixer.Costing != nil && mixer.Costing.reserve != nil {
		fees.CostUnitsSpent = mixer.Costing.reserve.Spent()
		fees.XrdLocked = mixer.Costing.reserve.LockedXrd()
	}

	if err != nil {
		track.RevertNonForceWriteChanges()
		return &Receipt{
			Status:       CommitFailure,
			StateUpdates: track.Finalize(),
			Fees:         fees,
			Events:       mixer.Event.Events(),
			Trace:        mixer.ExecutionTrace.Entries(),
			Error:        err,
		}
	}

	return &Receipt{
		Status:       CommitSuccess,
		StateUpdates: track.Finalize(),
		Fees:         fees,
		Events:       mixer.Event.Events(),
		Trace:        mixer.ExecutionTrace.Entries(),
	}
}
