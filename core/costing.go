package core

import "fmt"

// FeeTable prices every metered kernel callback (spec.md §4.5). Values are
// arbitrary cost units, not a real currency; CostingModule multiplies them
// against a FeeReserve funded by a vault lock at the start of the
// transaction (tx_processor.go).
type FeeTable struct {
	Invoke        uint64
	CreateNode    uint64
	OpenSubstate  uint64
	CloseSubstate uint64
	PerByteArg    uint64
}

// DefaultFeeTable mirrors the relative weights in the teacher's
// core/gas_table.go (invocation and storage ops cost more than reads).
func DefaultFeeTable() FeeTable {
	return FeeTable{
		Invoke:        500,
		CreateNode:    300,
		OpenSubstate:  100,
		CloseSubstate: 50,
		PerByteArg:    1,
	}
}

// FeeReserve tracks how much of a locked fee budget has been spent
// (spec.md §4.5). It never goes negative: once exhausted, every further
// charge fails with ErrCostLimitExceeded, which CostingModule turns into a
// transaction abort.
type FeeReserve struct {
	limit     uint64
	spent     uint64
	lockedXrd uint64 // cumulative amount locked in from vault.lock_fee calls
}

// NewFeeReserve opens a reserve funded by locking `limit` cost units from
// the fee-paying vault (tx_processor.go's XRD-payment step, generalized).
func NewFeeReserve(limit uint64) *FeeReserve {
	return &FeeReserve{limit: limit}
}

// LockXrd records additional budget locked in by a vault.lock_fee call
// (vault_blueprint.go), raising the reserve's spending limit by the same
// amount.
func (r *FeeReserve) LockXrd(amount uint64) {
	r.lockedXrd += amount
	r.limit += amount
}

// LockedXrd returns the total amount locked in across all lock_fee calls.
func (r *FeeReserve) LockedXrd() uint64 { return r.lockedXrd }

// Charge debits units from the reserve, failing once the limit is reached.
func (r *FeeReserve) Charge(units uint64) error {
	if r.spent+units > r.limit {
		return newModuleError(ErrCostLimitExceeded, fmt.Errorf("would spend %d of %d remaining", units, r.limit-r.spent))
	}
	r.spent += units
	return nil
}

// Spent returns the total cost units charged so far.
func (r *FeeReserve) Spent() uint64 { return r.spent }

// Remaining returns the unspent portion of the reserve.
func (r *FeeReserve) Remaining() uint64 { return r.limit - r.spent }
