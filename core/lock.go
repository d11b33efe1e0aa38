package core

// LockFlags gates how acquire_lock behaves (spec.md §4.1).
type LockFlags uint8

const (
	// LockRead is the zero value: a shared, read-only lock.
	LockRead LockFlags = 0
	// LockMutable requests an exclusive write lock.
	LockMutable LockFlags = 1 << iota
	// LockUnmodifiedBase additionally requires the substate to currently be
	// ReadOnly(Existent) — used by callers that must prove they observed
	// the base value and nothing else touched it since.
	LockUnmodifiedBase
	// LockForceWrite makes the eventual release durably record the write
	// into Track's separate force_updates map, surviving a subsequent
	// revert_non_force_write_changes. Reserved for fee accounting.
	LockForceWrite
)

func (f LockFlags) has(bit LockFlags) bool { return f&bit != 0 }

// readOnlyLockFlags is the flag value used by callers that only ever read.
func readOnlyLockFlags() LockFlags { return LockRead }

// substateLockState tracks outstanding locks on one substate: either a read
// count or an exclusive write flag (spec.md §4.1 invariant 6; grounded on
// radix-engine/src/track/track.rs SubstateLockState).
type substateLockState struct {
	readCount int
	write     bool
}

func noLock() substateLockState { return substateLockState{} }

func (s substateLockState) isLocked() bool { return s.write || s.readCount > 0 }

// tryLock attempts to apply flags to the lock state, in place. It returns
// an error if the requested lock conflicts with an outstanding lock.
func (s *substateLockState) tryLock(flags LockFlags) error {
	if flags.has(LockMutable) {
		if s.isLocked() {
			return newKernelError(ErrSubstateLocked, nil)
		}
		s.write = true
		return nil
	}
	if s.write {
		return newKernelError(ErrSubstateLocked, nil)
	}
	s.readCount++
	return nil
}

func (s *substateLockState) unlock(flags LockFlags) {
	if flags.has(LockMutable) {
		s.write = false
		return
	}
	if s.readCount > 0 {
		s.readCount--
	}
}
