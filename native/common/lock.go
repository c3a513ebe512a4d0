package common

import (
	"errors"
	"sync/atomic"
)

// ErrReentrant is returned when a ledger entry point is entered while another
// call on the same object is still running, typically from a collaborator
// calling back in.
var ErrReentrant = errors.New("reentrant call")

// Lock is a non-blocking reentrancy guard. Overlapping calls fail instead of
// waiting, so a callback into the same engine aborts rather than interleaves.
type Lock struct {
	held atomic.Bool
}

// Enter acquires the lock or returns ErrReentrant.
func (l *Lock) Enter() error {
	if !l.held.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	return nil
}

// Exit releases the lock.
func (l *Lock) Exit() {
	l.held.Store(false)
}

// Held reports whether a call is in flight.
func (l *Lock) Held() bool { return l.held.Load() }
