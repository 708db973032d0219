package core

import (
	"fmt"
	"sync/atomic"
)

// Guard is a scoped reentrancy lock. It is held for the whole of a
// mutating call; any entry attempted while it is held fails fast.
type Guard struct {
	held atomic.Bool
}

// Enter acquires the guard or returns ErrReentrantCall.
func (g *Guard) Enter(op string) error {
	if !g.held.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s while another call is in progress", ErrReentrantCall, op)
	}
	return nil
}

// Exit releases the guard.
func (g *Guard) Exit() {
	g.held.Store(false)
}

// Held reports whether a call currently holds the guard.
func (g *Guard) Held() bool {
	return g.held.Load()
}
