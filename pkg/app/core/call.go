// Package core holds the primitives shared by the escrow, order, admin and
// settlement components: the call context, error kinds, the undo journal and
// the reentrancy guard.
package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Call is the execution context of a single core operation.
// It is supplied by the runtime, never by the user payload.
type Call struct {
	Caller common.Address // authenticated sender
	Time   uint64         // block timestamp (Unix seconds)
	Value  *uint256.Int   // native value attached to the call (nil = 0)
}

// AttachedValue returns the attached value, treating nil as zero.
func (c Call) AttachedValue() *uint256.Int {
	if c.Value == nil {
		return new(uint256.Int)
	}
	return c.Value
}
