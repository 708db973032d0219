package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/tradebot/pkg/app/core"
)

// Transferer pays native value out of the escrow to an account.
type Transferer interface {
	Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Ledger tracks the native-value balance escrowed by each account.
// Balances never go negative and every credit is checked for 256-bit overflow.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
	out      Transferer
}

// NewLedger creates an empty ledger paying withdrawals through out.
func NewLedger(out Transferer) *Ledger {
	return &Ledger{
		balances: make(map[common.Address]*uint256.Int),
		out:      out,
	}
}

// Deposit credits exactly amount to acct.
func (l *Ledger) Deposit(acct common.Address, amount *uint256.Int, j *core.Journal) error {
	return l.Credit(acct, amount, j)
}

// Credit adds amount to acct's balance.
func (l *Ledger) Credit(acct common.Address, amount *uint256.Int, j *core.Journal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.balanceLocked(acct)
	next, overflow := new(uint256.Int).AddOverflow(prev, amount)
	if overflow {
		return fmt.Errorf("%w: deposit of %s to %s", core.ErrOverflow, amount.Dec(), acct.Hex())
	}
	l.setLocked(acct, next, j)
	return nil
}

// Debit removes amount from acct's balance.
func (l *Ledger) Debit(acct common.Address, amount *uint256.Int, j *core.Journal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.balanceLocked(acct)
	if prev.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", core.ErrInsufficientBalance, acct.Hex(), prev.Dec(), amount.Dec())
	}
	l.setLocked(acct, new(uint256.Int).Sub(prev, amount), j)
	return nil
}

// Withdraw decrements acct's balance and then sends amount out.
// A failed transfer restores the balance and returns ErrExternalCallFailed.
func (l *Ledger) Withdraw(ctx context.Context, acct common.Address, amount *uint256.Int, j *core.Journal) error {
	local := core.NewJournal()
	if err := l.Debit(acct, amount, local); err != nil {
		return err
	}
	if l.out != nil {
		if err := l.out.Transfer(ctx, acct, amount); err != nil {
			local.Revert()
			return fmt.Errorf("%w: transfer of %s to %s: %v", core.ErrExternalCallFailed, amount.Dec(), acct.Hex(), err)
		}
	}
	j.Absorb(local)
	return nil
}

// BalanceOf returns acct's escrowed balance (zero for unseen accounts).
func (l *Ledger) BalanceOf(acct common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.balanceLocked(acct))
}

// Total returns the sum of all balances.
func (l *Ledger) Total() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := new(uint256.Int)
	for _, b := range l.balances {
		sum.Add(sum, b)
	}
	return sum
}

// Entry is a single account balance, used for persistence.
type Entry struct {
	Account common.Address
	Balance *uint256.Int
}

// Entries returns every non-zero balance sorted by address.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.balances))
	for a, b := range l.balances {
		out = append(out, Entry{Account: a, Balance: new(uint256.Int).Set(b)})
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].Account.Cmp(out[k].Account) < 0
	})
	return out
}

// Load replaces the ledger contents with entries.
func (l *Ledger) Load(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[common.Address]*uint256.Int, len(entries))
	for _, e := range entries {
		if e.Balance != nil && !e.Balance.IsZero() {
			l.balances[e.Account] = new(uint256.Int).Set(e.Balance)
		}
	}
}

func (l *Ledger) balanceLocked(acct common.Address) *uint256.Int {
	if b, ok := l.balances[acct]; ok {
		return b
	}
	return new(uint256.Int)
}

func (l *Ledger) setLocked(acct common.Address, v *uint256.Int, j *core.Journal) {
	prev := new(uint256.Int).Set(l.balanceLocked(acct))
	if v.IsZero() {
		delete(l.balances, acct)
	} else {
		l.balances[acct] = v
	}
	j.Record(func() { l.restore(acct, prev) })
}

func (l *Ledger) restore(acct common.Address, v *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v.IsZero() {
		delete(l.balances, acct)
		return
	}
	l.balances[acct] = new(uint256.Int).Set(v)
}
