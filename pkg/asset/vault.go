package asset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientFunds = errors.New("insufficient wallet funds")

// Vault models native value on the node: each account's spendable wallet
// and the amount held by the escrow contract.
// Deposits move value wallet -> escrow, withdrawals escrow -> wallet.
// Settlement leaves the paid cost in the contract and counts it as spent,
// so held == escrow total + spent.
type Vault struct {
	mu      sync.RWMutex
	wallets map[common.Address]*uint256.Int
	held    *uint256.Int
	spent   *uint256.Int
	// Reject, when set, makes Transfer fail for the given recipient.
	Reject func(to common.Address) error
}

func NewVault() *Vault {
	return &Vault{wallets: make(map[common.Address]*uint256.Int), held: new(uint256.Int), spent: new(uint256.Int)}
}

// Fund credits an account's wallet (genesis allocation, faucet).
func (v *Vault) Fund(acct common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, overflow := new(uint256.Int).AddOverflow(v.walletLocked(acct), amount)
	if overflow {
		return fmt.Errorf("fund %s: overflow", acct.Hex())
	}
	v.wallets[acct] = next
	return nil
}

// Collect moves amount from acct's wallet into the escrow.
func (v *Vault) Collect(acct common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.walletLocked(acct)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, acct.Hex(), bal.Dec(), amount.Dec())
	}
	v.wallets[acct] = new(uint256.Int).Sub(bal, amount)
	v.held = new(uint256.Int).Add(v.held, amount)
	return nil
}

// Refund reverses a Collect.
func (v *Vault) Refund(acct common.Address, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wallets[acct] = new(uint256.Int).Add(v.walletLocked(acct), amount)
	v.held = new(uint256.Int).Sub(v.held, amount)
}

// Transfer pays amount out of the escrow into to's wallet.
func (v *Vault) Transfer(_ context.Context, to common.Address, amount *uint256.Int) error {
	if v.Reject != nil {
		if err := v.Reject(to); err != nil {
			return err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	// spent value is never paid back out
	free := new(uint256.Int).Sub(v.held, v.spent)
	if free.Lt(amount) {
		return fmt.Errorf("vault holds %s unspent, cannot pay %s", free.Dec(), amount.Dec())
	}
	v.held = new(uint256.Int).Sub(v.held, amount)
	v.wallets[to] = new(uint256.Int).Add(v.walletLocked(to), amount)
	return nil
}

// Spend records amount of held value as paid for a settled order. The value
// stays in the contract; it no longer backs any escrow balance.
func (v *Vault) Spend(amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := new(uint256.Int).Add(v.spent, amount)
	if next.Gt(v.held) {
		return fmt.Errorf("spent %s would exceed held %s", next.Dec(), v.held.Dec())
	}
	v.spent = next
	return nil
}

// Spent returns the settled value kept by the contract.
func (v *Vault) Spent() *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(uint256.Int).Set(v.spent)
}

// Wallet returns acct's spendable native balance.
func (v *Vault) Wallet(acct common.Address) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(uint256.Int).Set(v.walletLocked(acct))
}

// Held returns the native value currently locked in the escrow.
func (v *Vault) Held() *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(uint256.Int).Set(v.held)
}

// WalletEntry is one persisted wallet balance.
type WalletEntry struct {
	Account common.Address
	Balance *uint256.Int
}

// Snapshot returns all wallets and the held amount.
func (v *Vault) Snapshot() ([]WalletEntry, *uint256.Int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]WalletEntry, 0, len(v.wallets))
	for a, b := range v.wallets {
		out = append(out, WalletEntry{Account: a, Balance: new(uint256.Int).Set(b)})
	}
	return out, new(uint256.Int).Set(v.held)
}

// Restore replaces the vault contents. Nil amounts restore as zero.
func (v *Vault) Restore(wallets []WalletEntry, held, spent *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wallets = make(map[common.Address]*uint256.Int, len(wallets))
	for _, w := range wallets {
		v.wallets[w.Account] = new(uint256.Int).Set(w.Balance)
	}
	v.held = new(uint256.Int)
	if held != nil {
		v.held.Set(held)
	}
	v.spent = new(uint256.Int)
	if spent != nil {
		v.spent.Set(spent)
	}
}

func (v *Vault) walletLocked(acct common.Address) *uint256.Int {
	if b, ok := v.wallets[acct]; ok {
		return b
	}
	return new(uint256.Int)
}
