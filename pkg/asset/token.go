// Package asset provides the collaborators that hold value outside the escrow:
// mintable tokens delivered on settlement and the native-value vault that
// funds deposits and receives withdrawals.
package asset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownToken   = errors.New("unknown token")
	ErrNotMinter      = errors.New("caller is not the token minter")
	ErrSupplyOverflow = errors.New("token supply overflow")
)

// Token is an in-memory mintable fungible token with a single authorized minter.
type Token struct {
	Address  common.Address
	Name     string
	Symbol   string
	Minter   common.Address
	supply   *uint256.Int
	balances map[common.Address]*uint256.Int
}

// TokenInfo is the public description of a token.
type TokenInfo struct {
	Address     common.Address `json:"address"`
	Name        string         `json:"name"`
	Symbol      string         `json:"symbol"`
	Minter      common.Address `json:"minter"`
	TotalSupply string         `json:"total_supply"`
}

// TokenLedger is a registry of mintable tokens keyed by address.
type TokenLedger struct {
	mu     sync.RWMutex
	tokens map[common.Address]*Token
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{tokens: make(map[common.Address]*Token)}
}

// Register adds a token whose only minter is minter.
func (l *TokenLedger) Register(addr common.Address, name, symbol string, minter common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[addr]; ok {
		return fmt.Errorf("token %s already registered", addr.Hex())
	}
	l.tokens[addr] = &Token{
		Address:  addr,
		Name:     name,
		Symbol:   symbol,
		Minter:   minter,
		supply:   new(uint256.Int),
		balances: make(map[common.Address]*uint256.Int),
	}
	return nil
}

// MintAs mints amount of token to recipient on behalf of caller.
func (l *TokenLedger) MintAs(caller, token, recipient common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	if caller != t.Minter {
		return fmt.Errorf("%w: %s", ErrNotMinter, caller.Hex())
	}
	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return fmt.Errorf("%w: %s", ErrSupplyOverflow, t.Symbol)
	}
	bal := t.balances[recipient]
	if bal == nil {
		bal = new(uint256.Int)
	}
	t.supply = supply
	t.balances[recipient] = new(uint256.Int).Add(bal, amount)
	return nil
}

// MinterFor returns a settlement minter that mints as caller.
func (l *TokenLedger) MinterFor(caller common.Address) *BoundMinter {
	return &BoundMinter{ledger: l, caller: caller}
}

// BalanceOf returns holder's balance of token.
func (l *TokenLedger) BalanceOf(token, holder common.Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	if b := t.balances[holder]; b != nil {
		return new(uint256.Int).Set(b), nil
	}
	return new(uint256.Int), nil
}

// Info describes token.
func (l *TokenLedger) Info(token common.Address) (TokenInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tokens[token]
	if !ok {
		return TokenInfo{}, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return t.info(), nil
}

// List returns every registered token sorted by address.
func (l *TokenLedger) List() []TokenInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TokenInfo, 0, len(l.tokens))
	for _, t := range l.tokens {
		out = append(out, t.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

func (t *Token) info() TokenInfo {
	return TokenInfo{Address: t.Address, Name: t.Name, Symbol: t.Symbol, Minter: t.Minter, TotalSupply: t.supply.Dec()}
}

// BoundMinter mints on a TokenLedger with a fixed caller identity.
type BoundMinter struct {
	ledger *TokenLedger
	caller common.Address
}

func (m *BoundMinter) Mint(_ context.Context, token, recipient common.Address, amount *uint256.Int) error {
	return m.ledger.MintAs(m.caller, token, recipient, amount)
}

// Holding is one persisted token balance.
type Holding struct {
	Token   common.Address
	Holder  common.Address
	Balance *uint256.Int
}

// Restore sets holder balances of registered tokens and recomputes supply.
// Holdings of unregistered tokens are skipped and counted in the return value.
func (l *TokenLedger) Restore(holdings []Holding) (skipped int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range holdings {
		t, ok := l.tokens[h.Token]
		if !ok {
			skipped++
			continue
		}
		if prev := t.balances[h.Holder]; prev != nil {
			t.supply = new(uint256.Int).Sub(t.supply, prev)
		}
		t.balances[h.Holder] = new(uint256.Int).Set(h.Balance)
		t.supply = new(uint256.Int).Add(t.supply, h.Balance)
	}
	return skipped
}
