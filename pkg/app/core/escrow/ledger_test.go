package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/tradebot/pkg/app/core"
)

type stubTransferer struct {
	err  error
	sent map[common.Address]*uint256.Int
}

func (s *stubTransferer) Transfer(_ context.Context, to common.Address, amount *uint256.Int) error {
	if s.err != nil {
		return s.err
	}
	if s.sent == nil {
		s.sent = make(map[common.Address]*uint256.Int)
	}
	s.sent[to] = new(uint256.Int).Set(amount)
	return nil
}

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

func TestLedger_DepositWithdraw(t *testing.T) {
	out := &stubTransferer{}
	l := NewLedger(out)

	if err := l.Deposit(alice, uint256.NewInt(1000), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Withdraw(context.Background(), alice, uint256.NewInt(400), nil); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := l.BalanceOf(alice).Uint64(); got != 600 {
		t.Errorf("balance = %d, want 600", got)
	}
	if got := out.sent[alice].Uint64(); got != 400 {
		t.Errorf("transferred = %d, want 400", got)
	}
}

func TestLedger_WithdrawFromEmpty(t *testing.T) {
	l := NewLedger(&stubTransferer{})
	err := l.Withdraw(context.Background(), alice, uint256.NewInt(1), nil)
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if !l.BalanceOf(alice).IsZero() {
		t.Errorf("balance changed on failed withdraw")
	}
}

func TestLedger_WithdrawTransferFailureRestoresBalance(t *testing.T) {
	l := NewLedger(&stubTransferer{err: errors.New("recipient rejected")})
	_ = l.Deposit(alice, uint256.NewInt(50), nil)

	j := core.NewJournal()
	err := l.Withdraw(context.Background(), alice, uint256.NewInt(20), j)
	if !errors.Is(err, core.ErrExternalCallFailed) {
		t.Fatalf("err = %v, want ErrExternalCallFailed", err)
	}
	if got := l.BalanceOf(alice).Uint64(); got != 50 {
		t.Errorf("balance = %d, want 50", got)
	}
	if j.Len() != 0 {
		t.Errorf("journal kept %d steps after failed withdraw", j.Len())
	}
}

func TestLedger_DepositOverflow(t *testing.T) {
	l := NewLedger(nil)
	top := new(uint256.Int).SetAllOne()
	if err := l.Deposit(alice, top, nil); err != nil {
		t.Fatalf("deposit max: %v", err)
	}
	err := l.Deposit(alice, uint256.NewInt(1), nil)
	if !errors.Is(err, core.ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	if !l.BalanceOf(alice).Eq(top) {
		t.Errorf("balance changed on overflow")
	}
}

func TestLedger_JournalRevert(t *testing.T) {
	l := NewLedger(nil)
	_ = l.Deposit(alice, uint256.NewInt(10), nil)

	j := core.NewJournal()
	_ = l.Credit(alice, uint256.NewInt(5), j)
	_ = l.Debit(alice, uint256.NewInt(15), j)
	if !l.BalanceOf(alice).IsZero() {
		t.Fatalf("balance = %s, want 0", l.BalanceOf(alice).Dec())
	}
	j.Revert()
	if got := l.BalanceOf(alice).Uint64(); got != 10 {
		t.Errorf("balance after revert = %d, want 10", got)
	}
}

func TestLedger_EntriesLoad(t *testing.T) {
	bob := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	l := NewLedger(nil)
	_ = l.Deposit(bob, uint256.NewInt(7), nil)
	_ = l.Deposit(alice, uint256.NewInt(3), nil)

	// sorted by address: 0x..0b0b < 0x..a11ce
	entries := l.Entries()
	if len(entries) != 2 || entries[0].Account != bob || entries[1].Account != alice {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Balance.Uint64() != 7 || entries[1].Balance.Uint64() != 3 {
		t.Errorf("balances = %s, %s", entries[0].Balance, entries[1].Balance)
	}

	restored := NewLedger(nil)
	restored.Load(entries)
	if restored.Total().Uint64() != 10 {
		t.Errorf("total = %s, want 10", restored.Total().Dec())
	}
}
