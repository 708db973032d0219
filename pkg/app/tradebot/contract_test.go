package tradebot

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/app/core"
	"github.com/uhyunpark/tradebot/pkg/app/core/order"
)

var (
	ownerAddr    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	botAddr      = common.HexToAddress("0x0000000000000000000000000000000000000b07")
	userAddr     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	otherAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	tokenAddr    = common.HexToAddress("0x0000000000000000000000000000000000007070")
	contractAddr = common.HexToAddress("0x000000000000000000000000000000000000c0de")
)

type transferCall struct {
	to     common.Address
	amount *uint256.Int
}

type stubTransferer struct {
	calls []transferCall
	err   error
}

func (s *stubTransferer) Transfer(_ context.Context, to common.Address, amount *uint256.Int) error {
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, transferCall{to: to, amount: new(uint256.Int).Set(amount)})
	return nil
}

type mintCall struct {
	token, to common.Address
	amount    *uint256.Int
}

type stubMinter struct {
	calls []mintCall
	err   error
	// hook runs inside Mint, before the result is returned
	hook func()
}

func (s *stubMinter) Mint(_ context.Context, token, to common.Address, amount *uint256.Int) error {
	if s.hook != nil {
		s.hook()
	}
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, mintCall{token: token, to: to, amount: new(uint256.Int).Set(amount)})
	return nil
}

type stubInputs struct{ err error }

func (s *stubInputs) Accept(context.Context, common.Address, order.Handle, order.Handle, []byte, *core.Journal) error {
	return s.err
}

func newTestContract(t *testing.T) (*Contract, *stubTransferer, *stubMinter) {
	t.Helper()
	tr := &stubTransferer{}
	mn := &stubMinter{}
	c := NewContract(ContractConfig{
		Address:    contractAddr,
		Owner:      ownerAddr,
		Bot:        botAddr,
		Transferer: tr,
		Minter:     mn,
	}, nil)
	return c, tr, mn
}

func wei(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

func deposit(t *testing.T, c *Contract, who common.Address, amount string) {
	t.Helper()
	if err := c.Deposit(core.Call{Caller: who, Value: wei(amount)}); err != nil {
		t.Fatalf("Deposit(%s): %v", amount, err)
	}
}

func place(t *testing.T, c *Contract, who common.Address, executeAt uint64) uint64 {
	t.Helper()
	var tok, amt order.Handle
	tok[0], amt[0] = 0xaa, 0xbb
	id, err := c.PlaceOrder(context.Background(), core.Call{Caller: who}, tok, amt, nil, executeAt)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return id
}

func TestScenario_DepositPlaceExecute(t *testing.T) {
	c, _, mn := newTestContract(t)
	ctx := context.Background()
	const now = uint64(1_700_000_000)

	deposit(t, c, userAddr, "1000000000000000000")
	id := place(t, c, userAddr, now+10)
	if id != 1 {
		t.Fatalf("first order id = %d, want 1", id)
	}

	_, err := c.ExecuteOrder(ctx, core.Call{Caller: botAddr, Time: now}, id, tokenAddr, uint256.NewInt(1000))
	if !errors.Is(err, core.ErrNotYetExecutable) {
		t.Fatalf("early execute err = %v, want ErrNotYetExecutable", err)
	}

	res, err := c.ExecuteOrder(ctx, core.Call{Caller: botAddr, Time: now + 11}, id, tokenAddr, uint256.NewInt(1000))
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}
	if res.Cost.Uint64() != 1000 {
		t.Errorf("cost = %s, want 1000", res.Cost)
	}
	if len(mn.calls) != 1 || mn.calls[0].to != userAddr || mn.calls[0].token != tokenAddr || mn.calls[0].amount.Uint64() != 1000 {
		t.Errorf("mint calls = %+v", mn.calls)
	}
	if got := c.GetDeposit(userAddr).Dec(); got != "999999999999999000" {
		t.Errorf("deposit = %s, want 999999999999999000", got)
	}
	meta, _ := c.GetOrderMeta(id)
	if !meta.Executed {
		t.Error("order not marked executed")
	}

	_, err = c.ExecuteOrder(ctx, core.Call{Caller: botAddr, Time: now + 12}, id, tokenAddr, uint256.NewInt(1000))
	if !errors.Is(err, core.ErrAlreadyExecuted) {
		t.Fatalf("re-execute err = %v, want ErrAlreadyExecuted", err)
	}
	if len(mn.calls) != 1 {
		t.Errorf("re-execute minted again")
	}
}

func TestWithdrawFromEmpty(t *testing.T) {
	c, tr, _ := newTestContract(t)
	err := c.Withdraw(context.Background(), core.Call{Caller: userAddr}, uint256.NewInt(1))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if len(tr.calls) != 0 {
		t.Errorf("transfer attempted: %+v", tr.calls)
	}
}

func TestWithdraw_TransferFailureRestoresBalance(t *testing.T) {
	c, tr, _ := newTestContract(t)
	deposit(t, c, userAddr, "500")
	tr.err = errors.New("recipient reverted")

	err := c.Withdraw(context.Background(), core.Call{Caller: userAddr}, uint256.NewInt(200))
	if !errors.Is(err, core.ErrExternalCallFailed) {
		t.Fatalf("err = %v, want ErrExternalCallFailed", err)
	}
	if got := c.GetDeposit(userAddr).Uint64(); got != 500 {
		t.Errorf("balance = %d, want 500", got)
	}

	tr.err = nil
	if err := c.Withdraw(context.Background(), core.Call{Caller: userAddr}, uint256.NewInt(200)); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if got := c.GetDeposit(userAddr).Uint64(); got != 300 {
		t.Errorf("balance = %d, want 300", got)
	}
	if len(tr.calls) != 1 || tr.calls[0].to != userAddr || tr.calls[0].amount.Uint64() != 200 {
		t.Errorf("transfers = %+v", tr.calls)
	}
}

func TestAuthorization(t *testing.T) {
	c, _, _ := newTestContract(t)
	ctx := context.Background()
	deposit(t, c, userAddr, "100")
	id := place(t, c, userAddr, 0)

	tests := []struct {
		name string
		call func() error
	}{
		{"execute by user", func() error {
			_, err := c.ExecuteOrder(ctx, core.Call{Caller: userAddr, Time: 1}, id, tokenAddr, uint256.NewInt(1))
			return err
		}},
		{"execute by owner", func() error {
			_, err := c.ExecuteOrder(ctx, core.Call{Caller: ownerAddr, Time: 1}, id, tokenAddr, uint256.NewInt(1))
			return err
		}},
		{"setBot by bot", func() error { return c.SetBot(core.Call{Caller: botAddr}, otherAddr) }},
		{"setUnitPrice by user", func() error { return c.SetUnitPrice(core.Call{Caller: userAddr}, uint256.NewInt(5)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, core.ErrUnauthorized) {
				t.Errorf("err = %v, want ErrUnauthorized", err)
			}
		})
	}

	if c.Bot() != botAddr || c.UnitPrice().Uint64() != 1 {
		t.Errorf("config changed by unauthorized calls")
	}
	if c.GetDeposit(userAddr).Uint64() != 100 {
		t.Errorf("balance changed by unauthorized execute")
	}
}

func TestAdminChangesTakeEffect(t *testing.T) {
	c, _, _ := newTestContract(t)
	ctx := context.Background()

	if err := c.SetUnitPrice(core.Call{Caller: ownerAddr}, uint256.NewInt(3)); err != nil {
		t.Fatalf("SetUnitPrice: %v", err)
	}
	if err := c.SetBot(core.Call{Caller: ownerAddr}, otherAddr); err != nil {
		t.Fatalf("SetBot: %v", err)
	}
	deposit(t, c, userAddr, "30")
	id := place(t, c, userAddr, 0)

	if _, err := c.ExecuteOrder(ctx, core.Call{Caller: botAddr, Time: 1}, id, tokenAddr, uint256.NewInt(10)); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("old bot err = %v, want ErrUnauthorized", err)
	}
	res, err := c.ExecuteOrder(ctx, core.Call{Caller: otherAddr, Time: 1}, id, tokenAddr, uint256.NewInt(10))
	if err != nil {
		t.Fatalf("ExecuteOrder by new bot: %v", err)
	}
	if res.Cost.Uint64() != 30 || !c.GetDeposit(userAddr).IsZero() {
		t.Errorf("cost = %s, balance = %s", res.Cost, c.GetDeposit(userAddr))
	}
}

func TestExecute_MintFailureIsAtomic(t *testing.T) {
	c, _, mn := newTestContract(t)
	deposit(t, c, userAddr, "1000")
	id := place(t, c, userAddr, 0)
	mn.err = errors.New("token paused")

	_, err := c.ExecuteOrder(context.Background(), core.Call{Caller: botAddr, Time: 5}, id, tokenAddr, uint256.NewInt(400))
	if !errors.Is(err, core.ErrExternalCallFailed) {
		t.Fatalf("err = %v, want ErrExternalCallFailed", err)
	}
	if got := c.GetDeposit(userAddr).Uint64(); got != 1000 {
		t.Errorf("balance = %d, want 1000", got)
	}
	if meta, _ := c.GetOrderMeta(id); meta.Executed {
		t.Error("order marked executed after failed mint")
	}

	// the order stays executable
	mn.err = nil
	if _, err := c.ExecuteOrder(context.Background(), core.Call{Caller: botAddr, Time: 5}, id, tokenAddr, uint256.NewInt(400)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestExecute_InsufficientBalance(t *testing.T) {
	c, _, mn := newTestContract(t)
	deposit(t, c, userAddr, "10")
	id := place(t, c, userAddr, 0)

	_, err := c.ExecuteOrder(context.Background(), core.Call{Caller: botAddr, Time: 1}, id, tokenAddr, uint256.NewInt(11))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if len(mn.calls) != 0 {
		t.Error("minted despite insufficient balance")
	}
	if meta, _ := c.GetOrderMeta(id); meta.Executed {
		t.Error("order executed despite insufficient balance")
	}
}

func TestExecute_UnknownOrder(t *testing.T) {
	c, _, _ := newTestContract(t)
	_, err := c.ExecuteOrder(context.Background(), core.Call{Caller: botAddr, Time: 1}, 7, tokenAddr, uint256.NewInt(1))
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := c.GetOrderMeta(0); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetOrderMeta(0) err = %v", err)
	}
	if _, err := c.GetOrderCiphertexts(7); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetOrderCiphertexts(7) err = %v", err)
	}
}

func TestReentrantCallFailsFast(t *testing.T) {
	c, _, mn := newTestContract(t)
	deposit(t, c, userAddr, "100")
	id := place(t, c, userAddr, 0)

	var inner error
	mn.hook = func() {
		inner = c.Deposit(core.Call{Caller: otherAddr, Value: uint256.NewInt(1)})
	}
	if _, err := c.ExecuteOrder(context.Background(), core.Call{Caller: botAddr, Time: 1}, id, tokenAddr, uint256.NewInt(1)); err != nil {
		t.Fatalf("outer ExecuteOrder: %v", err)
	}
	if !errors.Is(inner, core.ErrReentrantCall) {
		t.Fatalf("inner err = %v, want ErrReentrantCall", inner)
	}
	if !c.GetDeposit(otherAddr).IsZero() {
		t.Error("reentrant deposit took effect")
	}
}

func TestPlaceOrder_InputRejected(t *testing.T) {
	c := NewContract(ContractConfig{
		Owner: ownerAddr, Bot: botAddr,
		Inputs: &stubInputs{err: errors.New("bad proof")},
	}, nil)
	var h order.Handle
	_, err := c.PlaceOrder(context.Background(), core.Call{Caller: userAddr}, h, h, []byte{1}, 10)
	if !errors.Is(err, core.ErrExternalCallFailed) {
		t.Fatalf("err = %v, want ErrExternalCallFailed", err)
	}
	if c.NextOrderID() != 1 {
		t.Errorf("NextOrderID = %d, want 1", c.NextOrderID())
	}
}

func TestPlaceOrder_StoresCiphertextsVerbatim(t *testing.T) {
	c, _, _ := newTestContract(t)
	var tok, amt order.Handle
	for i := range tok {
		tok[i], amt[i] = byte(i), byte(255-i)
	}
	// executeAt in the past is accepted
	id, err := c.PlaceOrder(context.Background(), core.Call{Caller: userAddr, Time: 100}, tok, amt, nil, 1)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	got, err := c.GetOrderCiphertexts(id)
	if err != nil {
		t.Fatalf("GetOrderCiphertexts: %v", err)
	}
	if got.EncToken != tok || got.EncAmount != amt {
		t.Errorf("ciphertexts changed")
	}
	if c.NextOrderID() != 2 {
		t.Errorf("NextOrderID = %d, want 2", c.NextOrderID())
	}
}

func TestBalanceConservation(t *testing.T) {
	c, _, _ := newTestContract(t)
	ctx := context.Background()

	deposit(t, c, userAddr, "1000")
	deposit(t, c, otherAddr, "700")
	deposit(t, c, userAddr, "300")
	if err := c.Withdraw(ctx, core.Call{Caller: otherAddr}, uint256.NewInt(200)); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	id := place(t, c, userAddr, 0)
	if _, err := c.ExecuteOrder(ctx, core.Call{Caller: botAddr, Time: 1}, id, tokenAddr, uint256.NewInt(250)); err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}
	// failed calls must not move anything
	c.Withdraw(ctx, core.Call{Caller: otherAddr}, uint256.NewInt(10_000))
	c.ExecuteOrder(ctx, core.Call{Caller: botAddr, Time: 1}, id, tokenAddr, uint256.NewInt(1))

	// 1000 + 700 + 300 - 200 - 250
	if got := c.TotalEscrow().Uint64(); got != 1550 {
		t.Errorf("total = %d, want 1550", got)
	}
	sum := new(uint256.Int)
	for _, e := range c.Balances() {
		sum.Add(sum, e.Balance)
	}
	if !sum.Eq(c.TotalEscrow()) {
		t.Errorf("sum of balances %s != total %s", sum, c.TotalEscrow())
	}
}

func TestDeposit_Overflow(t *testing.T) {
	c, _, _ := newTestContract(t)
	max256 := new(uint256.Int).SetAllOne()
	if err := c.Deposit(core.Call{Caller: userAddr, Value: max256}); err != nil {
		t.Fatalf("Deposit(max): %v", err)
	}
	err := c.Deposit(core.Call{Caller: userAddr, Value: uint256.NewInt(1)})
	if !errors.Is(err, core.ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	if !c.GetDeposit(userAddr).Eq(max256) {
		t.Error("balance changed on overflow")
	}
}
