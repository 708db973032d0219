package tradebot

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/app/core"
	"github.com/uhyunpark/tradebot/pkg/app/core/order"
	"github.com/uhyunpark/tradebot/pkg/app/core/transaction"
	"github.com/uhyunpark/tradebot/pkg/storage"
)

// Event types emitted by successful transactions.
const (
	EventDeposit          = "deposit"
	EventWithdraw         = "withdraw"
	EventOrderPlaced      = "order_placed"
	EventOrderExecuted    = "order_executed"
	EventBotChanged       = "bot_changed"
	EventUnitPriceChanged = "unit_price_changed"
)

type holding struct {
	token  common.Address
	holder common.Address
}

// touched lists the state keys a transaction may have changed.
type touched struct {
	accounts []common.Address // escrow balance and wallet
	orders   []uint64
	handles  []order.Handle
	holdings []holding
	admin    bool
	vault    bool
}

type txOutcome struct {
	touched touched
	events  []abci.Event
	orderID uint64
}

func event(typ string, attrs ...string) abci.Event {
	ev := abci.Event{Type: typ, Attributes: make(map[string]string, len(attrs)/2)}
	for i := 0; i+1 < len(attrs); i += 2 {
		ev.Attributes[attrs[i]] = attrs[i+1]
	}
	return ev
}

// applySignedTx dispatches a verified transaction to the contract.
// Caller holds a.mu.
func (a *App) applySignedTx(ctx context.Context, call core.Call, tx *transaction.SignedTransaction) (txOutcome, error) {
	switch tx.Type {
	case transaction.TxTypeDeposit:
		return a.applyDeposit(call, tx.Deposit)
	case transaction.TxTypeWithdraw:
		return a.applyWithdraw(ctx, call, tx.Withdraw)
	case transaction.TxTypePlaceOrder:
		return a.applyPlaceOrder(ctx, call, tx.PlaceOrder)
	case transaction.TxTypeExecuteOrder:
		return a.applyExecuteOrder(ctx, call, tx.ExecuteOrder)
	case transaction.TxTypeSetBot:
		return a.applySetBot(call, tx.SetBot)
	case transaction.TxTypeSetUnitPrice:
		return a.applySetUnitPrice(call, tx.SetUnitPrice)
	}
	return txOutcome{}, fmt.Errorf("unsupported transaction type: %s", tx.Type)
}

// applyDeposit moves the attached value from the sender's wallet into escrow.
func (a *App) applyDeposit(call core.Call, p *transaction.AmountPayload) (txOutcome, error) {
	out := txOutcome{touched: touched{accounts: []common.Address{call.Caller}, vault: true}}
	amount, err := transaction.ParseAmount(p.Amount)
	if err != nil {
		return out, err
	}
	if err := a.vault.Collect(call.Caller, amount); err != nil {
		return out, err
	}
	call.Value = amount
	if err := a.contract.Deposit(call); err != nil {
		a.vault.Refund(call.Caller, amount)
		return out, err
	}
	a.log.Infow("deposit", "account", call.Caller.Hex(), "amount", amount.Dec())
	out.events = append(out.events, event(EventDeposit, "account", call.Caller.Hex(), "amount", amount.Dec()))
	return out, nil
}

func (a *App) applyWithdraw(ctx context.Context, call core.Call, p *transaction.AmountPayload) (txOutcome, error) {
	out := txOutcome{touched: touched{accounts: []common.Address{call.Caller}, vault: true}}
	amount, err := transaction.ParseAmount(p.Amount)
	if err != nil {
		return out, err
	}
	if err := a.contract.Withdraw(ctx, call, amount); err != nil {
		return out, err
	}
	a.log.Infow("withdraw", "account", call.Caller.Hex(), "amount", amount.Dec())
	out.events = append(out.events, event(EventWithdraw, "account", call.Caller.Hex(), "amount", amount.Dec()))
	return out, nil
}

func (a *App) applyPlaceOrder(ctx context.Context, call core.Call, p *transaction.PlaceOrderPayload) (txOutcome, error) {
	var out txOutcome
	encToken, err := transaction.ParseHandle(p.EncToken)
	if err != nil {
		return out, err
	}
	encAmount, err := transaction.ParseHandle(p.EncAmount)
	if err != nil {
		return out, err
	}
	proof, err := hexutil.Decode(p.InputProof)
	if err != nil {
		return out, err
	}

	id, err := a.contract.PlaceOrder(ctx, call, encToken, encAmount, proof, p.ExecuteAt)
	if err != nil {
		return out, err
	}
	out.orderID = id
	out.touched.orders = []uint64{id}
	out.touched.handles = []order.Handle{encToken, encAmount}

	a.log.Infow("order_placed", "order_id", id, "owner", call.Caller.Hex(), "execute_at", p.ExecuteAt)
	out.events = append(out.events, event(EventOrderPlaced,
		"order_id", strconv.FormatUint(id, 10),
		"owner", call.Caller.Hex(),
		"execute_at", strconv.FormatUint(p.ExecuteAt, 10),
	))
	return out, nil
}

func (a *App) applyExecuteOrder(ctx context.Context, call core.Call, p *transaction.ExecuteOrderPayload) (txOutcome, error) {
	out := txOutcome{orderID: p.OrderID}
	amount, err := transaction.ParseAmount(p.Amount)
	if err != nil {
		return out, err
	}
	token := common.HexToAddress(p.Token)

	res, err := a.contract.ExecuteOrder(ctx, call, p.OrderID, token, amount)
	if err != nil {
		return out, err
	}
	if err := a.vault.Spend(res.Cost); err != nil {
		// escrow was debited by cost, so held always covers it
		a.log.Errorw("vault_spend_failed", "order_id", res.OrderID, "err", err)
	}
	out.touched.orders = []uint64{res.OrderID}
	out.touched.accounts = []common.Address{res.Owner}
	out.touched.vault = true
	if a.localMint {
		out.touched.holdings = []holding{{token: res.Token, holder: res.Owner}}
	}
	out.events = append(out.events, event(EventOrderExecuted,
		"order_id", strconv.FormatUint(res.OrderID, 10),
		"owner", res.Owner.Hex(),
		"token", res.Token.Hex(),
		"amount", res.Amount.Dec(),
		"cost", res.Cost.Dec(),
	))
	return out, nil
}

func (a *App) applySetBot(call core.Call, p *transaction.SetBotPayload) (txOutcome, error) {
	out := txOutcome{touched: touched{admin: true}}
	bot := common.HexToAddress(p.Bot)
	if err := a.contract.SetBot(call, bot); err != nil {
		return out, err
	}
	a.log.Infow("bot_changed", "bot", bot.Hex())
	out.events = append(out.events, event(EventBotChanged, "bot", bot.Hex()))
	return out, nil
}

func (a *App) applySetUnitPrice(call core.Call, p *transaction.SetUnitPricePayload) (txOutcome, error) {
	out := txOutcome{touched: touched{admin: true}}
	price, err := transaction.ParseAmount(p.Price)
	if err != nil {
		return out, err
	}
	if err := a.contract.SetUnitPrice(call, price); err != nil {
		return out, err
	}
	a.log.Infow("unit_price_changed", "price", price.Dec())
	out.events = append(out.events, event(EventUnitPriceChanged, "price", price.Dec()))
	return out, nil
}

// persist writes the sender nonce and every touched key in one batch.
// Caller holds a.mu.
func (a *App) persist(sender common.Address, nonce uint64, t touched) {
	if a.store == nil {
		return
	}
	bw := a.store.NewBatch()
	defer bw.Close()

	err := a.writeTouched(bw, sender, nonce, t)
	if err == nil {
		err = bw.Commit()
	}
	if err != nil {
		a.log.Errorw("persist_failed", "sender", sender.Hex(), "nonce", nonce, "err", err)
	}
}

func (a *App) writeTouched(bw *storage.BatchWrite, sender common.Address, nonce uint64, t touched) error {
	if err := bw.PutNonce(sender, nonce); err != nil {
		return err
	}
	for _, acct := range t.accounts {
		if err := bw.PutBalance(acct, a.contract.GetDeposit(acct)); err != nil {
			return err
		}
		if err := bw.PutWallet(acct, a.vault.Wallet(acct)); err != nil {
			return err
		}
	}
	if t.vault {
		if err := bw.PutVaultHeld(a.vault.Held()); err != nil {
			return err
		}
		if err := bw.PutVaultSpent(a.vault.Spent()); err != nil {
			return err
		}
	}
	for _, id := range t.orders {
		o, err := a.contract.GetOrder(id)
		if err != nil {
			return err
		}
		if err := bw.PutOrder(o); err != nil {
			return err
		}
	}
	for _, h := range t.handles {
		rec, err := a.registry.Get(h)
		if err != nil {
			return err
		}
		if err := bw.PutCiphertext(rec); err != nil {
			return err
		}
	}
	for _, h := range t.holdings {
		bal, err := a.tokens.BalanceOf(h.token, h.holder)
		if err != nil {
			return err
		}
		if err := bw.PutHolding(h.token, h.holder, bal); err != nil {
			return err
		}
	}
	if t.admin {
		if err := bw.PutAdmin(a.contract.AdminSnapshot()); err != nil {
			return err
		}
	}
	return nil
}
