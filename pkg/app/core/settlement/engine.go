package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradebot/pkg/app/core"
	"github.com/uhyunpark/tradebot/pkg/app/core/admin"
	"github.com/uhyunpark/tradebot/pkg/app/core/escrow"
	"github.com/uhyunpark/tradebot/pkg/app/core/order"
)

// Minter issues units of a minted asset to a recipient.
type Minter interface {
	Mint(ctx context.Context, token, recipient common.Address, amount *uint256.Int) error
}

// Result describes a successful settlement.
type Result struct {
	OrderID uint64
	Owner   common.Address
	Token   common.Address
	Amount  *uint256.Int
	Cost    *uint256.Int
}

// Engine executes matured orders: it debits the owner's escrow and mints the asset.
type Engine struct {
	ledger *escrow.Ledger
	orders *order.Store
	cfg    *admin.Config
	minter Minter
	log    *zap.SugaredLogger
}

// NewEngine wires the settlement engine. A nil minter leaves the engine
// unable to settle: ExecuteOrder fails with ErrExternalCallFailed.
func NewEngine(ledger *escrow.Ledger, orders *order.Store, cfg *admin.Config, minter Minter, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{ledger: ledger, orders: orders, cfg: cfg, minter: minter, log: log}
}

// Cost returns amount * price, or ErrOverflow if it does not fit in 256 bits.
func Cost(amount, price *uint256.Int) (*uint256.Int, error) {
	cost, overflow := new(uint256.Int).MulOverflow(amount, price)
	if overflow {
		return nil, fmt.Errorf("%w: %s units at %s wei", core.ErrOverflow, amount.Dec(), price.Dec())
	}
	return cost, nil
}

// ExecuteOrder settles order id with the revealed (token, amount).
//
// All checks run before any mutation. The debit and the executed flag are
// applied before the mint; if the mint fails the call returns
// ErrExternalCallFailed and the caller must revert j.
func (e *Engine) ExecuteOrder(ctx context.Context, call core.Call, id uint64, revealed order.RevealedPayload, j *core.Journal) (*Result, error) {
	if !e.cfg.IsBot(call.Caller) {
		return nil, fmt.Errorf("%w: executeOrder caller %s is not bot", core.ErrUnauthorized, call.Caller.Hex())
	}
	if e.minter == nil {
		return nil, fmt.Errorf("%w: no minter configured", core.ErrExternalCallFailed)
	}
	meta, err := e.orders.GetMeta(id)
	if err != nil {
		return nil, err
	}
	if meta.Executed {
		return nil, fmt.Errorf("%w: id %d", core.ErrAlreadyExecuted, id)
	}
	if call.Time < meta.ExecuteAt {
		return nil, fmt.Errorf("%w: id %d at %d, now %d", core.ErrNotYetExecutable, id, meta.ExecuteAt, call.Time)
	}
	amount := revealed.Amount
	if amount == nil {
		amount = new(uint256.Int)
	}
	cost, err := Cost(amount, e.cfg.UnitPrice())
	if err != nil {
		return nil, err
	}

	if err := e.ledger.Debit(meta.Owner, cost, j); err != nil {
		return nil, err
	}
	if err := e.orders.MarkExecuted(id, j); err != nil {
		return nil, err
	}

	if err := e.minter.Mint(ctx, revealed.Token, meta.Owner, amount); err != nil {
		e.log.Warnw("mint_failed", "order_id", id, "token", revealed.Token.Hex(), "err", err)
		return nil, fmt.Errorf("%w: mint %s of %s to %s: %v", core.ErrExternalCallFailed, amount.Dec(), revealed.Token.Hex(), meta.Owner.Hex(), err)
	}

	e.log.Infow("order_executed",
		"order_id", id,
		"owner", meta.Owner.Hex(),
		"token", revealed.Token.Hex(),
		"amount", amount.Dec(),
		"cost", cost.Dec(),
	)
	return &Result{OrderID: id, Owner: meta.Owner, Token: revealed.Token, Amount: amount, Cost: cost}, nil
}
