// Package tradebot assembles the escrow core into one contract instance and
// runs it as a block-executing application.
package tradebot

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
	"github.com/uhyunpark/tradebot/pkg/app/core/settlement"
)

// InputAcceptor validates an encrypted order input before the order is stored.
type InputAcceptor interface {
	Accept(ctx context.Context, owner common.Address, encToken, encAmount order.Handle, proof []byte, j *core.Journal) error
}

type ContractConfig struct {
	Address common.Address // identity the contract uses toward collaborators
	Owner   common.Address
	Bot     common.Address
	// UnitPrice is the initial price per unit in wei; nil means admin.DefaultUnitPrice.
	UnitPrice *uint256.Int

	Transferer escrow.Transferer
	Minter     settlement.Minter
	Inputs     InputAcceptor // optional
}

// Contract is one core instance. Every mutating call holds the guard for its
// whole duration and either applies all of its effects or none.
type Contract struct {
	address common.Address
	guard   core.Guard

	ledger *escrow.Ledger
	orders *order.Store
	cfg    *admin.Config
	engine *settlement.Engine
	minter settlement.Minter
	inputs InputAcceptor

	log *zap.SugaredLogger
}

func NewContract(cc ContractConfig, log *zap.SugaredLogger) *Contract {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ledger := escrow.NewLedger(cc.Transferer)
	orders := order.NewStore()
	cfg := admin.FromSnapshot(admin.Snapshot{Owner: cc.Owner, Bot: cc.Bot, UnitPrice: cc.UnitPrice})
	return &Contract{
		address: cc.Address,
		ledger:  ledger,
		orders:  orders,
		cfg:     cfg,
		engine:  settlement.NewEngine(ledger, orders, cfg, cc.Minter, log),
		minter:  cc.Minter,
		inputs:  cc.Inputs,
		log:     log,
	}
}

func (c *Contract) Address() common.Address { return c.address }

// run holds the guard and a fresh journal around fn; any error reverts.
func (c *Contract) run(op string, fn func(j *core.Journal) error) error {
	if err := c.guard.Enter(op); err != nil {
		return err
	}
	defer c.guard.Exit()

	j := core.NewJournal()
	if err := fn(j); err != nil {
		j.Revert()
		return err
	}
	j.Commit()
	return nil
}

// Deposit credits the value attached to call to the caller.
func (c *Contract) Deposit(call core.Call) error {
	return c.run("deposit", func(j *core.Journal) error {
		return c.ledger.Deposit(call.Caller, call.AttachedValue(), j)
	})
}

// Withdraw sends amount of the caller's escrow back to the caller.
func (c *Contract) Withdraw(ctx context.Context, call core.Call, amount *uint256.Int) error {
	return c.run("withdraw", func(j *core.Journal) error {
		return c.ledger.Withdraw(ctx, call.Caller, amount, j)
	})
}

// PlaceOrder stores a deferred order for the caller and returns its id.
// executeAt is not validated against the current time.
func (c *Contract) PlaceOrder(ctx context.Context, call core.Call, encToken, encAmount order.Handle, proof []byte, executeAt uint64) (uint64, error) {
	var id uint64
	err := c.run("placeOrder", func(j *core.Journal) error {
		if c.inputs != nil {
			if err := c.inputs.Accept(ctx, call.Caller, encToken, encAmount, proof, j); err != nil {
				return fmt.Errorf("%w: input rejected: %v", core.ErrExternalCallFailed, err)
			}
		}
		id = c.orders.Create(call.Caller, order.OpaquePayload{EncToken: encToken, EncAmount: encAmount}, executeAt, j)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ExecuteOrder settles a matured order with the revealed token and amount.
func (c *Contract) ExecuteOrder(ctx context.Context, call core.Call, id uint64, token common.Address, amount *uint256.Int) (*settlement.Result, error) {
	var res *settlement.Result
	err := c.run("executeOrder", func(j *core.Journal) error {
		var err error
		res, err = c.engine.ExecuteOrder(ctx, call, id, order.RevealedPayload{Token: token, Amount: amount}, j)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Contract) SetBot(call core.Call, bot common.Address) error {
	return c.run("setBot", func(j *core.Journal) error {
		return c.cfg.SetBot(call.Caller, bot, j)
	})
}

func (c *Contract) SetUnitPrice(call core.Call, price *uint256.Int) error {
	return c.run("setUnitPrice", func(j *core.Journal) error {
		return c.cfg.SetUnitPrice(call.Caller, price, j)
	})
}

// ---- Views ----

func (c *Contract) GetDeposit(acct common.Address) *uint256.Int { return c.ledger.BalanceOf(acct) }

func (c *Contract) NextOrderID() uint64 { return c.orders.NextID() }

func (c *Contract) GetOrderMeta(id uint64) (order.Meta, error) { return c.orders.GetMeta(id) }

func (c *Contract) GetOrderCiphertexts(id uint64) (order.OpaquePayload, error) {
	return c.orders.GetCiphertexts(id)
}

func (c *Contract) GetOrder(id uint64) (order.Order, error) { return c.orders.Get(id) }

func (c *Contract) Owner() common.Address   { return c.cfg.Owner() }
func (c *Contract) Bot() common.Address     { return c.cfg.Bot() }
func (c *Contract) UnitPrice() *uint256.Int { return c.cfg.UnitPrice() }

// TotalEscrow is the sum of all balances.
func (c *Contract) TotalEscrow() *uint256.Int { return c.ledger.Total() }

// ---- Persistence ----

func (c *Contract) Balances() []escrow.Entry { return c.ledger.Entries() }

func (c *Contract) AdminSnapshot() admin.Snapshot { return c.cfg.Snapshot() }

// Restore replaces the contract state with persisted state. Not guarded:
// callers must run it before serving any call.
func (c *Contract) Restore(snap admin.Snapshot, balances []escrow.Entry, orders []order.Order) error {
	if err := c.orders.Load(orders); err != nil {
		return err
	}
	c.ledger.Load(balances)
	c.cfg = admin.FromSnapshot(snap)
	c.engine = settlement.NewEngine(c.ledger, c.orders, c.cfg, c.minter, c.log)
	return nil
}
