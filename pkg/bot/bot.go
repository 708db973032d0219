// Package bot is the settlement bot: it watches for matured orders, reveals
// their encrypted payload and submits signed execute_order transactions.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/app/core"
	"github.com/uhyunpark/tradebot/pkg/app/core/order"
	"github.com/uhyunpark/tradebot/pkg/app/core/transaction"
	"github.com/uhyunpark/tradebot/pkg/crypto"
	"github.com/uhyunpark/tradebot/pkg/metrics"
	"github.com/uhyunpark/tradebot/pkg/util"
)

// Reader is the read side of the contract.
type Reader interface {
	NextOrderID() uint64
	GetOrderMeta(id uint64) (order.Meta, error)
	GetOrderCiphertexts(id uint64) (order.OpaquePayload, error)
	Nonce(addr common.Address) uint64
}

type Revealer interface {
	Reveal(reader common.Address, payload order.OpaquePayload) (order.RevealedPayload, error)
}

// Submitter delivers a raw tx and waits for its receipt.
type Submitter interface {
	Submit(ctx context.Context, tx []byte) (abci.Receipt, error)
}

type Config struct {
	PollEvery time.Duration
}

type Bot struct {
	cfg      Config
	signer   *crypto.Signer
	eip712   *crypto.EIP712Signer
	reader   Reader
	revealer Revealer
	submit   Submitter
	clock    util.Clock
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	mu     sync.Mutex // one scan at a time
	cursor uint64     // every order below cursor is executed
	nonce  uint64
	wake   chan struct{}
}

func New(cfg Config, signer *crypto.Signer, domain crypto.EIP712Domain, reader Reader, revealer Revealer, submit Submitter, clock util.Clock, m *metrics.Metrics, log *zap.SugaredLogger) *Bot {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bot{
		cfg:      cfg,
		signer:   signer,
		eip712:   crypto.NewEIP712Signer(domain),
		reader:   reader,
		revealer: revealer,
		submit:   submit,
		clock:    clock,
		metrics:  m,
		log:      log,
		cursor:   1,
		wake:     make(chan struct{}, 1),
	}
}

func (b *Bot) Address() common.Address { return b.signer.Address() }

// Wake triggers a scan without waiting for the next tick.
func (b *Bot) Wake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Cursor returns the lowest order id that may still be pending.
func (b *Bot) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Run scans every PollEvery (or on Wake) until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Infow("bot_started", "address", b.Address().Hex(), "poll", b.cfg.PollEvery)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(b.cfg.PollEvery):
		case <-b.wake:
		}
		if _, err := b.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warnw("bot_scan_failed", "err", err)
		}
	}
}

// Scan walks every order from the cursor and settles the matured ones.
// It returns how many orders this scan executed.
func (b *Bot) Scan(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.reader.NextOrderID()
	now := uint64(b.clock.Now().Unix())
	executed := 0
	contiguous := true

	for id := b.cursor; id < next; id++ {
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		meta, err := b.reader.GetOrderMeta(id)
		if err != nil {
			return executed, fmt.Errorf("order %d: %w", id, err)
		}
		done := meta.Executed
		if !done && meta.ExecuteAt <= now {
			done, err = b.settle(ctx, id)
			if err != nil {
				b.log.Warnw("bot_execute_failed", "order_id", id, "err", err)
			} else if done {
				executed++
			}
		}
		if done && contiguous {
			b.cursor = id + 1
		} else {
			contiguous = false
		}
	}
	return executed, nil
}

// settle reveals and executes one order. It reports whether the order is
// now executed, including when another executor got there first.
func (b *Bot) settle(ctx context.Context, id uint64) (bool, error) {
	payload, err := b.reader.GetOrderCiphertexts(id)
	if err != nil {
		return false, err
	}
	revealed, err := b.revealer.Reveal(b.Address(), payload)
	if err != nil {
		b.metrics.IncBot("reveal_failed")
		return false, fmt.Errorf("reveal: %w", err)
	}

	raw, err := b.sign(transaction.NewExecuteOrder(b.nextNonce(), id, revealed.Token, revealed.Amount))
	if err != nil {
		return false, err
	}
	r, err := b.submit.Submit(ctx, raw)
	if err != nil {
		b.metrics.IncBot("submit_failed")
		return false, err
	}

	switch {
	case r.OK():
		b.metrics.IncBot("executed")
		b.log.Infow("bot_order_executed",
			"order_id", id,
			"token", revealed.Token.Hex(),
			"amount", revealed.Amount.Dec(),
			"height", r.Height,
		)
		return true, nil
	case r.Code == core.ErrAlreadyExecuted.Error():
		b.metrics.IncBot("already_executed")
		return true, nil
	default:
		b.metrics.IncBot("reverted")
		return false, fmt.Errorf("receipt status %d: %s", r.Status, r.Error)
	}
}

// nextNonce never reuses a nonce, even one spent by a reverted tx.
func (b *Bot) nextNonce() uint64 {
	if onChain := b.reader.Nonce(b.Address()); onChain > b.nonce {
		b.nonce = onChain
	}
	b.nonce++
	return b.nonce
}

func (b *Bot) sign(tx *transaction.SignedTransaction) ([]byte, error) {
	if err := tx.Sign(b.eip712, b.signer); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return tx.Serialize()
}
