package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/app/core/mempool"
	"github.com/uhyunpark/tradebot/pkg/util"
)

var (
	ErrRejected     = errors.New("transaction rejected")
	ErrEmptyMempool = errors.New("mempool empty")
)

type Config struct {
	BlockInterval time.Duration
	MaxBlockBytes int64 // <= 0: unlimited
}

// BlockHook is called after a block is executed and stored.
type BlockHook func(b Block, res abci.ResponseFinalizeBlock)

// Sequencer orders submitted transactions into blocks. Blocks are produced
// one at a time; the application never sees two blocks concurrently.
type Sequencer struct {
	cfg   Config
	app   abci.Application
	pool  *mempool.Mempool
	store BlockStore
	wal   WAL
	clock util.Clock
	log   *zap.SugaredLogger

	produceMu sync.Mutex
	headMu    sync.RWMutex
	head      Block

	waitMu  sync.Mutex
	waiters map[common.Hash][]chan abci.Receipt

	hooks []BlockHook
}

func NewSequencer(cfg Config, app abci.Application, pool *mempool.Mempool, store BlockStore, wal WAL, clock util.Clock, log *zap.SugaredLogger) (*Sequencer, error) {
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = time.Second
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Sequencer{
		cfg: cfg, app: app, pool: pool, store: store, wal: wal,
		clock: clock, log: log,
		head:    GenesisBlock(),
		waiters: make(map[common.Hash][]chan abci.Receipt),
	}
	if store != nil {
		head, ok, err := store.Head()
		if err != nil {
			return nil, fmt.Errorf("load head: %w", err)
		}
		if ok {
			s.head = head
		}
	}
	if err := s.checkWAL(); err != nil {
		return nil, err
	}
	return s, nil
}

// checkWAL reconciles the journal with the stored head. The block is saved
// before its record is appended, so the journal may lag by one block but
// never lead.
func (s *Sequencer) checkWAL() error {
	if s.wal == nil {
		return nil
	}
	last, ok, err := s.wal.Last()
	if err != nil {
		return fmt.Errorf("read wal: %w", err)
	}
	switch {
	case ok && last.Height > s.head.Height:
		return fmt.Errorf("wal at height %d is ahead of stored head %d", last.Height, s.head.Height)
	case s.head.Height > 0 && (!ok || last.Height < s.head.Height):
		s.log.Warnw("wal_behind_store", "wal_height", last.Height, "head", s.head.Height)
		return s.wal.Append(CommitOf(s.head))
	}
	return nil
}

// OnBlock registers a hook. Not safe to call once Run has started.
func (s *Sequencer) OnBlock(h BlockHook) { s.hooks = append(s.hooks, h) }

func (s *Sequencer) Head() Block {
	s.headMu.RLock()
	defer s.headMu.RUnlock()
	return s.head
}

// Broadcast runs CheckTx and queues tx without waiting for inclusion.
func (s *Sequencer) Broadcast(tx []byte) (common.Hash, error) {
	hash := abci.TxHash(tx)
	if res := s.app.CheckTx(abci.RequestCheckTx{Tx: tx}); !res.OK {
		return hash, fmt.Errorf("%w: %s", ErrRejected, res.Log)
	}
	bucket := s.pool.PushRaw(tx)
	s.log.Debugw("tx_queued", "hash", hash.Hex(), "bucket", bucket.String())
	return hash, nil
}

// Submit queues tx and blocks until it is included in a block.
func (s *Sequencer) Submit(ctx context.Context, tx []byte) (abci.Receipt, error) {
	hash := abci.TxHash(tx)
	ch := make(chan abci.Receipt, 1)

	s.waitMu.Lock()
	s.waiters[hash] = append(s.waiters[hash], ch)
	s.waitMu.Unlock()

	if _, err := s.Broadcast(tx); err != nil {
		s.dropWaiter(hash, ch)
		return abci.Receipt{TxHash: hash}, err
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		s.dropWaiter(hash, ch)
		return abci.Receipt{TxHash: hash}, ctx.Err()
	}
}

func (s *Sequencer) dropWaiter(hash common.Hash, ch chan abci.Receipt) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	list := s.waiters[hash]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, hash)
		return
	}
	s.waiters[hash] = list
}

// Run produces a block every BlockInterval until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.cfg.BlockInterval):
		}
		if _, err := s.ProduceBlock(ctx); err != nil && !errors.Is(err, ErrEmptyMempool) {
			s.log.Errorw("produce_block_failed", "err", err)
		}
	}
}

// ProduceBlock drains the mempool into one block and executes it.
// Returns ErrEmptyMempool when there is nothing to include.
func (s *Sequencer) ProduceBlock(ctx context.Context) (Block, error) {
	s.produceMu.Lock()
	defer s.produceMu.Unlock()

	txs := s.pool.SelectForProposal(s.cfg.MaxBlockBytes)
	if len(txs) == 0 {
		return Block{}, ErrEmptyMempool
	}

	parent := s.Head()
	now := s.clock.Now().UTC().Truncate(time.Second)
	if now.Before(parent.Time) {
		now = parent.Time // block time never goes backwards
	}

	blk := Block{
		Height:  parent.Height + 1,
		Parent:  HashOfBlock(parent),
		Payload: abci.EncodePayload(txs),
		TxCount: len(txs),
		Time:    now,
	}

	res := s.app.FinalizeBlock(ctx, abci.RequestFinalizeBlock{
		Height:    blk.Height,
		Timestamp: uint64(now.Unix()),
		Txs:       txs,
	})
	blk.AppHash = Hash(res.AppHash)

	if s.store != nil {
		if err := s.store.SaveBlock(blk, res.Receipts); err != nil {
			return Block{}, fmt.Errorf("save block %d: %w", blk.Height, err)
		}
	}
	if s.wal != nil {
		if err := s.wal.Append(CommitOf(blk)); err != nil {
			s.log.Errorw("wal_append_failed", "height", blk.Height, "err", err)
		}
	}

	s.headMu.Lock()
	s.head = blk
	s.headMu.Unlock()

	ok := 0
	for _, r := range res.Receipts {
		if r.OK() {
			ok++
		}
	}
	s.log.Infow("block_committed",
		"height", blk.Height,
		"txs", blk.TxCount,
		"ok", ok,
		"app_hash", fmt.Sprintf("0x%x", blk.AppHash[:8]),
	)

	s.deliver(res.Receipts)
	for _, h := range s.hooks {
		h(blk, res)
	}
	return blk, nil
}

func (s *Sequencer) deliver(receipts []abci.Receipt) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	for _, r := range receipts {
		list, ok := s.waiters[r.TxHash]
		if !ok {
			continue
		}
		for _, ch := range list {
			ch <- r
		}
		delete(s.waiters, r.TxHash)
	}
}
