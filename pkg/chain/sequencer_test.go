package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/app/core/mempool"
	"github.com/uhyunpark/tradebot/pkg/util"
)

// echoApp accepts any tx not containing "bad" and records what it executed.
type echoApp struct {
	mu      sync.Mutex
	heights []uint64
	stamps  []uint64
	seen    [][]byte
}

func (a *echoApp) CheckTx(req abci.RequestCheckTx) abci.ResponseCheckTx {
	if strings.Contains(string(req.Tx), "bad") {
		return abci.ResponseCheckTx{OK: false, Log: "bad tx"}
	}
	return abci.ResponseCheckTx{OK: true}
}

func (a *echoApp) FinalizeBlock(_ context.Context, req abci.RequestFinalizeBlock) abci.ResponseFinalizeBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.heights = append(a.heights, req.Height)
	a.stamps = append(a.stamps, req.Timestamp)
	var res abci.ResponseFinalizeBlock
	for i, tx := range req.Txs {
		a.seen = append(a.seen, tx)
		res.Receipts = append(res.Receipts, abci.Receipt{
			TxHash: abci.TxHash(tx), Height: req.Height, Index: i, Status: abci.StatusOK,
		})
	}
	res.AppHash = common.BytesToHash([]byte{byte(req.Height)})
	return res
}

type memStore struct {
	blocks   map[uint64]Block
	receipts map[common.Hash]abci.Receipt
	head     uint64
}

func newMemStore() *memStore {
	return &memStore{blocks: map[uint64]Block{}, receipts: map[common.Hash]abci.Receipt{}}
}

func (m *memStore) SaveBlock(b Block, rs []abci.Receipt) error {
	m.blocks[b.Height] = b
	for _, r := range rs {
		m.receipts[r.TxHash] = r
	}
	if b.Height > m.head {
		m.head = b.Height
	}
	return nil
}

func (m *memStore) GetBlock(h uint64) (Block, bool, error) {
	b, ok := m.blocks[h]
	return b, ok, nil
}

func (m *memStore) GetReceipt(h common.Hash) (abci.Receipt, bool, error) {
	r, ok := m.receipts[h]
	return r, ok, nil
}

func (m *memStore) Head() (Block, bool, error) {
	b, ok := m.blocks[m.head]
	return b, ok, nil
}

type memWAL struct{ commits []Commit }

func (w *memWAL) Append(c Commit) error { w.commits = append(w.commits, c); return nil }

func (w *memWAL) Last() (Commit, bool, error) {
	if len(w.commits) == 0 {
		return Commit{}, false, nil
	}
	return w.commits[len(w.commits)-1], true, nil
}

func newTestSequencer(t *testing.T, store BlockStore) (*Sequencer, *echoApp, *util.ManualClock) {
	t.Helper()
	app := &echoApp{}
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	s, err := NewSequencer(Config{BlockInterval: time.Second}, app, mempool.NewMempool(), store, &memWAL{}, clock, nil)
	if err != nil {
		t.Fatalf("NewSequencer: %v", err)
	}
	return s, app, clock
}

func TestProduceBlock_Empty(t *testing.T) {
	s, _, _ := newTestSequencer(t, nil)
	if _, err := s.ProduceBlock(context.Background()); !errors.Is(err, ErrEmptyMempool) {
		t.Fatalf("err = %v, want ErrEmptyMempool", err)
	}
	if s.Head().Height != 0 {
		t.Errorf("head moved on empty mempool")
	}
}

func TestProduceBlock_LinksParents(t *testing.T) {
	store := newMemStore()
	s, app, clock := newTestSequencer(t, store)
	ctx := context.Background()

	if _, err := s.Broadcast([]byte(`{"type":"deposit"}`)); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	b1, err := s.ProduceBlock(ctx)
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	clock.Advance(5 * time.Second)
	if _, err := s.Broadcast([]byte(`{"type":"withdraw"}`)); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	b2, err := s.ProduceBlock(ctx)
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if b1.Height != 1 || b2.Height != 2 {
		t.Fatalf("heights = %d,%d", b1.Height, b2.Height)
	}
	if b2.Parent != HashOfBlock(b1) {
		t.Errorf("b2.Parent does not point at b1")
	}
	if b2.Time.Sub(b1.Time) != 5*time.Second {
		t.Errorf("block times %v -> %v", b1.Time, b2.Time)
	}
	if app.stamps[1]-app.stamps[0] != 5 {
		t.Errorf("app timestamps = %v", app.stamps)
	}
	if got, ok, _ := store.GetBlock(2); !ok || got.TxCount != 1 {
		t.Errorf("stored block 2 = %+v, %v", got, ok)
	}
}

func TestBroadcast_CheckTxRejects(t *testing.T) {
	s, _, _ := newTestSequencer(t, nil)
	if _, err := s.Broadcast([]byte("bad")); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if s.pool.Len() != 0 {
		t.Errorf("rejected tx reached the mempool")
	}
}

func TestSubmit_WaitsForReceipt(t *testing.T) {
	s, _, _ := newTestSequencer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx := []byte(`{"type":"place_order"}`)
	done := make(chan abci.Receipt, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := s.Submit(ctx, tx)
		if err != nil {
			errCh <- err
			return
		}
		done <- r
	}()

	// wait until the tx is queued
	deadline := time.Now().Add(2 * time.Second)
	for s.pool.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("tx never queued")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := s.ProduceBlock(ctx); err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	select {
	case r := <-done:
		if r.TxHash != abci.TxHash(tx) || r.Height != 1 {
			t.Errorf("receipt = %+v", r)
		}
	case err := <-errCh:
		t.Fatalf("Submit: %v", err)
	case <-ctx.Done():
		t.Fatal("Submit never returned")
	}
}

func TestSubmit_ContextCancel(t *testing.T) {
	s, _, _ := newTestSequencer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Submit(ctx, []byte(`{"type":"deposit"}`)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	s.waitMu.Lock()
	n := len(s.waiters)
	s.waitMu.Unlock()
	if n != 0 {
		t.Errorf("waiter leaked")
	}
}

func TestNewSequencer_ResumesFromStore(t *testing.T) {
	store := newMemStore()
	s, _, _ := newTestSequencer(t, store)
	s.Broadcast([]byte(`{"type":"deposit"}`))
	if _, err := s.ProduceBlock(context.Background()); err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	again, _, _ := newTestSequencer(t, store)
	if again.Head().Height != 1 {
		t.Errorf("resumed head = %d, want 1", again.Head().Height)
	}
}

func TestHooksAndWAL(t *testing.T) {
	s, _, _ := newTestSequencer(t, nil)
	var got []uint64
	s.OnBlock(func(b Block, res abci.ResponseFinalizeBlock) { got = append(got, b.Height) })
	s.Broadcast([]byte(`{"type":"deposit"}`))
	if _, err := s.ProduceBlock(context.Background()); err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("hook heights = %v", got)
	}
	w := s.wal.(*memWAL)
	if len(w.commits) != 1 || w.commits[0].Height != 1 || w.commits[0].TxCount != 1 {
		t.Errorf("wal = %+v", w.commits)
	}
}

func TestNewSequencer_ReconcilesWAL(t *testing.T) {
	store := newMemStore()
	s, _, _ := newTestSequencer(t, store)
	for i := 0; i < 2; i++ {
		s.Broadcast([]byte(fmt.Sprintf(`{"type":"deposit","nonce":"%d"}`, i)))
		if _, err := s.ProduceBlock(context.Background()); err != nil {
			t.Fatalf("ProduceBlock: %v", err)
		}
	}

	// crash after the second block was stored but before it was journaled
	lagging := &memWAL{commits: s.wal.(*memWAL).commits[:1]}
	if _, err := NewSequencer(Config{}, &echoApp{}, mempool.NewMempool(), store, lagging, nil, nil); err != nil {
		t.Fatalf("lagging wal: %v", err)
	}
	if last, _, _ := lagging.Last(); last.Height != 2 {
		t.Errorf("wal not repaired, last height = %d", last.Height)
	}

	ahead := &memWAL{commits: []Commit{{Height: 5}}}
	if _, err := NewSequencer(Config{}, &echoApp{}, mempool.NewMempool(), store, ahead, nil, nil); err == nil {
		t.Error("wal ahead of the store was accepted")
	}
}
