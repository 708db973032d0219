package txgen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/app/tradebot"
	"github.com/uhyunpark/tradebot/pkg/confidential"
	"github.com/uhyunpark/tradebot/pkg/crypto"
)

var tokenAddr = common.HexToAddress("0x0000000000000000000000000000000000007070")

func newApp(t *testing.T, gen *Generator) *tradebot.App {
	t.Helper()
	owner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	app, err := tradebot.NewApp(tradebot.AppConfig{
		ContractAddress: common.HexToAddress("0x000000000000000000000000000000000000c0de"),
		Owner:           owner.Address(),
		Bot:             owner.Address(),
		Domain:          crypto.DefaultDomain(),
		Tokens:          []tradebot.TokenSpec{{Address: tokenAddr, Name: "Mock", Symbol: "MOCK"}},
		GenesisFunds:    gen.GenesisFunds(uint256.NewInt(1_000_000_000)),
	}, nil)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

func newGenerator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	key, err := confidential.KeyFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("KeyFromSeed: %v", err)
	}
	cfg.Tokens = []common.Address{tokenAddr}
	gen, err := NewGenerator(cfg, crypto.DefaultDomain(), key.Public)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return gen
}

func TestGenerator_TxsAreAccepted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts = 4
	gen := newGenerator(t, cfg)
	app := newApp(t, gen)

	batch, err := gen.Batch(40)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	res := app.FinalizeBlock(context.Background(), abci.RequestFinalizeBlock{
		Height:    1,
		Timestamp: uint64(time.Now().Unix()),
		Txs:       batch,
	})
	if len(res.Receipts) != len(batch) {
		t.Fatalf("receipts = %d, want %d", len(res.Receipts), len(batch))
	}
	for i, r := range res.Receipts {
		if !r.OK() {
			t.Errorf("tx %d (%s) failed: %s", i, r.Type, r.Error)
		}
	}

	deposits, orders := gen.Stats()
	if deposits+orders != 40 {
		t.Errorf("stats = %d+%d, want 40", deposits, orders)
	}
	if got := app.NextOrderID() - 1; got != uint64(orders) {
		t.Errorf("orders on chain = %d, want %d", got, orders)
	}
}

func TestGenerator_DeterministicAccounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts = 3
	a := newGenerator(t, cfg)
	b := newGenerator(t, cfg)
	for i := range a.Signers() {
		if a.Signers()[i].Address() != b.Signers()[i].Address() {
			t.Fatalf("account %d differs across generators with the same seed", i)
		}
	}

	cfg.Seed = "other"
	c := newGenerator(t, cfg)
	if c.Signers()[0].Address() == a.Signers()[0].Address() {
		t.Error("different seeds produced the same account")
	}
}

func TestGenerator_ResumesNonces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts = 2
	first := newGenerator(t, cfg)
	app := newApp(t, first)

	batch, _ := first.Batch(10)
	app.FinalizeBlock(context.Background(), abci.RequestFinalizeBlock{Height: 1, Timestamp: uint64(time.Now().Unix()), Txs: batch})

	// a restarted generator picks up where the chain left off
	second := newGenerator(t, cfg)
	second.SyncNonces(app)
	more, _ := second.Batch(10)
	res := app.FinalizeBlock(context.Background(), abci.RequestFinalizeBlock{Height: 2, Timestamp: uint64(time.Now().Unix()), Txs: more})
	for i, r := range res.Receipts {
		if !r.OK() {
			t.Errorf("tx %d after restart failed: %s", i, r.Error)
		}
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	key, _ := confidential.GenerateKey()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no accounts", Config{Tokens: []common.Address{tokenAddr}}},
		{"no tokens", Config{Accounts: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewGenerator(tt.cfg, crypto.DefaultDomain(), key.Public); err == nil {
				t.Error("expected error")
			}
		})
	}
}

type recordingSink struct {
	mu  sync.Mutex
	txs [][]byte
}

func (s *recordingSink) Broadcast(tx []byte) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
	return common.Hash{}, nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

func TestStartFeeder(t *testing.T) {
	gen := newGenerator(t, DefaultConfig())
	sink := &recordingSink{}

	cancel := StartFeeder(context.Background(), gen, sink, FeederConfig{BatchSize: 3, Interval: 5 * time.Millisecond}, nil)
	deadline := time.Now().Add(5 * time.Second)
	for sink.count() < 9 {
		if time.Now().After(deadline) {
			t.Fatalf("feeder sent %d txs, want at least 9", sink.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}
