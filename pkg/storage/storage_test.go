package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/app/core/admin"
	"github.com/uhyunpark/tradebot/pkg/app/core/order"
	"github.com/uhyunpark/tradebot/pkg/chain"
	"github.com/uhyunpark/tradebot/pkg/confidential"
)

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("NewPebbleStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	token = common.HexToAddress("0x0000000000000000000000000000000000000070")
)

func TestBlocksAndReceipts(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Head(); err != nil || ok {
		t.Fatalf("fresh Head() = ok %v, err %v", ok, err)
	}

	b := chain.Block{Height: 3, Payload: []byte("tx\x00"), TxCount: 1, Time: time.Unix(1_700_000_000, 0).UTC()}
	b.AppHash = chain.Hash{1, 2, 3}
	txh := abci.TxHash([]byte("tx"))
	r := abci.Receipt{TxHash: txh, Height: 3, Status: abci.StatusOK, Type: "deposit"}

	if err := s.SaveBlock(b, []abci.Receipt{r}); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}

	head, ok, err := s.Head()
	if err != nil || !ok {
		t.Fatalf("Head: ok %v err %v", ok, err)
	}
	if head.Height != 3 || head.AppHash != b.AppHash || !head.Time.Equal(b.Time) {
		t.Errorf("head = %+v", head)
	}
	if chain.HashOfBlock(head) != chain.HashOfBlock(b) {
		t.Errorf("block hash changed across round trip")
	}

	got, ok, err := s.GetReceipt(txh)
	if err != nil || !ok {
		t.Fatalf("GetReceipt: ok %v err %v", ok, err)
	}
	if got.Type != "deposit" || got.Height != 3 || !got.OK() {
		t.Errorf("receipt = %+v", got)
	}
	if _, ok, _ := s.GetBlock(99); ok {
		t.Errorf("GetBlock(99) found a block")
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	st, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !st.Empty() {
		t.Fatalf("fresh state not empty")
	}

	var h1, h2 order.Handle
	h1[0], h2[0] = 1, 2
	ord := order.Order{ID: 1, Owner: alice, Payload: order.OpaquePayload{EncToken: h1, EncAmount: h2}, ExecuteAt: 42}
	ct := confidential.Record{Handle: h1, Owner: alice, Slot: confidential.SlotToken, Ciphertext: []byte{9, 9}, Readers: []common.Address{alice, bob}}

	bw := s.NewBatch()
	mustPut(t, bw.PutAdmin(admin.Snapshot{Owner: alice, Bot: bob, UnitPrice: uint256.NewInt(7)}))
	mustPut(t, bw.PutBalance(alice, uint256.NewInt(1000)))
	mustPut(t, bw.PutBalance(bob, uint256.NewInt(5)))
	mustPut(t, bw.PutWallet(alice, uint256.NewInt(50)))
	mustPut(t, bw.PutVaultHeld(uint256.NewInt(1005)))
	mustPut(t, bw.PutVaultSpent(uint256.NewInt(20)))
	mustPut(t, bw.PutHolding(token, alice, uint256.NewInt(3)))
	mustPut(t, bw.PutNonce(alice, 12))
	mustPut(t, bw.PutOrder(ord))
	mustPut(t, bw.PutCiphertext(ct))
	mustPut(t, bw.PutAppMeta(AppMeta{Height: 4, AppHash: common.Hash{4}}))
	if err := bw.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	bw.Close()

	// zero balance deletes
	bw = s.NewBatch()
	mustPut(t, bw.PutBalance(bob, new(uint256.Int)))
	if err := bw.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	bw.Close()

	st, err = s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.Empty() || st.Admin.Bot != bob || st.Admin.UnitPrice.Uint64() != 7 {
		t.Errorf("admin = %+v", st.Admin)
	}
	if len(st.Balances) != 1 || st.Balances[0].Account != alice || st.Balances[0].Balance.Uint64() != 1000 {
		t.Errorf("balances = %+v", st.Balances)
	}
	if len(st.Wallets) != 1 || st.Wallets[0].Balance.Uint64() != 50 {
		t.Errorf("wallets = %+v", st.Wallets)
	}
	if st.VaultHeld.Uint64() != 1005 || st.VaultSpent.Uint64() != 20 {
		t.Errorf("vault held = %s, spent = %s", st.VaultHeld, st.VaultSpent)
	}
	if len(st.Holdings) != 1 || st.Holdings[0].Token != token || st.Holdings[0].Holder != alice {
		t.Errorf("holdings = %+v", st.Holdings)
	}
	if st.Nonces[alice] != 12 {
		t.Errorf("nonce = %d", st.Nonces[alice])
	}
	if len(st.Orders) != 1 || st.Orders[0] != ord {
		t.Errorf("orders = %+v", st.Orders)
	}
	if len(st.Ciphertexts) != 1 || st.Ciphertexts[0].Handle != h1 || len(st.Ciphertexts[0].Readers) != 2 {
		t.Errorf("ciphertexts = %+v", st.Ciphertexts)
	}
	if st.Meta.Height != 4 {
		t.Errorf("meta = %+v", st.Meta)
	}
}

func TestOrdersScanInIDOrder(t *testing.T) {
	s := openTestStore(t)
	bw := s.NewBatch()
	// 256 sorts after 2 only with big-endian keys
	for _, id := range []uint64{256, 2, 1} {
		mustPut(t, bw.PutOrder(order.Order{ID: id, Owner: alice}))
	}
	if err := bw.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	st, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	want := []uint64{1, 2, 256}
	for i, o := range st.Orders {
		if o.ID != want[i] {
			t.Fatalf("order ids = %v", st.Orders)
		}
	}
}

func TestInMemoryBlockStore(t *testing.T) {
	s := NewInMemoryBlockStore()
	if _, ok, _ := s.Head(); ok {
		t.Fatal("empty store has a head")
	}
	s.SaveBlock(chain.Block{Height: 1}, nil)
	s.SaveBlock(chain.Block{Height: 2}, nil)
	if h, ok, _ := s.Head(); !ok || h.Height != 2 {
		t.Errorf("head = %+v", h)
	}
}

func TestFileWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.wal")
	w, err := NewFileWAL(path)
	if err != nil {
		t.Fatalf("NewFileWAL: %v", err)
	}
	if _, ok, _ := w.Last(); ok {
		t.Fatal("fresh wal has a record")
	}
	for h := uint64(1); h <= 3; h++ {
		if err := w.Append(chain.Commit{Height: h, TxCount: int(h), AppHash: common.Hash{byte(h)}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// simulate a torn write
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"height":4,"ha`)
	f.Close()

	w, err = NewFileWAL(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w.Close()
	last, ok, _ := w.Last()
	if !ok || last.Height != 3 || last.AppHash != (common.Hash{3}) {
		t.Errorf("last = %+v, ok=%v", last, ok)
	}
}

func mustPut(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("put: %v", err)
	}
}
