package tradebot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/app/core"
	"github.com/uhyunpark/tradebot/pkg/app/core/mempool"
	"github.com/uhyunpark/tradebot/pkg/app/core/transaction"
	"github.com/uhyunpark/tradebot/pkg/asset"
	"github.com/uhyunpark/tradebot/pkg/confidential"
	"github.com/uhyunpark/tradebot/pkg/crypto"
	"github.com/uhyunpark/tradebot/pkg/storage"
)

type harness struct {
	app    *App
	cfg    AppConfig
	eip712 *crypto.EIP712Signer
	owner  *crypto.Signer
	bot    *crypto.Signer
	user   *crypto.Signer
	key    *confidential.KeyPair
	nonces map[common.Address]uint64
	height uint64
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return s
}

func newHarness(t *testing.T, store *storage.PebbleStore) *harness {
	t.Helper()
	h := &harness{
		eip712: crypto.NewEIP712Signer(crypto.DefaultDomain()),
		owner:  newSigner(t),
		bot:    newSigner(t),
		user:   newSigner(t),
		nonces: map[common.Address]uint64{},
	}
	key, err := confidential.GenerateKey()
	if err != nil {
		t.Fatalf("confidential.GenerateKey: %v", err)
	}
	h.key = key
	h.cfg = AppConfig{
		ContractAddress: contractAddr,
		Owner:           h.owner.Address(),
		Bot:             h.bot.Address(),
		Domain:          crypto.DefaultDomain(),
		Tokens:          []TokenSpec{{Address: tokenAddr, Name: "Mock Token", Symbol: "MOCK"}},
		GenesisFunds: []asset.WalletEntry{
			{Account: h.user.Address(), Balance: wei("2000000000000000000")},
		},
		Store: store,
	}
	h.app, err = NewApp(h.cfg, nil)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return h
}

func (h *harness) sign(t *testing.T, tx *transaction.SignedTransaction, s *crypto.Signer) []byte {
	t.Helper()
	if err := tx.Sign(h.eip712, s); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	raw, err := tx.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return raw
}

func (h *harness) next(s *crypto.Signer) uint64 {
	h.nonces[s.Address()]++
	return h.nonces[s.Address()]
}

func (h *harness) block(t *testing.T, ts uint64, txs ...[]byte) []abci.Receipt {
	t.Helper()
	h.height++
	res := h.app.FinalizeBlock(context.Background(), abci.RequestFinalizeBlock{Height: h.height, Timestamp: ts, Txs: txs})
	if len(res.Receipts) != len(txs) {
		t.Fatalf("got %d receipts for %d txs", len(res.Receipts), len(txs))
	}
	return res.Receipts
}

func (h *harness) placeSealed(t *testing.T, amount uint64, executeAt uint64) []byte {
	t.Helper()
	in, err := confidential.NewSealer(h.key.Public).Seal(h.user.Address(), tokenAddr, uint256.NewInt(amount))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return h.sign(t, transaction.NewPlaceOrder(h.next(h.user), in.EncToken, in.EncAmount, in.Proof, executeAt), h.user)
}

func wantStatus(t *testing.T, r abci.Receipt, status uint8, code error) {
	t.Helper()
	if r.Status != status {
		t.Fatalf("receipt %s status = %d (%s), want %d", r.Type, r.Status, r.Error, status)
	}
	if code != nil && r.Code != code.Error() {
		t.Fatalf("receipt %s code = %q, want %q", r.Type, r.Code, code.Error())
	}
}

func TestApp_SettlementFlow(t *testing.T) {
	h := newHarness(t, nil)
	const now = uint64(1_700_000_000)

	rs := h.block(t, now,
		h.sign(t, transaction.NewDeposit(h.next(h.user), wei("1000000000000000000")), h.user),
		h.placeSealed(t, 1000, now+10),
	)
	wantStatus(t, rs[0], abci.StatusOK, nil)
	wantStatus(t, rs[1], abci.StatusOK, nil)
	if rs[1].OrderID != 1 {
		t.Fatalf("order id = %d, want 1", rs[1].OrderID)
	}

	// the bot reveals the order the same way the settlement loop does
	payload, err := h.app.GetOrderCiphertexts(1)
	if err != nil {
		t.Fatalf("GetOrderCiphertexts: %v", err)
	}
	revealed, err := confidential.NewRevealer(h.app.Registry(), h.key).Reveal(h.bot.Address(), payload)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if revealed.Token != tokenAddr || revealed.Amount.Uint64() != 1000 {
		t.Fatalf("revealed = %+v", revealed)
	}
	if _, err := confidential.NewRevealer(h.app.Registry(), h.key).Reveal(otherAddr, payload); err == nil {
		t.Error("stranger could reveal the order")
	}

	exec := func() []byte {
		return h.sign(t, transaction.NewExecuteOrder(h.next(h.bot), 1, revealed.Token, revealed.Amount), h.bot)
	}

	rs = h.block(t, now+1, exec())
	wantStatus(t, rs[0], abci.StatusReverted, core.ErrNotYetExecutable)

	rs = h.block(t, now+11, exec())
	wantStatus(t, rs[0], abci.StatusOK, nil)
	if len(rs[0].Events) != 1 || rs[0].Events[0].Type != EventOrderExecuted || rs[0].Events[0].Attributes["cost"] != "1000" {
		t.Errorf("events = %+v", rs[0].Events)
	}

	minted, _ := h.app.Tokens().BalanceOf(tokenAddr, h.user.Address())
	if minted.Uint64() != 1000 {
		t.Errorf("minted = %s, want 1000", minted)
	}
	if got := h.app.GetDeposit(h.user.Address()).Dec(); got != "999999999999999000" {
		t.Errorf("deposit = %s", got)
	}

	rs = h.block(t, now+12, exec())
	wantStatus(t, rs[0], abci.StatusReverted, core.ErrAlreadyExecuted)

	// withdraw the rest back to the wallet
	rs = h.block(t, now+13, h.sign(t, transaction.NewWithdraw(h.next(h.user), wei("999999999999999000")), h.user))
	wantStatus(t, rs[0], abci.StatusOK, nil)
	if got := h.app.Vault().Wallet(h.user.Address()).Dec(); got != "1999999999999999000" {
		t.Errorf("wallet = %s", got)
	}

	// the settled cost stays in the contract as spent value
	tot := h.app.Totals()
	if !tot.Escrow.IsZero() || tot.Spent.Uint64() != 1000 || tot.Held.Uint64() != 1000 {
		t.Errorf("escrow %s, spent %s, held %s", tot.Escrow, tot.Spent, tot.Held)
	}
	if !tot.Conserved() {
		t.Errorf("escrow + spent != held: %+v", tot)
	}
}

func TestApp_Rejections(t *testing.T) {
	h := newHarness(t, nil)

	good := h.sign(t, transaction.NewDeposit(h.next(h.user), uint256.NewInt(5)), h.user)

	forged := transaction.NewSetUnitPrice(1, uint256.NewInt(9))
	if err := forged.Sign(h.eip712, h.user); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	forged.Sender = h.owner.Address().Hex()
	forgedRaw, _ := forged.Serialize()

	rs := h.block(t, 10, good, good, []byte("not json"), forgedRaw)
	wantStatus(t, rs[0], abci.StatusOK, nil)
	wantStatus(t, rs[1], abci.StatusRejected, nil) // replay
	wantStatus(t, rs[2], abci.StatusRejected, nil)
	wantStatus(t, rs[3], abci.StatusRejected, nil)

	if got := h.app.GetDeposit(h.user.Address()).Uint64(); got != 5 {
		t.Errorf("deposit = %d, want 5 (replay applied?)", got)
	}
	if h.app.Config().UnitPrice != "1" {
		t.Errorf("forged set_unit_price applied")
	}

	if res := h.app.CheckTx(abci.RequestCheckTx{Tx: good}); res.OK {
		t.Error("CheckTx accepted a used nonce")
	}
	fresh := h.sign(t, transaction.NewDeposit(h.next(h.user), uint256.NewInt(1)), h.user)
	if res := h.app.CheckTx(abci.RequestCheckTx{Tx: fresh}); !res.OK || res.Sender != h.user.Address() {
		t.Errorf("CheckTx(fresh) = %+v", res)
	}
}

func TestApp_RevertStillConsumesNonce(t *testing.T) {
	h := newHarness(t, nil)
	n := h.next(h.user)
	rs := h.block(t, 10, h.sign(t, transaction.NewWithdraw(n, uint256.NewInt(1)), h.user))
	wantStatus(t, rs[0], abci.StatusReverted, core.ErrInsufficientBalance)
	if h.app.Nonce(h.user.Address()) != n {
		t.Errorf("nonce = %d, want %d", h.app.Nonce(h.user.Address()), n)
	}
}

func TestApp_DepositBeyondWallet(t *testing.T) {
	h := newHarness(t, nil)
	rs := h.block(t, 10, h.sign(t, transaction.NewDeposit(h.next(h.user), wei("3000000000000000000")), h.user))
	wantStatus(t, rs[0], abci.StatusReverted, nil)
	if !h.app.GetDeposit(h.user.Address()).IsZero() {
		t.Error("deposit credited without funds")
	}
	if got := h.app.Vault().Wallet(h.user.Address()).Dec(); got != "2000000000000000000" {
		t.Errorf("wallet = %s", got)
	}
}

func TestApp_WithdrawTransferFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.block(t, 10, h.sign(t, transaction.NewDeposit(h.next(h.user), uint256.NewInt(100)), h.user))

	h.app.Vault().Reject = func(common.Address) error { return errRecipientReverted }
	rs := h.block(t, 11, h.sign(t, transaction.NewWithdraw(h.next(h.user), uint256.NewInt(40)), h.user))
	wantStatus(t, rs[0], abci.StatusReverted, core.ErrExternalCallFailed)
	if got := h.app.GetDeposit(h.user.Address()).Uint64(); got != 100 {
		t.Errorf("deposit = %d, want 100", got)
	}
	tot := h.app.Totals()
	if !tot.Conserved() || !tot.Spent.IsZero() {
		t.Errorf("totals = escrow %s, spent %s, held %s", tot.Escrow, tot.Spent, tot.Held)
	}
}

var errRecipientReverted = errors.New("recipient reverted")

func TestApp_AdminAndBotRotation(t *testing.T) {
	h := newHarness(t, nil)
	newBot := newSigner(t)

	rs := h.block(t, 10,
		h.sign(t, transaction.NewSetBot(h.next(h.user), newBot.Address()), h.user),
		h.sign(t, transaction.NewSetBot(h.next(h.owner), newBot.Address()), h.owner),
		h.sign(t, transaction.NewSetUnitPrice(h.next(h.owner), uint256.NewInt(2)), h.owner),
	)
	wantStatus(t, rs[0], abci.StatusReverted, core.ErrUnauthorized)
	wantStatus(t, rs[1], abci.StatusOK, nil)
	wantStatus(t, rs[2], abci.StatusOK, nil)

	cfg := h.app.Config()
	if cfg.Bot != newBot.Address() || cfg.UnitPrice != "2" {
		t.Errorf("config = %+v", cfg)
	}

	// inputs accepted after the rotation are readable by the new bot
	rs = h.block(t, 11, h.placeSealed(t, 5, 0))
	wantStatus(t, rs[0], abci.StatusOK, nil)
	payload, _ := h.app.GetOrderCiphertexts(rs[0].OrderID)
	if !h.app.Registry().IsAllowed(payload.EncAmount, newBot.Address()) {
		t.Error("new bot not granted read access")
	}
}

func TestApp_MempoolKeepsSenderNonceOrder(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.app.Vault().Fund(h.owner.Address(), uint256.NewInt(50)); err != nil {
		t.Fatalf("Fund: %v", err)
	}

	// the owner deposits, then changes the price; the admin bucket would drain first
	pool := mempool.NewMempool()
	pool.PushRaw(h.sign(t, transaction.NewDeposit(h.next(h.owner), uint256.NewInt(50)), h.owner))
	pool.PushRaw(h.sign(t, transaction.NewSetUnitPrice(h.next(h.owner), uint256.NewInt(3)), h.owner))

	rs := h.block(t, 10, pool.SelectForProposal(0)...)
	wantStatus(t, rs[0], abci.StatusOK, nil)
	wantStatus(t, rs[1], abci.StatusOK, nil)
	if rs[0].Type != string(transaction.TxTypeDeposit) {
		t.Errorf("first receipt = %s, want deposit", rs[0].Type)
	}
	if got := h.app.GetDeposit(h.owner.Address()).Uint64(); got != 50 {
		t.Errorf("deposit = %d, want 50", got)
	}
	if h.app.Config().UnitPrice != "3" {
		t.Errorf("unit price = %s, want 3", h.app.Config().UnitPrice)
	}
	if h.app.Nonce(h.owner.Address()) != 2 {
		t.Errorf("nonce = %d, want 2", h.app.Nonce(h.owner.Address()))
	}
}

func TestApp_AppHashDeterministic(t *testing.T) {
	a := newHarness(t, nil)
	b := newHarness(t, nil)
	// a and b differ only in their randomly generated owner and bot
	r1 := a.app.FinalizeBlock(context.Background(), abci.RequestFinalizeBlock{Height: 1, Timestamp: 5})
	r2 := a.app.FinalizeBlock(context.Background(), abci.RequestFinalizeBlock{Height: 1, Timestamp: 5})
	if r1.AppHash != r2.AppHash {
		t.Error("app hash not deterministic")
	}
	r3 := b.app.FinalizeBlock(context.Background(), abci.RequestFinalizeBlock{Height: 1, Timestamp: 5})
	if r3.AppHash == r1.AppHash {
		t.Error("different owners produced the same app hash")
	}
}

func TestApp_RestoreFromStore(t *testing.T) {
	store, err := storage.NewPebbleStore(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewPebbleStore: %v", err)
	}
	defer store.Close()

	h := newHarness(t, store)
	const now = uint64(1_700_000_000)
	rs := h.block(t, now,
		h.sign(t, transaction.NewDeposit(h.next(h.user), uint256.NewInt(5000)), h.user),
		h.placeSealed(t, 100, now),
		h.placeSealed(t, 7, now+1000),
	)
	for _, r := range rs {
		wantStatus(t, r, abci.StatusOK, nil)
	}
	rs = h.block(t, now+1, h.sign(t, transaction.NewExecuteOrder(h.next(h.bot), 1, tokenAddr, uint256.NewInt(100)), h.bot))
	wantStatus(t, rs[0], abci.StatusOK, nil)
	height, appHash := h.app.Height()

	// same config, same store: state comes back and genesis is not reapplied
	again, err := NewApp(h.cfg, nil)
	if err != nil {
		t.Fatalf("NewApp (restart): %v", err)
	}
	if got := again.GetDeposit(h.user.Address()).Uint64(); got != 4900 {
		t.Errorf("deposit = %d, want 4900", got)
	}
	if got := again.Vault().Wallet(h.user.Address()).Dec(); got != "1999999999999995000" {
		t.Errorf("wallet = %s", got)
	}
	tot := again.Totals()
	if tot.Spent.Uint64() != 100 || tot.Held.Uint64() != 5000 || !tot.Conserved() {
		t.Errorf("restored totals = escrow %s, spent %s, held %s", tot.Escrow, tot.Spent, tot.Held)
	}
	if again.NextOrderID() != 3 {
		t.Errorf("NextOrderID = %d, want 3", again.NextOrderID())
	}
	meta, err := again.GetOrderMeta(1)
	if err != nil || !meta.Executed {
		t.Errorf("order 1 meta = %+v, %v", meta, err)
	}
	if meta, _ := again.GetOrderMeta(2); meta.Executed || meta.ExecuteAt != now+1000 {
		t.Errorf("order 2 meta = %+v", meta)
	}
	if again.Nonce(h.user.Address()) != h.nonces[h.user.Address()] {
		t.Errorf("user nonce not restored")
	}
	if minted, _ := again.Tokens().BalanceOf(tokenAddr, h.user.Address()); minted.Uint64() != 100 {
		t.Errorf("minted = %s, want 100", minted)
	}
	gotHeight, gotHash := again.Height()
	if gotHeight != height || gotHash != appHash {
		t.Errorf("height/hash = %d/%s, want %d/%s", gotHeight, gotHash, height, appHash)
	}

	// the restored registry still serves the bot
	payload, _ := again.GetOrderCiphertexts(2)
	revealed, err := confidential.NewRevealer(again.Registry(), h.key).Reveal(h.bot.Address(), payload)
	if err != nil || revealed.Amount.Uint64() != 7 {
		t.Errorf("reveal after restart = %+v, %v", revealed, err)
	}
}
