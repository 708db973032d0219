package tradebot

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/app/core"
	"github.com/uhyunpark/tradebot/pkg/app/core/order"
	"github.com/uhyunpark/tradebot/pkg/app/core/settlement"
	"github.com/uhyunpark/tradebot/pkg/app/core/transaction"
	"github.com/uhyunpark/tradebot/pkg/asset"
	"github.com/uhyunpark/tradebot/pkg/confidential"
	"github.com/uhyunpark/tradebot/pkg/crypto"
	"github.com/uhyunpark/tradebot/pkg/storage"
)

// TokenSpec registers a mintable token on the in-memory token ledger.
type TokenSpec struct {
	Address common.Address
	Name    string
	Symbol  string
}

type AppConfig struct {
	ContractAddress common.Address
	Owner           common.Address
	Bot             common.Address
	Domain          crypto.EIP712Domain
	UnitPrice       *uint256.Int // genesis unit price; ignored when state is restored

	Tokens []TokenSpec
	// Minter overrides the in-memory token ledger (e.g. an EthMinter).
	Minter settlement.Minter

	// GenesisFunds seeds wallets on a fresh store.
	GenesisFunds []asset.WalletEntry

	Store *storage.PebbleStore // nil: state lives in memory only
}

// App executes signed transactions against one Contract. Each transaction is
// applied under the write lock, so views never observe a half-applied call.
type App struct {
	mu sync.RWMutex

	contract *Contract
	vault    *asset.Vault
	tokens   *asset.TokenLedger
	registry *confidential.Registry
	verifier *transaction.Verifier
	store    *storage.PebbleStore

	// persist token holdings only when minting on the local ledger
	localMint bool

	nonces  map[common.Address]uint64
	height  uint64
	appHash common.Hash

	log *zap.SugaredLogger
}

var _ abci.Application = (*App)(nil)

func NewApp(cfg AppConfig, log *zap.SugaredLogger) (*App, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &App{
		vault:    asset.NewVault(),
		tokens:   asset.NewTokenLedger(),
		verifier: transaction.NewVerifier(cfg.Domain),
		store:    cfg.Store,
		nonces:   make(map[common.Address]uint64),
		log:      log,
	}

	for _, t := range cfg.Tokens {
		if err := a.tokens.Register(t.Address, t.Name, t.Symbol, cfg.ContractAddress); err != nil {
			return nil, err
		}
	}

	minter := cfg.Minter
	if minter == nil {
		minter = a.tokens.MinterFor(cfg.ContractAddress)
		a.localMint = true
	}

	// the contract and the current bot may read every accepted input
	a.registry = confidential.NewRegistry(func() []common.Address {
		return []common.Address{cfg.ContractAddress, a.contract.Bot()}
	})
	a.contract = NewContract(ContractConfig{
		Address:    cfg.ContractAddress,
		Owner:      cfg.Owner,
		Bot:        cfg.Bot,
		UnitPrice:  cfg.UnitPrice,
		Transferer: a.vault,
		Minter:     minter,
		Inputs:     a.registry,
	}, log)

	if err := a.load(cfg.GenesisFunds); err != nil {
		return nil, err
	}
	return a, nil
}

// load restores persisted state, or applies genesis on a fresh store.
func (a *App) load(funds []asset.WalletEntry) error {
	var st *storage.State
	if a.store != nil {
		var err error
		if st, err = a.store.LoadState(); err != nil {
			return fmt.Errorf("load state: %w", err)
		}
	}

	if st == nil || st.Empty() {
		for _, f := range funds {
			if err := a.vault.Fund(f.Account, f.Balance); err != nil {
				return fmt.Errorf("genesis: %w", err)
			}
		}
		a.log.Infow("genesis_applied", "funded_accounts", len(funds), "owner", a.contract.Owner().Hex(), "bot", a.contract.Bot().Hex())
		return a.persistGenesis(funds)
	}

	if err := a.contract.Restore(*st.Admin, st.Balances, st.Orders); err != nil {
		return fmt.Errorf("restore contract: %w", err)
	}
	a.vault.Restore(st.Wallets, st.VaultHeld, st.VaultSpent)
	if skipped := a.tokens.Restore(st.Holdings); skipped > 0 {
		a.log.Warnw("holdings_skipped", "count", skipped)
	}
	a.registry.Load(st.Ciphertexts)
	for addr, n := range st.Nonces {
		a.nonces[addr] = n
	}
	a.height = st.Meta.Height
	a.appHash = st.Meta.AppHash

	a.log.Infow("state_restored",
		"height", a.height,
		"orders", len(st.Orders),
		"accounts", len(st.Balances),
		"escrow_total", a.contract.TotalEscrow().Dec(),
	)
	return nil
}

func (a *App) persistGenesis(funds []asset.WalletEntry) error {
	if a.store == nil {
		return nil
	}
	bw := a.store.NewBatch()
	defer bw.Close()
	if err := bw.PutAdmin(a.contract.AdminSnapshot()); err != nil {
		return err
	}
	for _, f := range funds {
		if err := bw.PutWallet(f.Account, a.vault.Wallet(f.Account)); err != nil {
			return err
		}
	}
	if err := bw.PutVaultHeld(a.vault.Held()); err != nil {
		return err
	}
	return bw.Commit()
}

// CheckTx performs the stateless checks plus a nonce pre-check.
func (a *App) CheckTx(req abci.RequestCheckTx) abci.ResponseCheckTx {
	tx, err := transaction.ParseTransaction(req.Tx)
	if err != nil {
		return abci.ResponseCheckTx{Log: err.Error()}
	}
	sender, err := a.verifier.Verify(tx)
	if err != nil {
		return abci.ResponseCheckTx{Log: err.Error(), Type: string(tx.Type)}
	}
	nonce, _ := tx.NonceValue()
	if last := a.Nonce(sender); nonce <= last {
		return abci.ResponseCheckTx{Log: fmt.Sprintf("nonce too low: got %d, last %d", nonce, last), Sender: sender, Type: string(tx.Type)}
	}
	return abci.ResponseCheckTx{OK: true, Sender: sender, Type: string(tx.Type)}
}

func (a *App) FinalizeBlock(ctx context.Context, req abci.RequestFinalizeBlock) abci.ResponseFinalizeBlock {
	var res abci.ResponseFinalizeBlock
	for i, raw := range req.Txs {
		r := a.deliverTx(ctx, req.Height, req.Timestamp, i, raw)
		res.Receipts = append(res.Receipts, r)
		res.Events = append(res.Events, r.Events...)
	}

	a.mu.Lock()
	a.height = req.Height
	a.appHash = a.computeStateHash(req.Height, req.Timestamp)
	res.AppHash = a.appHash
	a.mu.Unlock()

	if a.store != nil {
		bw := a.store.NewBatch()
		err := bw.PutAppMeta(storage.AppMeta{Height: req.Height, AppHash: res.AppHash})
		if err == nil {
			err = bw.Commit()
		}
		bw.Close()
		if err != nil {
			a.log.Errorw("persist_meta_failed", "height", req.Height, "err", err)
		}
	}
	return res
}

func (a *App) deliverTx(ctx context.Context, height, ts uint64, idx int, raw []byte) abci.Receipt {
	r := abci.Receipt{TxHash: abci.TxHash(raw), Height: height, Index: idx, Status: abci.StatusRejected}

	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Type = string(tx.Type)

	sender, err := a.verifier.Verify(tx)
	if err != nil {
		r.Error = err.Error()
		a.log.Warnw("tx_rejected", "type", tx.Type, "err", err)
		return r
	}
	r.Sender = sender.Hex()
	nonce, _ := tx.NonceValue()

	a.mu.Lock()
	defer a.mu.Unlock()

	// nonce advances even when the call reverts
	if last := a.nonces[sender]; nonce <= last {
		r.Error = fmt.Sprintf("nonce too low: got %d, last %d", nonce, last)
		a.log.Warnw("tx_rejected", "type", tx.Type, "sender", sender.Hex(), "nonce", nonce, "last", last)
		return r
	}
	a.nonces[sender] = nonce

	call := core.Call{Caller: sender, Time: ts}
	out, err := a.applySignedTx(ctx, call, tx)

	a.persist(sender, nonce, out.touched)

	if err != nil {
		r.Status = abci.StatusReverted
		r.Error = err.Error()
		if kind := core.Kind(err); kind != nil {
			r.Code = kind.Error()
		}
		a.log.Infow("tx_reverted", "type", tx.Type, "sender", sender.Hex(), "err", err)
		return r
	}

	r.Status = abci.StatusOK
	r.OrderID = out.orderID
	for _, ev := range out.events {
		ev.Height = height
		ev.TxHash = r.TxHash
		r.Events = append(r.Events, ev)
	}
	return r
}

// ---- Views (safe for concurrent use) ----

func (a *App) Contract() *Contract { return a.contract }

func (a *App) Registry() *confidential.Registry { return a.registry }

func (a *App) Tokens() *asset.TokenLedger { return a.tokens }

func (a *App) Vault() *asset.Vault { return a.vault }

func (a *App) Nonce(addr common.Address) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nonces[addr]
}

func (a *App) Height() (uint64, common.Hash) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.height, a.appHash
}

func (a *App) GetDeposit(acct common.Address) *uint256.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.contract.GetDeposit(acct)
}

func (a *App) NextOrderID() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.contract.NextOrderID()
}

func (a *App) GetOrderMeta(id uint64) (order.Meta, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.contract.GetOrderMeta(id)
}

func (a *App) GetOrderCiphertexts(id uint64) (order.OpaquePayload, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.contract.GetOrderCiphertexts(id)
}

// ConfigView is the public admin configuration.
type ConfigView struct {
	Contract  common.Address `json:"contract"`
	Owner     common.Address `json:"owner"`
	Bot       common.Address `json:"bot"`
	UnitPrice string         `json:"unit_price"`
}

func (a *App) Config() ConfigView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap := a.contract.AdminSnapshot()
	return ConfigView{Contract: a.contract.Address(), Owner: snap.Owner, Bot: snap.Bot, UnitPrice: snap.UnitPrice.Dec()}
}

// TotalsView backs the conservation check: Escrow + Spent == Held.
type TotalsView struct {
	Escrow *uint256.Int
	Spent  *uint256.Int // cost of settled orders, kept by the contract
	Held   *uint256.Int
}

// Conserved reports whether every held wei is either escrowed or spent.
func (t TotalsView) Conserved() bool {
	sum, overflow := new(uint256.Int).AddOverflow(t.Escrow, t.Spent)
	return !overflow && sum.Eq(t.Held)
}

func (a *App) Totals() TotalsView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return TotalsView{Escrow: a.contract.TotalEscrow(), Spent: a.vault.Spent(), Held: a.vault.Held()}
}
