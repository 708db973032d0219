package asset

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// MintableTokenABI is the subset of the mintable token interface the node calls.
const MintableTokenABI = `[
  {"type":"function","name":"mint","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// ReceiptReader is the part of an Ethereum client used to wait for inclusion.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthMinter mints on external token contracts. The node's key must be the
// token's minter on chain.
type EthMinter struct {
	client    *ethclient.Client
	abi       abi.ABI
	transacts *bind.TransactOpts
	pollEvery time.Duration
	timeout   time.Duration
	log       *zap.SugaredLogger

	mu    sync.Mutex
	bound map[common.Address]*bind.BoundContract
}

type EthMinterConfig struct {
	RPCURL    string
	Key       *ecdsa.PrivateKey
	PollEvery time.Duration
	Timeout   time.Duration
}

func NewEthMinter(ctx context.Context, cfg EthMinterConfig, log *zap.SugaredLogger) (*EthMinter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("minter key is required")
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(MintableTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(cfg.Key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &EthMinter{
		client:    cli,
		abi:       parsed,
		transacts: opts,
		pollEvery: cfg.PollEvery,
		timeout:   cfg.Timeout,
		log:       log,
		bound:     make(map[common.Address]*bind.BoundContract),
	}, nil
}

func (m *EthMinter) contractFor(token common.Address) *bind.BoundContract {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.bound[token]; ok {
		return c
	}
	c := bind.NewBoundContract(token, m.abi, m.client, m.client, m.client)
	m.bound[token] = c
	return c
}

// Mint sends mint(recipient, amount) to token and waits for a successful receipt.
func (m *EthMinter) Mint(ctx context.Context, token, recipient common.Address, amount *uint256.Int) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	opts := *m.transacts
	opts.Context = ctx

	tx, err := m.contractFor(token).Transact(&opts, "mint", recipient, amount.ToBig())
	if err != nil {
		return fmt.Errorf("mint tx: %w", err)
	}
	m.log.Infow("mint_sent", "token", token.Hex(), "to", recipient.Hex(), "amount", amount.Dec(), "tx", tx.Hash().Hex())

	receipt, err := WaitForReceipt(ctx, m.client, tx.Hash(), m.pollEvery)
	if err != nil {
		return fmt.Errorf("mint receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("mint reverted in tx %s", tx.Hash().Hex())
	}
	return nil
}

// BalanceOf reads holder's on-chain balance of token.
func (m *EthMinter) BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error) {
	var out []interface{}
	if err := m.contractFor(token).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf: unexpected output")
	}
	bal, overflow := uint256.FromBig(*abi.ConvertType(out[0], new(*big.Int)).(**big.Int))
	if overflow {
		return nil, fmt.Errorf("balanceOf: overflow")
	}
	return bal, nil
}

func (m *EthMinter) Close() {
	m.client.Close()
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client ReceiptReader, hash common.Hash, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
