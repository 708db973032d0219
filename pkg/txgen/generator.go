// Package txgen produces signed devnet traffic: deposits and sealed orders
// from a fixed set of simulated traders.
package txgen

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/app/core/transaction"
	"github.com/uhyunpark/tradebot/pkg/asset"
	"github.com/uhyunpark/tradebot/pkg/confidential"
	"github.com/uhyunpark/tradebot/pkg/crypto"
)

// NonceReader reports the last nonce the chain accepted from an account.
type NonceReader interface {
	Nonce(addr common.Address) uint64
}

type Config struct {
	Accounts    int
	Seed        string // trader keys derive from it, so restarts reuse funded accounts
	Tokens      []common.Address
	MaxAmount   uint64        // order amount drawn from [1, MaxAmount]
	MaxDelay    time.Duration // executeAt drawn from [now, now+MaxDelay]
	DepositWei  uint64        // size of each generated deposit
	DepositRate int           // percent of txs that are deposits
}

func DefaultConfig() Config {
	return Config{
		Accounts:    20,
		Seed:        "tradebot-devnet",
		MaxAmount:   100,
		MaxDelay:    30 * time.Second,
		DepositWei:  10_000,
		DepositRate: 30,
	}
}

// Generator creates signed transactions. Not safe for concurrent use.
type Generator struct {
	cfg     Config
	signers []*crypto.Signer
	nonces  map[common.Address]uint64
	sealer  *confidential.Sealer
	eip712  *crypto.EIP712Signer
	rng     *rand.Rand
	now     func() time.Time

	deposits, orders int
}

func NewGenerator(cfg Config, domain crypto.EIP712Domain, encKey kem.PublicKey) (*Generator, error) {
	if cfg.Accounts <= 0 {
		return nil, fmt.Errorf("accounts must be positive")
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("at least one token is required")
	}
	if cfg.MaxAmount == 0 {
		cfg.MaxAmount = 1
	}
	g := &Generator{
		cfg:     cfg,
		signers: make([]*crypto.Signer, cfg.Accounts),
		nonces:  make(map[common.Address]uint64, cfg.Accounts),
		sealer:  confidential.NewSealer(encKey),
		eip712:  crypto.NewEIP712Signer(domain),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	for i := range g.signers {
		s, err := deriveSigner(cfg.Seed, i)
		if err != nil {
			return nil, err
		}
		g.signers[i] = s
	}
	return g, nil
}

func deriveSigner(seed string, i int) (*crypto.Signer, error) {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(i))
	key := ethCrypto.Keccak256([]byte(seed), idx[:])
	return crypto.FromPrivateKeyHex(hexutil.Encode(key))
}

// SyncNonces resumes every trader from the chain's last accepted nonce.
func (g *Generator) SyncNonces(chain NonceReader) {
	for _, s := range g.signers {
		if n := chain.Nonce(s.Address()); n > g.nonces[s.Address()] {
			g.nonces[s.Address()] = n
		}
	}
}

// GenesisFunds gives every trader the same native wallet balance.
func (g *Generator) GenesisFunds(each *uint256.Int) []asset.WalletEntry {
	out := make([]asset.WalletEntry, len(g.signers))
	for i, s := range g.signers {
		out[i] = asset.WalletEntry{Account: s.Address(), Balance: new(uint256.Int).Set(each)}
	}
	return out
}

func (g *Generator) Signers() []*crypto.Signer { return g.signers }

// Next returns one signed tx from a random trader.
func (g *Generator) Next() ([]byte, error) {
	signer := g.signers[g.rng.Intn(len(g.signers))]
	g.nonces[signer.Address()]++
	nonce := g.nonces[signer.Address()]

	var tx *transaction.SignedTransaction
	if g.rng.Intn(100) < g.cfg.DepositRate {
		tx = transaction.NewDeposit(nonce, uint256.NewInt(g.cfg.DepositWei))
		g.deposits++
	} else {
		token := g.cfg.Tokens[g.rng.Intn(len(g.cfg.Tokens))]
		amount := uint256.NewInt(uint64(g.rng.Int63n(int64(g.cfg.MaxAmount))) + 1)
		in, err := g.sealer.Seal(signer.Address(), token, amount)
		if err != nil {
			return nil, err
		}
		var delay time.Duration
		if g.cfg.MaxDelay > 0 {
			delay = time.Duration(g.rng.Int63n(int64(g.cfg.MaxDelay)))
		}
		executeAt := uint64(g.now().Add(delay).Unix())
		tx = transaction.NewPlaceOrder(nonce, in.EncToken, in.EncAmount, in.Proof, executeAt)
		g.orders++
	}

	if err := tx.Sign(g.eip712, signer); err != nil {
		return nil, err
	}
	return tx.Serialize()
}

// Batch returns up to n signed txs.
func (g *Generator) Batch(n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		tx, err := g.Next()
		if err != nil {
			return out, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// Stats returns how many deposits and orders were generated.
func (g *Generator) Stats() (deposits, orders int) { return g.deposits, g.orders }
