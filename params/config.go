package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"

	"github.com/uhyunpark/tradebot/pkg/app/tradebot"
	"github.com/uhyunpark/tradebot/pkg/asset"
)

type Contract struct {
	Address   common.Address
	Owner     common.Address
	UnitPrice *uint256.Int // nil keeps the core default
	ChainID   int64        // EIP-712 domain chain id
	Tokens    []tradebot.TokenSpec
	// GenesisFunds seeds native wallets on a fresh data dir.
	GenesisFunds []asset.WalletEntry
}

type Node struct {
	DataDir       string
	BlockInterval time.Duration
	MaxBlockBytes int64
	LogFile       string
	Verbose       bool
}

type Bot struct {
	Enabled bool
	// Address is the authorized executor when no key runs in this process.
	Address       common.Address
	PrivateKey    string
	PollEvery     time.Duration
	DecryptionKey string // hex 32-byte seed of the HPKE key that reveals order inputs
}

type API struct {
	Addr              string
	AllowedOrigins    []string
	RateLimitRPS      float64
	RateBurst         int
	SubmitTimeout     time.Duration
	IdempotencyWindow time.Duration
	// IdempotencyBackend is "memory", "postgres" or "redis".
	IdempotencyBackend string
	PostgresDSN        string
	RedisAddr          string
}

type P2P struct {
	Listen    string
	Bootstrap []string
	// BlockKey is a hex seed (32+ bytes) for the BLS key that signs block
	// announcements. Empty generates a fresh key per run.
	BlockKey string
	// SequencerPubKey is the hex BLS key announcements must be signed by.
	SequencerPubKey string
}

// Eth configures minting on an external chain. Empty RPCURL mints on the
// in-process token ledger.
type Eth struct {
	RPCURL           string
	MinterPrivateKey string
}

// TxGen drives synthetic devnet traffic from seeded trader accounts.
type TxGen struct {
	Enabled   bool
	Accounts  int
	Seed      string
	BatchSize int
	Interval  time.Duration
	FundsWei  *uint256.Int // genesis wallet balance per trader
}

type Config struct {
	Contract Contract
	Node     Node
	Bot      Bot
	API      API
	P2P      P2P
	Eth      Eth
	TxGen    TxGen
}

var defaultToken = tradebot.TokenSpec{
	Address: common.HexToAddress("0x0000000000000000000000000000000000001001"),
	Name:    "Mock Mintable Token",
	Symbol:  "MMT",
}

func Default() Config {
	return Config{
		Contract: Contract{
			Address: common.HexToAddress("0x00000000000000000000000000000000000c0de1"),
			ChainID: 1337,
			Tokens:  []tradebot.TokenSpec{defaultToken},
		},
		Node: Node{
			DataDir:       "data",
			BlockInterval: 500 * time.Millisecond,
			MaxBlockBytes: 1 << 20,
			LogFile:       "data/node.log",
		},
		Bot: Bot{
			Enabled:   true,
			PollEvery: 2 * time.Second,
		},
		API: API{
			Addr:               ":8080",
			AllowedOrigins:     []string{"http://localhost:3000", "http://localhost:3001"},
			RateLimitRPS:       20,
			RateBurst:          40,
			SubmitTimeout:      10 * time.Second,
			IdempotencyWindow:  24 * time.Hour,
			IdempotencyBackend: "memory",
		},
		P2P: P2P{
			Listen: "/ip4/0.0.0.0/tcp/9000",
		},
		TxGen: TxGen{
			Accounts:  20,
			Seed:      "tradebot-devnet",
			BatchSize: 5,
			Interval:  time.Second,
			FundsWei:  uint256.NewInt(1_000_000_000),
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var err error
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		if cfg.Contract.Address, err = parseAddress("CONTRACT_ADDRESS", v); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("OWNER_ADDRESS"); v != "" {
		if cfg.Contract.Owner, err = parseAddress("OWNER_ADDRESS", v); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("UNIT_PRICE_WEI"); v != "" {
		if cfg.Contract.UnitPrice, err = uint256.FromDecimal(v); err != nil {
			return cfg, fmt.Errorf("UNIT_PRICE_WEI: %w", err)
		}
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if cfg.Contract.ChainID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return cfg, fmt.Errorf("CHAIN_ID: %w", err)
		}
	}
	if v := os.Getenv("TOKENS"); v != "" {
		if cfg.Contract.Tokens, err = parseTokens(v); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("GENESIS_FUNDS"); v != "" {
		if cfg.Contract.GenesisFunds, err = parseFunds(v); err != nil {
			return cfg, err
		}
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.Verbose = getEnv("VERBOSE", "") == "true"
	if cfg.Node.BlockInterval, err = getMillis("BLOCK_INTERVAL_MS", cfg.Node.BlockInterval); err != nil {
		return cfg, err
	}
	if v := os.Getenv("MAX_BLOCK_BYTES"); v != "" {
		if cfg.Node.MaxBlockBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			return cfg, fmt.Errorf("MAX_BLOCK_BYTES: %w", err)
		}
	}

	if v := os.Getenv("ENABLE_BOT"); v != "" {
		cfg.Bot.Enabled = v == "true"
	}
	if v := os.Getenv("BOT_ADDRESS"); v != "" {
		if cfg.Bot.Address, err = parseAddress("BOT_ADDRESS", v); err != nil {
			return cfg, err
		}
	}
	cfg.Bot.PrivateKey = getEnv("BOT_PRIVATE_KEY", cfg.Bot.PrivateKey)
	cfg.Bot.DecryptionKey = getEnv("DECRYPTION_KEY", cfg.Bot.DecryptionKey)
	if cfg.Bot.PollEvery, err = getMillis("BOT_POLL_MS", cfg.Bot.PollEvery); err != nil {
		return cfg, err
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("API_ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("API_RATE_LIMIT_RPS"); v != "" {
		if cfg.API.RateLimitRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return cfg, fmt.Errorf("API_RATE_LIMIT_RPS: %w", err)
		}
	}
	if v := os.Getenv("API_RATE_BURST"); v != "" {
		if cfg.API.RateBurst, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("API_RATE_BURST: %w", err)
		}
	}
	if cfg.API.SubmitTimeout, err = getMillis("API_SUBMIT_TIMEOUT_MS", cfg.API.SubmitTimeout); err != nil {
		return cfg, err
	}
	cfg.API.IdempotencyBackend = getEnv("IDEMPOTENCY_BACKEND", cfg.API.IdempotencyBackend)
	cfg.API.PostgresDSN = getEnv("POSTGRES_DSN", cfg.API.PostgresDSN)
	cfg.API.RedisAddr = getEnv("REDIS_ADDR", cfg.API.RedisAddr)

	cfg.P2P.Listen = getEnv("LISTEN", cfg.P2P.Listen)
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.P2P.Bootstrap = splitList(v)
	}
	cfg.P2P.BlockKey = getEnv("P2P_BLOCK_KEY", cfg.P2P.BlockKey)
	cfg.P2P.SequencerPubKey = getEnv("SEQUENCER_PUBKEY", cfg.P2P.SequencerPubKey)

	cfg.Eth.RPCURL = getEnv("ETH_RPC_URL", cfg.Eth.RPCURL)
	cfg.Eth.MinterPrivateKey = getEnv("MINTER_PRIVATE_KEY", cfg.Eth.MinterPrivateKey)

	cfg.TxGen.Enabled = getEnv("ENABLE_TXGEN", "") == "true"
	cfg.TxGen.Seed = getEnv("TXGEN_SEED", cfg.TxGen.Seed)
	if v := os.Getenv("TXGEN_ACCOUNTS"); v != "" {
		if cfg.TxGen.Accounts, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("TXGEN_ACCOUNTS: %w", err)
		}
	}
	if v := os.Getenv("TXGEN_BATCH"); v != "" {
		if cfg.TxGen.BatchSize, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("TXGEN_BATCH: %w", err)
		}
	}
	if cfg.TxGen.Interval, err = getMillis("TXGEN_INTERVAL_MS", cfg.TxGen.Interval); err != nil {
		return cfg, err
	}
	if v := os.Getenv("TXGEN_FUNDS_WEI"); v != "" {
		if cfg.TxGen.FundsWei, err = uint256.FromDecimal(v); err != nil {
			return cfg, fmt.Errorf("TXGEN_FUNDS_WEI: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	if c.Contract.Owner == (common.Address{}) {
		return fmt.Errorf("OWNER_ADDRESS is required")
	}
	if c.Bot.Enabled && c.Bot.PrivateKey == "" {
		return fmt.Errorf("BOT_PRIVATE_KEY is required when ENABLE_BOT=true")
	}
	if c.Bot.PrivateKey == "" && c.Bot.Address == (common.Address{}) {
		return fmt.Errorf("BOT_ADDRESS or BOT_PRIVATE_KEY is required")
	}
	if c.Bot.Enabled && c.Bot.DecryptionKey == "" {
		return fmt.Errorf("DECRYPTION_KEY is required when ENABLE_BOT=true")
	}
	if c.Eth.RPCURL != "" && c.Eth.MinterPrivateKey == "" {
		return fmt.Errorf("MINTER_PRIVATE_KEY is required with ETH_RPC_URL")
	}
	if c.TxGen.Enabled {
		if c.Bot.DecryptionKey == "" {
			return fmt.Errorf("DECRYPTION_KEY is required when ENABLE_TXGEN=true")
		}
		if c.TxGen.Accounts <= 0 || c.TxGen.BatchSize <= 0 {
			return fmt.Errorf("TXGEN_ACCOUNTS and TXGEN_BATCH must be positive")
		}
	}
	switch c.API.IdempotencyBackend {
	case "memory":
	case "postgres":
		if c.API.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres idempotency backend")
		}
	case "redis":
		if c.API.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis idempotency backend")
		}
	default:
		return fmt.Errorf("unknown IDEMPOTENCY_BACKEND %q", c.API.IdempotencyBackend)
	}
	if c.Node.BlockInterval <= 0 {
		return fmt.Errorf("BLOCK_INTERVAL_MS must be positive")
	}
	return nil
}

// ChainIDBig returns the EIP-712 chain id.
func (c Contract) ChainIDBig() *big.Int { return big.NewInt(c.ChainID) }

// parseTokens reads "0xaddr:Name:SYMBOL,..."
func parseTokens(v string) ([]tradebot.TokenSpec, error) {
	var out []tradebot.TokenSpec
	for _, item := range splitList(v) {
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("TOKENS: want address:name:symbol, got %q", item)
		}
		addr, err := parseAddress("TOKENS", parts[0])
		if err != nil {
			return nil, err
		}
		out = append(out, tradebot.TokenSpec{Address: addr, Name: parts[1], Symbol: parts[2]})
	}
	return out, nil
}

// parseFunds reads "0xaddr:weiAmount,..."
func parseFunds(v string) ([]asset.WalletEntry, error) {
	var out []asset.WalletEntry
	for _, item := range splitList(v) {
		parts := strings.Split(item, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("GENESIS_FUNDS: want address:amount, got %q", item)
		}
		addr, err := parseAddress("GENESIS_FUNDS", parts[0])
		if err != nil {
			return nil, err
		}
		amt, err := uint256.FromDecimal(parts[1])
		if err != nil {
			return nil, fmt.Errorf("GENESIS_FUNDS %s: %w", parts[0], err)
		}
		out = append(out, asset.WalletEntry{Account: addr, Balance: amt})
	}
	return out, nil
}

func parseAddress(key, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, v)
	}
	return common.HexToAddress(v), nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getMillis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
