package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/tradebot/params"
	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/api"
	"github.com/uhyunpark/tradebot/pkg/app/core/mempool"
	"github.com/uhyunpark/tradebot/pkg/app/core/settlement"
	"github.com/uhyunpark/tradebot/pkg/app/tradebot"
	"github.com/uhyunpark/tradebot/pkg/asset"
	"github.com/uhyunpark/tradebot/pkg/bot"
	"github.com/uhyunpark/tradebot/pkg/chain"
	"github.com/uhyunpark/tradebot/pkg/confidential"
	"github.com/uhyunpark/tradebot/pkg/crypto"
	"github.com/uhyunpark/tradebot/pkg/idempotency"
	"github.com/uhyunpark/tradebot/pkg/metrics"
	"github.com/uhyunpark/tradebot/pkg/p2p"
	"github.com/uhyunpark/tradebot/pkg/storage"
	"github.com/uhyunpark/tradebot/pkg/txgen"
	"github.com/uhyunpark/tradebot/pkg/util"
)

func main() {
	// Priority: ENV > .env file > defaults
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "verbose", cfg.Node.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "blocks.wal"))
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer wal.Close()

	// ---- Keys ----
	domain := crypto.EIP712Domain{
		Name:              crypto.DefaultDomain().Name,
		Version:           crypto.DefaultDomain().Version,
		ChainID:           cfg.Contract.ChainIDBig(),
		VerifyingContract: cfg.Contract.Address,
	}

	botAddr := cfg.Bot.Address
	var botSigner *crypto.Signer
	if cfg.Bot.PrivateKey != "" {
		if botSigner, err = crypto.FromPrivateKeyHex(cfg.Bot.PrivateKey); err != nil {
			return fmt.Errorf("bot key: %w", err)
		}
		botAddr = botSigner.Address()
	}

	var decryptKey *confidential.KeyPair
	if cfg.Bot.DecryptionKey != "" {
		if decryptKey, err = confidential.KeyFromHex(cfg.Bot.DecryptionKey); err != nil {
			return fmt.Errorf("decryption key: %w", err)
		}
	}

	// ---- Minter: external chain or in-process token ledger ----
	var minter settlement.Minter
	if cfg.Eth.RPCURL != "" {
		signer, err := crypto.FromPrivateKeyHex(cfg.Eth.MinterPrivateKey)
		if err != nil {
			return fmt.Errorf("minter key: %w", err)
		}
		em, err := asset.NewEthMinter(ctx, asset.EthMinterConfig{RPCURL: cfg.Eth.RPCURL, Key: signer.PrivateKey()}, log)
		if err != nil {
			return fmt.Errorf("eth minter: %w", err)
		}
		defer em.Close()
		minter = em
		log.Infow("eth_minter_enabled", "rpc", cfg.Eth.RPCURL, "from", signer.Address().Hex())
	}

	// ---- Devnet traffic ----
	genesisFunds := cfg.Contract.GenesisFunds
	var gen *txgen.Generator
	if cfg.TxGen.Enabled {
		tokens := make([]common.Address, len(cfg.Contract.Tokens))
		for i, t := range cfg.Contract.Tokens {
			tokens[i] = t.Address
		}
		gcfg := txgen.DefaultConfig()
		gcfg.Accounts = cfg.TxGen.Accounts
		gcfg.Seed = cfg.TxGen.Seed
		gcfg.Tokens = tokens
		if gen, err = txgen.NewGenerator(gcfg, domain, decryptKey.Public); err != nil {
			return fmt.Errorf("txgen: %w", err)
		}
		genesisFunds = append(genesisFunds, gen.GenesisFunds(cfg.TxGen.FundsWei)...)
	}

	// ---- App ----
	app, err := tradebot.NewApp(tradebot.AppConfig{
		ContractAddress: cfg.Contract.Address,
		Owner:           cfg.Contract.Owner,
		Bot:             botAddr,
		Domain:          domain,
		UnitPrice:       cfg.Contract.UnitPrice,
		Tokens:          cfg.Contract.Tokens,
		Minter:          minter,
		GenesisFunds:    genesisFunds,
		Store:           store,
	}, log)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	// ---- Sequencer ----
	pool := mempool.NewMempool()
	seq, err := chain.NewSequencer(chain.Config{
		BlockInterval: cfg.Node.BlockInterval,
		MaxBlockBytes: cfg.Node.MaxBlockBytes,
	}, app, pool, store, wal, util.RealClock{}, log)
	if err != nil {
		return fmt.Errorf("sequencer: %w", err)
	}

	m := metrics.New()
	seq.OnBlock(func(b chain.Block, res abci.ResponseFinalizeBlock) {
		m.ObserveBlock(b.Height, res.Receipts, pool.Len())
	})

	// ---- Idempotency ----
	idem, closeIdem, err := openIdempotency(ctx, cfg.API)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeIdem()

	// ---- API Server ----
	apiCfg := api.Config{
		Addr:              cfg.API.Addr,
		AllowedOrigins:    cfg.API.AllowedOrigins,
		RateLimit:         rate.Limit(cfg.API.RateLimitRPS),
		RateBurst:         cfg.API.RateBurst,
		IdempotencyWindow: cfg.API.IdempotencyWindow,
		SubmitTimeout:     cfg.API.SubmitTimeout,
	}
	if decryptKey != nil {
		apiCfg.EncryptionKey = decryptKey.PublicKeyBytes()
	}
	apiServer := api.NewServer(apiCfg, api.Deps{
		App: app, Chain: seq, Blocks: store, Pool: pool, Idem: idem, Metrics: m,
	}, log)
	seq.OnBlock(apiServer.PublishBlock)

	// ---- Settlement bot ----
	var settler *bot.Bot
	if cfg.Bot.Enabled {
		settler = bot.New(bot.Config{PollEvery: cfg.Bot.PollEvery}, botSigner, domain,
			app, confidential.NewRevealer(app.Registry(), decryptKey), seq, util.RealClock{}, m, log)
		seq.OnBlock(func(_ chain.Block, res abci.ResponseFinalizeBlock) {
			for _, ev := range res.Events {
				if ev.Type == tradebot.EventOrderPlaced {
					settler.Wake()
					return
				}
			}
		})
	}

	// ---- P2P ----
	if cfg.P2P.Listen != "" {
		blockKey, sequencer, err := blockKeys(cfg.P2P)
		if err != nil {
			return err
		}
		net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.P2P.Listen,
			Bootstrap:  cfg.P2P.Bootstrap,
			Logger:     log,
			BlockKey:   blockKey,
			Sequencer:  sequencer,
		})
		if err != nil {
			return fmt.Errorf("libp2p: %w", err)
		}
		defer net.Close()
		net.SetHandlers(p2p.Handlers{
			OnTx: func(_ context.Context, tx []byte) {
				if _, err := seq.Broadcast(tx); err != nil {
					log.Debugw("relayed_tx_rejected", "err", err)
				}
			},
			OnSubmit: seq.Submit,
			OnBlock: func(context.Context, p2p.BlockAnnouncement) {
				if settler != nil {
					settler.Wake()
				}
			},
		})
		seq.OnBlock(net.PublishBlock)
		log.Infow("p2p_enabled", "addrs", net.Addrs(),
			"block_key", hexutil.Encode(blockKey.PublicKeyBytes()),
			"verify_announcements", sequencer != nil)
	}

	// ---- Run ----
	errCh := make(chan error, 3)
	go func() { errCh <- seq.Run(ctx) }()
	go func() { errCh <- apiServer.Serve(ctx) }()
	if settler != nil {
		go func() { errCh <- settler.Run(ctx) }()
	}
	if gen != nil {
		gen.SyncNonces(app)
		stopFeeder := txgen.StartFeeder(ctx, gen, seq, txgen.FeederConfig{
			BatchSize: cfg.TxGen.BatchSize,
			Interval:  cfg.TxGen.Interval,
		}, log)
		defer stopFeeder()
	}

	head := seq.Head()
	log.Infow("node_starting",
		"contract", cfg.Contract.Address.Hex(),
		"owner", cfg.Contract.Owner.Hex(),
		"bot", botAddr.Hex(),
		"bot_enabled", cfg.Bot.Enabled,
		"height", head.Height,
		"block_interval_ms", cfg.Node.BlockInterval.Milliseconds(),
		"api", cfg.API.Addr,
	)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ticker.C:
			totals := app.Totals()
			log.Infow("node_progress",
				"height", seq.Head().Height,
				"mempool", pool.Len(),
				"next_order_id", app.NextOrderID(),
				"escrow", totals.Escrow.Dec(),
				"vault_held", totals.Held.Dec(),
				"spent", totals.Spent.Dec(),
				"conserved", totals.Conserved(),
			)
		}
	}
}

func blockKeys(cfg params.P2P) (*crypto.BlockSigner, *crypto.BLSPubKey, error) {
	var signer *crypto.BlockSigner
	if cfg.BlockKey != "" {
		seed, err := hexutil.Decode(ensure0x(cfg.BlockKey))
		if err != nil {
			return nil, nil, fmt.Errorf("P2P_BLOCK_KEY: %w", err)
		}
		if signer, err = crypto.NewBlockSigner(seed); err != nil {
			return nil, nil, fmt.Errorf("P2P_BLOCK_KEY: %w", err)
		}
	} else {
		var err error
		if signer, err = crypto.GenerateBlockSigner(); err != nil {
			return nil, nil, err
		}
	}

	var sequencer *crypto.BLSPubKey
	if cfg.SequencerPubKey != "" {
		raw, err := hexutil.Decode(ensure0x(cfg.SequencerPubKey))
		if err != nil {
			return nil, nil, fmt.Errorf("SEQUENCER_PUBKEY: %w", err)
		}
		if sequencer, err = crypto.ParseBLSPublicKey(raw); err != nil {
			return nil, nil, fmt.Errorf("SEQUENCER_PUBKEY: %w", err)
		}
	}
	return signer, sequencer, nil
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") {
		return s
	}
	return "0x" + s
}

func openIdempotency(ctx context.Context, cfg params.API) (idempotency.Store, func(), error) {
	switch cfg.IdempotencyBackend {
	case "postgres":
		s, err := idempotency.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		s := idempotency.NewRedisStore(cfg.RedisAddr)
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return idempotency.NewMemoryStore(), func() {}, nil
	}
}
