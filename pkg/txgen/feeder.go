package txgen

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Broadcaster queues a tx without waiting for inclusion.
type Broadcaster interface {
	Broadcast(tx []byte) (common.Hash, error)
}

// FeederConfig controls transaction generation rate
type FeederConfig struct {
	BatchSize int
	Interval  time.Duration
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{BatchSize: 5, Interval: time.Second}
}

// StartFeeder pushes a batch every Interval until ctx is cancelled or the
// returned cancel func is called.
func StartFeeder(ctx context.Context, gen *Generator, sink Broadcaster, cfg FeederConfig, log *zap.SugaredLogger) context.CancelFunc {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		start := time.Now()
		sent, rejected := 0, 0
		lastLog := start

		log.Infow("txgen_started", "batch", cfg.BatchSize, "interval", cfg.Interval, "accounts", len(gen.Signers()))

		for {
			select {
			case <-feedCtx.Done():
				deposits, orders := gen.Stats()
				log.Infow("txgen_stopped", "sent", sent, "rejected", rejected, "deposits", deposits, "orders", orders,
					"elapsed", time.Since(start).Round(time.Second))
				return

			case now := <-ticker.C:
				batch, err := gen.Batch(cfg.BatchSize)
				if err != nil {
					log.Warnw("txgen_batch_failed", "err", err)
				}
				for _, tx := range batch {
					if _, err := sink.Broadcast(tx); err != nil {
						rejected++
						log.Debugw("txgen_tx_rejected", "err", err)
						continue
					}
					sent++
				}

				if now.Sub(lastLog) >= 10*time.Second {
					lastLog = now
					log.Infow("txgen_stats", "sent", sent, "rejected", rejected,
						"rate", float64(sent)/now.Sub(start).Seconds())
				}
			}
		}
	}()

	return cancel
}
