// Package metrics holds the node's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/tradebot/pkg/abci"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	txsTotal       *prometheus.CounterVec
	blocksTotal    prometheus.Counter
	blockTxs       prometheus.Histogram
	height         prometheus.Gauge
	mempoolDepth   prometheus.Gauge
	botTotal       *prometheus.CounterVec
	httpTotal      *prometheus.CounterVec
	wsClients      prometheus.Gauge
	idempotentHits prometheus.Counter
}

func New() *Metrics {
	txs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_txs_total",
		Help: "Executed transactions by type and receipt status",
	}, []string{"type", "status"})

	blocks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_blocks_total",
		Help: "Blocks produced",
	})

	blockTxs := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradebot_block_txs",
		Help:    "Transactions per block",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	height := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradebot_block_height",
		Help: "Height of the last produced block",
	})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradebot_mempool_depth",
		Help: "Pending transactions after the last block",
	})

	bot := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_bot_executions_total",
		Help: "Settlement attempts by the bot, by result",
	}, []string{"result"})

	httpReqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	ws := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradebot_ws_clients",
		Help: "Connected websocket clients",
	})

	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_idempotent_replays_total",
		Help: "Tx submissions answered from the idempotency store",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(txs, blocks, blockTxs, height, depth, bot, httpReqs, ws, hits)

	return &Metrics{
		registry:       r,
		txsTotal:       txs,
		blocksTotal:    blocks,
		blockTxs:       blockTxs,
		height:         height,
		mempoolDepth:   depth,
		botTotal:       bot,
		httpTotal:      httpReqs,
		wsClients:      ws,
		idempotentHits: hits,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveBlock records one produced block and its receipts.
func (m *Metrics) ObserveBlock(height uint64, receipts []abci.Receipt, pending int) {
	if m == nil {
		return
	}
	m.blocksTotal.Inc()
	m.blockTxs.Observe(float64(len(receipts)))
	m.height.Set(float64(height))
	m.mempoolDepth.Set(float64(pending))
	for _, r := range receipts {
		typ := r.Type
		if typ == "" {
			typ = "unknown"
		}
		m.txsTotal.WithLabelValues(typ, statusLabel(r.Status)).Inc()
	}
}

func (m *Metrics) IncBot(result string) {
	if m == nil {
		return
	}
	m.botTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Metrics) IncIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentHits.Inc()
}

func statusLabel(s uint8) string {
	switch s {
	case abci.StatusOK:
		return "ok"
	case abci.StatusReverted:
		return "reverted"
	default:
		return "rejected"
	}
}
