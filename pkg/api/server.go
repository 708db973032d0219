// Package api serves the node's REST and WebSocket surface.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/tradebot/pkg/abci"
	"github.com/uhyunpark/tradebot/pkg/app/core"
	"github.com/uhyunpark/tradebot/pkg/app/core/mempool"
	"github.com/uhyunpark/tradebot/pkg/app/tradebot"
	"github.com/uhyunpark/tradebot/pkg/chain"
	"github.com/uhyunpark/tradebot/pkg/idempotency"
	"github.com/uhyunpark/tradebot/pkg/metrics"
)

const (
	maxTxBytes        = 64 << 10
	idempotencyHeader = "X-Idempotency-Key"
	requestIDHeader   = "X-Request-Id"
)

// Chain is the block producer transactions are submitted through.
type Chain interface {
	Submit(ctx context.Context, tx []byte) (abci.Receipt, error)
	Head() chain.Block
}

type Config struct {
	Addr              string
	AllowedOrigins    []string
	RateLimit         rate.Limit // per client, requests per second; 0 disables
	RateBurst         int
	IdempotencyWindow time.Duration
	SubmitTimeout     time.Duration // how long POST /tx waits for inclusion
	// EncryptionKey is the public key clients seal order inputs to; empty hides the route.
	EncryptionKey []byte
}

type Deps struct {
	App     *tradebot.App
	Chain   Chain
	Blocks  chain.BlockStore
	Pool    *mempool.Mempool
	Idem    idempotency.Store // optional
	Metrics *metrics.Metrics
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg    Config
	app    *tradebot.App
	chain  Chain
	blocks chain.BlockStore
	pool   *mempool.Mempool
	idem   idempotency.Store
	m      *metrics.Metrics
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	visitorsMu sync.Mutex
	visitors   map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewServer(cfg Config, deps Deps, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 24 * time.Hour
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	s := &Server{
		cfg:      cfg,
		app:      deps.App,
		chain:    deps.Chain,
		blocks:   deps.Blocks,
		pool:     deps.Pool,
		idem:     deps.Idem,
		m:        deps.Metrics,
		router:   mux.NewRouter(),
		hub:      NewHub(deps.Metrics, log),
		log:      log,
		visitors: make(map[string]*visitor),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID, s.observe)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimit)

	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")
	api.HandleFunc("/txs/{hash}", s.handleGetReceipt).Methods("GET")
	api.HandleFunc("/blocks/{height:[0-9]+}", s.handleGetBlock).Methods("GET")

	api.HandleFunc("/accounts/{address}/deposit", s.handleGetDeposit).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config/encryption-key", s.handleGetEncryptionKey).Methods("GET")

	api.HandleFunc("/orders/next-id", s.handleGetNextOrderID).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/ciphertexts", s.handleGetCiphertexts).Methods("GET")

	api.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	api.HandleFunc("/tokens/{token}/balances/{address}", s.handleGetTokenBalance).Methods("GET")

	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", s.m.Handler())
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", idempotencyHeader, requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Serve runs the WebSocket hub and the HTTP listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.pruneVisitors(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// ==============================
// Middleware
// ==============================

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps WebSocket upgrades working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.m.IncHTTP(route, rec.status)
		s.log.Debugw("http_request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"request_id", r.Header.Get(requestIDHeader),
			"took", time.Since(start),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.cfg.RateLimit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientIP(r)).Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded", "retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.visitorsMu.Lock()
	defer s.visitorsMu.Unlock()
	v, ok := s.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst)}
		s.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (s *Server) pruneVisitors(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.visitorsMu.Lock()
			for ip, v := range s.visitors {
				if now.Sub(v.lastSeen) > 3*time.Minute {
					delete(s.visitors, ip)
				}
			}
			s.visitorsMu.Unlock()
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))

	if key != "" && s.idem != nil {
		existing, err := s.idem.Get(ctx, key)
		if err != nil {
			s.log.Warnw("idempotency_get_failed", "key", key, "err", err)
		}
		if existing != nil {
			s.m.IncIdempotentReplay()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTxBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	if !json.Valid(body) {
		respondError(w, http.StatusBadRequest, "invalid JSON transaction", "")
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	receipt, err := s.chain.Submit(submitCtx, body)
	switch {
	case errors.Is(err, chain.ErrRejected):
		respondError(w, http.StatusBadRequest, "transaction rejected", err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		// queued but not yet in a block; the client polls /txs/{hash}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(PendingTxResponse{TxHash: receipt.TxHash.Hex(), Status: "pending"})
		return
	case err != nil:
		respondError(w, http.StatusServiceUnavailable, "submit failed", err.Error())
		return
	}

	s.log.Infow("tx_included",
		"tx_hash", receipt.TxHash.Hex(),
		"type", receipt.Type,
		"status", receipt.Status,
		"height", receipt.Height,
		"request_id", r.Header.Get(requestIDHeader),
	)

	out, _ := json.Marshal(SubmitTxResponse{Receipt: receipt})
	if key != "" && s.idem != nil {
		now := time.Now()
		rec := idempotency.Record{
			StatusCode: http.StatusOK,
			Response:   out,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.IdempotencyWindow),
		}
		if err := s.idem.Save(ctx, key, rec); err != nil {
			s.log.Warnw("idempotency_save_failed", "key", key, "err", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	raw, err := hexutil.Decode(mux.Vars(r)["hash"])
	if err != nil || len(raw) != common.HashLength {
		respondError(w, http.StatusBadRequest, "invalid tx hash", "")
		return
	}
	receipt, ok, err := s.blocks.GetReceipt(common.BytesToHash(raw))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "receipt lookup failed", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "receipt not found", "")
		return
	}
	respondJSON(w, receipt)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	height, _ := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	blk, ok, err := s.blocks.GetBlock(height)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "block lookup failed", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "block not found", "")
		return
	}
	respondJSON(w, blockUpdate(blk))
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	respondJSON(w, DepositInfo{
		Address: addr.Hex(),
		Deposit: s.app.GetDeposit(addr).Dec(),
		Nonce:   s.app.Nonce(addr),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.Config())
}

func (s *Server) handleGetEncryptionKey(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.EncryptionKey) == 0 {
		respondError(w, http.StatusNotFound, "no encryption key configured", "")
		return
	}
	respondJSON(w, EncryptionKeyInfo{Scheme: "hpke-x25519-hkdf-sha256-chacha20poly1305", PublicKey: hexutil.Encode(s.cfg.EncryptionKey)})
}

func (s *Server) handleGetNextOrderID(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, NextOrderIDInfo{NextOrderID: s.app.NextOrderID()})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	meta, err := s.app.GetOrderMeta(id)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, OrderInfo{
		ID:        id,
		Owner:     meta.Owner.Hex(),
		ExecuteAt: meta.ExecuteAt,
		Executed:  meta.Executed,
	})
}

func (s *Server) handleGetCiphertexts(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	payload, err := s.app.GetOrderCiphertexts(id)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, CiphertextInfo{
		ID:        id,
		EncToken:  hexutil.Encode(payload.EncToken[:]),
		EncAmount: hexutil.Encode(payload.EncAmount[:]),
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.Tokens().List())
}

func (s *Server) handleGetTokenBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token, ok := parseAddress(w, vars["token"])
	if !ok {
		return
	}
	holder, ok := parseAddress(w, vars["address"])
	if !ok {
		return
	}
	info, err := s.app.Tokens().Info(token)
	if err != nil {
		respondError(w, http.StatusNotFound, "token not found", err.Error())
		return
	}
	bal, err := s.app.Tokens().BalanceOf(token, holder)
	if err != nil {
		respondError(w, http.StatusNotFound, "token not found", err.Error())
		return
	}
	respondJSON(w, TokenBalanceInfo{
		Token:   token.Hex(),
		Symbol:  info.Symbol,
		Holder:  holder.Hex(),
		Balance: bal.Dec(),
	})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	head := s.chain.Head()
	totals := s.app.Totals()
	status := ChainStatus{
		Height:    head.Height,
		BlockHash: "0x" + chain.HashOfBlock(head).String(),
		AppHash:   "0x" + head.AppHash.String(),
		BlockTime: head.Time.Unix(),
		Escrow:    totals.Escrow.Dec(),
		VaultHeld: totals.Held.Dec(),
		Spent:     totals.Spent.Dec(),
	}
	if s.pool != nil {
		status.MempoolSize = s.pool.Len()
	}
	respondJSON(w, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast (registered as a block hook)
// ==============================

// PublishBlock pushes the block and its events to WebSocket subscribers.
func (s *Server) PublishBlock(blk chain.Block, res abci.ResponseFinalizeBlock) {
	s.hub.BroadcastToChannel(blockUpdate(blk), ChannelBlocks)
	for _, ev := range res.Events {
		channels := []string{ChannelEvents, ChannelEvents + ":" + ev.Type}
		for _, attr := range []string{"account", "owner"} {
			if v, ok := ev.Attributes[attr]; ok {
				channels = append(channels, "account:"+strings.ToLower(v))
			}
		}
		s.hub.BroadcastToChannel(EventUpdate{Type: "event", Event: ev}, channels...)
	}
}

// ==============================
// Helper Functions
// ==============================

func blockUpdate(blk chain.Block) BlockUpdate {
	return BlockUpdate{
		Type:    "block",
		Height:  blk.Height,
		Hash:    "0x" + chain.HashOfBlock(blk).String(),
		AppHash: "0x" + blk.AppHash.String(),
		TxCount: blk.TxCount,
		Time:    blk.Time.Unix(),
	}
}

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func respondCoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrNotFound) {
		respondError(w, http.StatusNotFound, "order not found", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "internal error", err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
