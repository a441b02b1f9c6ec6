package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"merchantrails/internal/config"
	"merchantrails/internal/escrow"
	"merchantrails/internal/hmacauth"
	"merchantrails/internal/idempotency"
	"merchantrails/internal/notices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	headerRequestID   = "X-Request-Id"
	headerIdempotency = "X-Idempotency-Key"
	currentTxID       = "current"
	maxBodyBytes      = 64 << 10
)

// Orchestrator is the wallet session the HTTP layer drives.
type Orchestrator interface {
	Connect(ctx context.Context) (escrow.SessionView, error)
	Snapshot() escrow.SessionView
	Tokens() map[string]common.Address
	SendFunds(ctx context.Context, req escrow.TransferRequest) (escrow.SendResult, error)
	AddProtection(ctx context.Context, txID string) (escrow.WriteResult, error)
	CheckStatus(ctx context.Context, txID string) (escrow.StatusResult, error)
	Reputation(ctx context.Context, merchant string) (escrow.ReputationView, error)
	Dispute(ctx context.Context, txID string) (escrow.WriteResult, error)
	Withdraw(ctx context.Context, txID string) (escrow.WriteResult, error)
}

type Deps struct {
	Orchestrator Orchestrator
	Store        idempotency.Store
	Hub          *notices.Hub
	Metrics      *Metrics
	Logger       *slog.Logger
	// RPCHealth probes the chain endpoint; nil skips the check.
	RPCHealth    func(context.Context) error
}

type Server struct {
	cfg         *config.AppConfig
	orch        Orchestrator
	store       idempotency.Store
	hub         *notices.Hub
	hmac        *hmacauth.Verifier
	limiter     *rateLimiter
	metrics     *Metrics
	logger      *slog.Logger
	httpServer  *http.Server
	router      chi.Router
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = notices.NewHub(0, 0, logger)
	}

	s := &Server{
		cfg:         cfg,
		orch:        deps.Orchestrator,
		store:       deps.Store,
		hub:         hub,
		metrics:     metrics,
		logger:      logger,
		rpcHealthFn: deps.RPCHealth,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		OnReject: func(r *http.Request, err error) {
			logger.Warn("request signature rejected", "path", r.URL.Path, "request_id", r.Header.Get(headerRequestID), "error", err)
		},
	}
	s.limiter = newRateLimiter(cfg.Service.RateLimitPerMinute, 5, metrics.incRateLimited)

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware, s.logRequests)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", metrics.handler())

		r.Get("/session", s.handleGetSession)
		r.Get("/tokens", s.handleTokens)
		r.Get("/transactions/{txID}/status", s.handleStatus)
		r.Get("/merchants/{address}/reputation", s.handleReputation)
		r.Get("/notices", s.handleNotices)
		r.Handle("/notices/stream", hub)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware, s.hmac.Middleware)
			r.Post("/session", s.action(s.connect))
			r.Post("/payments", s.action(s.sendFunds))
			r.Post("/transactions/{txID}/protection", s.action(s.addProtection))
			r.Post("/transactions/{txID}/dispute", s.action(s.dispute))
			r.Post("/transactions/{txID}/withdrawal", s.action(s.withdraw))
		})
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// actionFunc runs one orchestrator action and returns the response to send.
type actionFunc func(r *http.Request, body []byte) (int, any)

// action wraps a write route with idempotent replay keyed by X-Idempotency-Key.
// Only successful responses are stored, so a failed action can be retried
// with the same key.
func (s *Server) action(fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_body", Message: "could not read request body"})
			return
		}
		ctx := r.Context()
		key := strings.TrimSpace(r.Header.Get(headerIdempotency))
		hash := idempotency.RequestHash(r.Method, r.URL.Path, body)

		if key != "" && s.store != nil {
			existing, err := idempotency.Lookup(ctx, s.store, key, hash)
			switch {
			case errors.Is(err, idempotency.ErrKeyMismatch):
				writeJSON(w, http.StatusConflict, errorBody{Error: "idempotency_key_reused", Message: err.Error()})
				return
			case err != nil:
				s.logger.Error("idempotency lookup failed", "key", key, "error", err)
			case existing != nil:
				s.metrics.incReplay()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(existing.StatusCode)
				_, _ = w.Write(existing.Response)
				return
			}
		}

		status, payload := fn(r, body)
		encoded, err := json.Marshal(payload)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "encode", Message: err.Error()})
			return
		}

		if key != "" && s.store != nil && status < 300 {
			record := idempotency.Record{
				StatusCode:  status,
				Response:    encoded,
				RequestHash: hash,
				CreatedAt:   time.Now(),
				ExpiresAt:   time.Now().Add(s.cfg.Service.IdempotencyWindow),
			}
			if err := s.store.Save(ctx, key, record); err != nil {
				s.logger.Error("idempotency save failed", "key", key, "error", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(encoded)
	}
}

func (s *Server) failure(action escrow.Action, err error) (int, any) {
	kind := escrow.KindOf(err)
	return statusFor(kind), errorBody{
		Error:   string(kind),
		Message: escrow.FailureMessage(action, err, s.cfg.Deployment.RewardSymbol),
	}
}

func statusFor(kind escrow.Kind) int {
	switch kind {
	case escrow.KindIncompleteInput, escrow.KindInvalidInput:
		return http.StatusBadRequest
	case escrow.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case escrow.KindBusy:
		return http.StatusConflict
	case escrow.KindNotConnected, escrow.KindWrongNetwork:
		return http.StatusPreconditionFailed
	case escrow.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case escrow.KindConnectionRejected:
		return http.StatusForbidden
	case escrow.KindRevert:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) connect(r *http.Request, _ []byte) (int, any) {
	view, err := s.orch.Connect(r.Context())
	if err != nil {
		return s.failure(escrow.ActionConnect, err)
	}
	return http.StatusOK, view
}

func (s *Server) sendFunds(r *http.Request, body []byte) (int, any) {
	var req escrow.TransferRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorBody{Error: string(escrow.KindInvalidInput), Message: "invalid json payload"}
		}
	}
	res, err := s.orch.SendFunds(r.Context(), req)
	if err != nil {
		return s.failure(escrow.ActionSendFunds, err)
	}
	if res.TxID == "" {
		// Confirmed on chain, but the id could not be recovered from the receipt.
		return http.StatusAccepted, res
	}
	return http.StatusOK, res
}

func (s *Server) addProtection(r *http.Request, _ []byte) (int, any) {
	res, err := s.orch.AddProtection(r.Context(), txIDParam(r))
	if err != nil {
		return s.failure(escrow.ActionAddProtection, err)
	}
	return http.StatusOK, res
}

func (s *Server) dispute(r *http.Request, _ []byte) (int, any) {
	res, err := s.orch.Dispute(r.Context(), txIDParam(r))
	if err != nil {
		return s.failure(escrow.ActionDispute, err)
	}
	return http.StatusOK, res
}

func (s *Server) withdraw(r *http.Request, _ []byte) (int, any) {
	res, err := s.orch.Withdraw(r.Context(), txIDParam(r))
	if err != nil {
		return s.failure(escrow.ActionWithdraw, err)
	}
	return http.StatusOK, res
}

func txIDParam(r *http.Request) string {
	id := chi.URLParam(r, "txID")
	if strings.EqualFold(id, currentTxID) {
		return ""
	}
	return id
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleTokens(w http.ResponseWriter, _ *http.Request) {
	type token struct {
		Symbol  string `json:"symbol"`
		Address string `json:"address"`
	}
	tokens := s.orch.Tokens()
	out := make([]token, 0, len(tokens))
	for _, symbol := range s.cfg.Deployment.TokenSymbols() {
		if addr, ok := tokens[symbol]; ok {
			out = append(out, token{Symbol: symbol, Address: addr.Hex()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.CheckStatus(r.Context(), txIDParam(r))
	if err != nil {
		code, body := s.failure(escrow.ActionCheckStatus, err)
		writeJSON(w, code, body)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TxID   escrow.TxID `json:"txId"`
		Code   uint8       `json:"code"`
		Status string      `json:"status"`
	}{
		TxID:   res.TxID,
		Code:   uint8(res.Status),
		Status: res.Status.String(),
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Reputation(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		code, body := s.failure(escrow.ActionReputation, err)
		writeJSON(w, code, body)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.hub.Recent(limit))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status      string      `json:"status"`
		RPC         interface{} `json:"rpc"`
		Database    interface{} `json:"database"`
		Wallet      bool        `json:"wallet_connected"`
		Subscribers int         `json:"notice_subscribers"`
	}{
		Status:      status,
		RPC:         rpcInfo,
		Database:    dbInfo,
		Wallet:      s.orch.Snapshot().Connected,
		Subscribers: s.hub.Subscribers(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/notices/stream" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Header.Get(headerRequestID),
		)
	})
}
