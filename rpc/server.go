package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wagerchain/audit"
	"wagerchain/core/types"
	"wagerchain/native/wager"
	"wagerchain/observability"
	"wagerchain/observability/logging"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeForbidden      = -32002
	codeReplay         = -32010
	codeBusy           = -32011
	codeRateLimited    = -32020

	// Wager rejections occupy -32100..-32199.
	codeWagerInvalidAmount     = -32100
	codeWagerInsufficientFunds = -32101
	codeWagerWrongState        = -32102
	codeWagerAlreadyFull       = -32103
	codeWagerSelfPlay          = -32104
	codeWagerUnauthorized      = -32105
	codeWagerInvalidWinner     = -32106
	codeWagerAlreadyTerminal   = -32107
	codeWagerInvalidID         = -32108
	codeWagerInvalidArbiter    = -32109
	codeWagerExists            = -32110
	codeWagerNotFound          = -32111
)

// Engine is the subset of the wager engine exposed over RPC.
type Engine interface {
	Open(id string, stake uint64, arbiter, caller wager.Identity) (*wager.Wager, error)
	Join(id string, caller wager.Identity) (*wager.Wager, error)
	Resolve(id string, winner, caller wager.Identity) (*wager.Wager, error)
	Cancel(id string, caller wager.Identity) (*wager.Wager, error)
	Lookup(id string) (*wager.Wager, *wager.Tombstone, error)
}

// Ledger serves balance queries and operator credits.
type Ledger interface {
	Balance(addr [20]byte) (*big.Int, error)
	CustodyBalance(id string) (*big.Int, error)
	Credit(addr [20]byte, amount *big.Int) error
}

// History serves the audit trail of a wager.
type History interface {
	History(ctx context.Context, wagerID string, limit int) ([]audit.Entry, error)
}

// EventSource feeds the websocket event stream.
type EventSource interface {
	Subscribe() (<-chan *types.Event, func())
}

// Config tunes the request guards.
type Config struct {
	MaxBodyBytes       int64
	SignatureSkew      time.Duration
	ReplayCacheSize    int
	RateLimitPerSecond float64
	RateLimitBurst     int
	TrustedProxies     []string
	AllowedWSOrigins   []string
	Operator           OperatorAuthConfig
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id,omitempty"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

// Server exposes the wager engine and ledger over JSON-RPC 2.0.
type Server struct {
	cfg      Config
	engine   Engine
	ledger   Ledger
	history  History
	events   EventSource
	logger   *slog.Logger
	nowFn    func() time.Time
	replay   *replayCache
	limiter  *rateLimiter
	operator *operatorAuth
	methods  map[string]handlerFunc
}

// NewServer wires the handlers. history and events may be nil, in which case
// wager_history and /ws/events are unavailable.
func NewServer(cfg Config, engine Engine, ledger Ledger, history History, events EventSource, logger *slog.Logger) (*Server, error) {
	if engine == nil || ledger == nil {
		return nil, errors.New("rpc: engine and ledger required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SignatureSkew <= 0 {
		cfg.SignatureSkew = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	replay, err := newReplayCache(cfg.ReplayCacheSize, cfg.SignatureSkew)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		ledger:   ledger,
		history:  history,
		events:   events,
		logger:   logger.With(slog.String("component", "rpc")),
		nowFn:    time.Now,
		replay:   replay,
		limiter:  newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.TrustedProxies),
		operator: newOperatorAuth(cfg.Operator),
	}
	s.methods = map[string]handlerFunc{
		"wager_open":     s.handleWagerOpen,
		"wager_join":     s.handleWagerJoin,
		"wager_resolve":  s.handleWagerResolve,
		"wager_cancel":   s.handleWagerCancel,
		"wager_get":      s.handleWagerGet,
		"wager_history":  s.handleWagerHistory,
		"ledger_balance": s.handleLedgerBalance,
		"ledger_credit":  s.handleLedgerCredit,
	}
	return s, nil
}

// SetNowFunc overrides the clock used for timestamp checks.
func (s *Server) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Handler returns the HTTP routes: the JSON-RPC endpoint on "/", health,
// Prometheus metrics and the event stream.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	if s.events != nil {
		r.Get("/ws/events", s.handleEventsWS)
	}
	r.Post("/", s.handle)
	return otelhttp.NewHandler(r, "wagerd.rpc")
}

// Serve runs an HTTP server on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, srv *http.Server) error {
	if srv.Handler == nil {
		srv.Handler = s.Handler()
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting JSON-RPC server", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type requestIDKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := ""
	defer func() {
		observability.RPC().Observe(method, recorder.status, time.Since(start))
	}()
	w = recorder
	w.Header().Set("Content-Type", "application/json")

	if !s.limiter.allow(r) {
		observability.RPC().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()
	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	handler, ok := s.methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return
	}
	method = req.Method
	handler(w, r, req)
	s.logger.Debug("rpc request",
		slog.String("method", req.Method),
		slog.String("requestID", requestIDFrom(r.Context())),
		slog.Int("status", recorder.status),
		logging.MaskField("authorization", logging.MaskBearer(r.Header.Get("Authorization"))),
	)
}

func writeError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeWagerError maps engine rejections onto JSON-RPC codes. Unknown errors
// are reported as server errors without leaking internals.
func (s *Server) writeWagerError(w http.ResponseWriter, r *http.Request, id json.RawMessage, err error) {
	code, status := codeServerError, http.StatusInternalServerError
	switch {
	case errors.Is(err, wager.ErrInvalidAmount):
		code, status = codeWagerInvalidAmount, http.StatusBadRequest
	case errors.Is(err, wager.ErrInsufficientFunds):
		code, status = codeWagerInsufficientFunds, http.StatusConflict
	case errors.Is(err, wager.ErrWrongState):
		code, status = codeWagerWrongState, http.StatusConflict
	case errors.Is(err, wager.ErrAlreadyFull):
		code, status = codeWagerAlreadyFull, http.StatusConflict
	case errors.Is(err, wager.ErrSelfPlay):
		code, status = codeWagerSelfPlay, http.StatusBadRequest
	case errors.Is(err, wager.ErrUnauthorized):
		code, status = codeWagerUnauthorized, http.StatusForbidden
	case errors.Is(err, wager.ErrInvalidWinner):
		code, status = codeWagerInvalidWinner, http.StatusBadRequest
	case errors.Is(err, wager.ErrAlreadyTerminal):
		code, status = codeWagerAlreadyTerminal, http.StatusConflict
	case errors.Is(err, wager.ErrInvalidID):
		code, status = codeWagerInvalidID, http.StatusBadRequest
	case errors.Is(err, wager.ErrInvalidArbiter):
		code, status = codeWagerInvalidArbiter, http.StatusBadRequest
	case errors.Is(err, wager.ErrWagerExists):
		code, status = codeWagerExists, http.StatusConflict
	case errors.Is(err, wager.ErrWagerNotFound):
		code, status = codeWagerNotFound, http.StatusNotFound
	}
	if code == codeServerError {
		s.logger.Error("wager operation failed",
			slog.String("requestID", requestIDFrom(r.Context())),
			slog.Any("error", err),
		)
		writeError(w, status, id, code, "internal error", nil)
		return
	}
	writeError(w, status, id, code, err.Error(), wager.Kind(err))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
