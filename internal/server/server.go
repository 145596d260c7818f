package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"workescrow/internal/config"
	"workescrow/internal/escrow"
	"workescrow/internal/hmacauth"
	"workescrow/internal/idempotency"
)

const (
	headerRequestID      = "X-Request-Id"
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

type Server struct {
	cfg         *config.AppConfig
	escrow      escrow.Service
	store       idempotency.Store
	inflight    *idempotency.InFlight
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *Metrics
	log         *slog.Logger
	now         func() time.Time
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

// NewServer wires the escrow service behind the HTTP API. metrics should be
// the same registry the escrow client reports to; nil creates a fresh one.
func NewServer(cfg *config.AppConfig, esc escrow.Service, store idempotency.Store, metrics *Metrics, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		escrow:   esc,
		store:    store,
		inflight: idempotency.NewInFlight(),
		hmac: &hmacauth.Verifier{
			Secret:       cfg.Service.HMACSecret,
			MaxSkew:      cfg.Service.HMACClockSkew,
			MaxBodyBytes: cfg.Service.MaxBodyBytes,
		},
		metrics: metrics,
		log:     logger.With("component", "api"),
		now:     time.Now,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := esc.(interface{ Ping(context.Context) error }); ok {
		s.rpcHealthFn = checker.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Method(http.MethodGet, "/metrics", s.metrics.handler())

		api.Group(func(signed chi.Router) {
			signed.Use(s.hmac.Middleware)

			signed.Post("/escrows", s.handleCreate)
			signed.Get("/escrows", s.handleList)
			signed.Get("/escrows/{address}", s.handleFetch)
			signed.Post("/escrows/{address}/accept", s.handleAccept)
			signed.Post("/escrows/{address}/decline", s.handleDecline)
			signed.Post("/escrows/{address}/complete", s.handleComplete)
			signed.Post("/escrows/{address}/insurance", s.handleInsurance)

			signed.Get("/balances/{address}", s.handleBalances)
		})
	})
	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type dlqEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId"`
	Operation string          `json:"operation"`
	Caller    string          `json:"caller"`
	Path      string          `json:"path"`
	TxHash    string          `json:"txHash,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error"`
}

// writeDLQ journals a write that failed after reaching the network, one file
// per entry, for an operator to reconcile against the chain.
func (s *Server) writeDLQ(entry dlqEntry) {
	if s.cfg.Service.DLQPath == "" {
		return
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.log.Error("dlq marshal", "error", err)
		return
	}

	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		s.log.Error("dlq mkdir", "error", err)
		return
	}

	filename := fmt.Sprintf("%d-%s.json", entry.Timestamp.UnixNano(), entry.Operation)
	path := filepath.Join(s.cfg.Service.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.log.Error("dlq write", "error", err)
	}

	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	s.metrics.setDLQDepth(depth)
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("dlq read", "error", err)
		}
		return 0
	}
	return len(entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
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
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Database   interface{} `json:"database"`
		QueueDepth int         `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: s.updateDLQDepth(),
	})
}

// requestIDMiddleware keeps a client supplied request id or assigns one, and
// echoes it on the response.
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

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
