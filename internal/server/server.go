package server

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thruflo/crowdqc/internal/auth"
	"github.com/thruflo/crowdqc/internal/config"
	"github.com/thruflo/crowdqc/internal/logging"
	"github.com/thruflo/crowdqc/internal/pipeline"
	"github.com/thruflo/crowdqc/internal/state"
	"github.com/thruflo/crowdqc/internal/verification"
)

// Server exposes pipeline health, status and metrics over HTTP.
type Server struct {
	port     int
	gatherer prometheus.Gatherer
	limiter  *rateLimiter
	log      *logging.Logger
	stall    int

	passwordHash string
	authMu       sync.Mutex
	// verified holds digests of passwords that already matched passwordHash.
	verified map[[sha256.Size]byte]struct{}

	// HTTP server
	server   *http.Server
	listener net.Listener

	mu      sync.RWMutex
	started bool

	reportMu sync.RWMutex
	last     *pipeline.CycleReport
}

// Config holds server configuration options.
type Config struct {
	Port int
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer  prometheus.Gatherer
	RateLimit RateLimitConfig
	Logger    *logging.Logger
	// StallThreshold is the number of consecutive failed cycles after
	// which /healthz reports unhealthy.
	StallThreshold int
	// PasswordHash protects /status and /metrics with basic auth when set.
	PasswordHash string
}

// NewServer creates a new Server instance.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.PasswordHash != "" {
		if err := auth.Validate(cfg.PasswordHash); err != nil {
			return nil, err
		}
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	stall := cfg.StallThreshold
	if stall <= 0 {
		stall = pipeline.DefaultStallThreshold
	}

	return &Server{
		port:     cfg.Port,
		gatherer: gatherer,
		limiter:  newRateLimiter(cfg.RateLimit),
		log:      logging.OrDefault(cfg.Logger).With("component", "server"),
		stall:    stall,

		passwordHash: cfg.PasswordHash,
		verified:     make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// NewServerFromConfig creates a Server from a config.ServerConfig.
func NewServerFromConfig(cfg *config.ServerConfig, gatherer prometheus.Gatherer, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	return NewServer(&Config{
		Port:         cfg.Port,
		Gatherer:     gatherer,
		RateLimit:    DefaultRateLimitConfig(),
		Logger:       logger,
		PasswordHash: cfg.PasswordHash,
	})
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Publish records the latest cycle report. It is safe to call from the
// pipeline goroutine while requests are served.
func (s *Server) Publish(report pipeline.CycleReport) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	s.last = &report
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /status", s.requireAuth(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /metrics", s.requireAuth(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	return s.withRateLimit(mux)
}

// Start starts the HTTP server.
// The server runs until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	go s.cleanupLoop(ctx)
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.log.Info("status server listening", "addr", listener.Addr().String())
	err = s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.started = false
	return nil
}

// ListenAddr returns the address the server is listening on, or "" before
// Start. Useful when port 0 is used.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.cleanup()
		}
	}
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		result := s.limiter.check(ip)
		if !result.Allowed {
			s.log.Debug("request limited", "ip", ip, "reason", result.Reason, "blocked", result.IsBlocked)
			seconds := int(result.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			http.Error(w, result.Reason, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth checks the basic auth password against passwordHash. The
// username is ignored.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.passwordHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok || !s.checkPassword(password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="crowdqc"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkPassword(password string) bool {
	digest := sha256.Sum256([]byte(password))

	s.authMu.Lock()
	defer s.authMu.Unlock()
	if _, ok := s.verified[digest]; ok {
		return true
	}
	match, err := auth.Verify(password, s.passwordHash)
	if err != nil {
		s.log.Error("password verification failed", "error", err)
		return false
	}
	if match {
		s.verified[digest] = struct{}{}
	}
	return match
}

// Health is the /healthz response body.
type Health struct {
	Status string `json:"status"`
	Cycle  int    `json:"cycle"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.reportMu.RLock()
	last := s.last
	s.reportMu.RUnlock()

	health := Health{Status: "ok"}
	code := http.StatusOK
	if last != nil {
		health.Cycle = last.Cycle
		if last.Err != nil {
			health.Error = last.Err.Error()
		}
		if last.Snapshot != nil && pipeline.DetectStalled(last.Snapshot.History, s.stall) {
			health.Status = "stalled"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, health)
}

// Status is the /status response body.
type Status struct {
	Cycle        int             `json:"cycle"`
	CycleID      string          `json:"cycle_id,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	LastError    string          `json:"last_error,omitempty"`
	Forwarded    int             `json:"forwarded"`
	Decided      int             `json:"decided"`
	Consumed     int             `json:"consumed"`
	PendingItems int             `json:"pending_items"`
	PendingVotes int             `json:"pending_votes"`
	Accepted     []string        `json:"accepted"`
	Rejected     []string        `json:"rejected"`
	History      []state.History `json:"history"`
}

// NewStatus summarises a cycle report.
func NewStatus(report pipeline.CycleReport) Status {
	st := Status{
		Cycle:     report.Cycle,
		CycleID:   report.ID,
		UpdatedAt: report.StartedAt.Add(report.Duration),
		Accepted:  []string{},
		Rejected:  []string{},
		History:   []state.History{},
	}
	if report.Err != nil {
		st.LastError = report.Err.Error()
	}
	if snap := report.Snapshot; snap != nil {
		st.UpdatedAt = snap.UpdatedAt
		st.Forwarded = len(snap.Ledger.Forwarded)
		st.Decided = len(snap.Ledger.Decided)
		st.Consumed = len(snap.Ledger.Consumed)
		st.PendingItems = len(snap.Verification.Pending)
		st.PendingVotes = snap.Verification.PendingVotes()
		st.Accepted = append(st.Accepted, snap.Verification.Decided(verification.DecisionAccepted)...)
		st.Rejected = append(st.Rejected, snap.Verification.Decided(verification.DecisionRejected)...)
		st.History = append(st.History, snap.History...)
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.reportMu.RLock()
	last := s.last
	s.reportMu.RUnlock()

	if last == nil {
		http.Error(w, "no cycle has run yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, NewStatus(*last))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
