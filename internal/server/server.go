// Package server exposes the pool over HTTP/JSON-RPC 2.0: global methods
// at POST / and /rpc, per-agent methods at POST /agent/{id}, a liveness
// probe at GET /healthz, and prometheus metrics at GET /metrics. All
// endpoints except the probe and metrics require the bearer API token.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus3/internal/observability"
	"github.com/haasonsaas/nexus3/internal/persist"
	"github.com/haasonsaas/nexus3/internal/pool"
	"github.com/haasonsaas/nexus3/internal/providers"
	"github.com/haasonsaas/nexus3/internal/ratelimit"
	"github.com/haasonsaas/nexus3/internal/rpc"
	"github.com/haasonsaas/nexus3/internal/safefile"
	"github.com/haasonsaas/nexus3/internal/tokens"
)

// Bind probe outcomes. The CLI maps ErrAlreadyRunning and ErrPortInUse to
// its bind-conflict exit code.
var (
	ErrAlreadyRunning = errors.New("a nexus3 server is already running on this port")
	ErrPortInUse      = errors.New("port is in use by another service")
)

const (
	healthBody   = `{"status":"ok","server":"nexus3"}`
	maxBodyBytes = 4 << 20
)

// Config wires a Server.
type Config struct {
	Port int

	// TokenPath is where the minted API token is written after a
	// successful bind, and deleted on shutdown.
	TokenPath string

	// RateLimit is the sustained per-client request rate in requests per
	// second; RateBurst is the burst capacity above it. Zero RateLimit
	// disables rate limiting.
	RateLimit float64
	RateBurst int

	Pool     *pool.Pool
	Persist  *persist.Manager
	Provider providers.Provider
	Model    string
	Counter  tokens.Counter
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Server is the HTTP control surface of one nexus3 process.
type Server struct {
	cfg     Config
	tokens  *TokenService
	global  *rpc.GlobalDispatcher
	http    *http.Server
	limiter *ratelimit.Limiter

	mu          sync.Mutex
	dispatchers map[string]*agentEntry

	shutdownOnce sync.Once
	done         chan struct{}
}

type agentEntry struct {
	agent      *pool.Agent
	dispatcher *rpc.AgentDispatcher
}

// New creates a Server. The pool is required.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ts, err := NewTokenService()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:         cfg,
		tokens:      ts,
		dispatchers: make(map[string]*agentEntry),
		done:        make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.global = rpc.NewGlobalDispatcher(cfg.Pool, s.Shutdown, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /", s.withLimit(s.withAuth(s.handleGlobal)))
	mux.HandleFunc("POST /rpc", s.withLimit(s.withAuth(s.handleGlobal)))
	mux.HandleFunc("POST /agent/{id}", s.withLimit(s.withAuth(s.handleAgent)))
	s.http = &http.Server{Handler: s.withMetrics(mux)}
	return s, nil
}

// ListenAndServe probes the port, binds, writes the token file, and serves
// until Shutdown. The returned error distinguishes an already-running
// nexus3 server (ErrAlreadyRunning) from an unrelated occupant
// (ErrPortInUse).
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	if err := probe(addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPortInUse, err)
	}

	// The token file is written only after the bind succeeded, so a
	// failed start can never clobber a running server's token.
	if s.cfg.TokenPath != "" {
		token, err := s.tokens.Mint()
		if err != nil {
			ln.Close()
			return err
		}
		if err := safefile.WriteFile(s.cfg.TokenPath, []byte(token+"\n")); err != nil {
			ln.Close()
			return fmt.Errorf("write token file: %w", err)
		}
	}

	s.cfg.Logger.Info("server listening", "addr", addr)
	err = s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-s.done
		return nil
	}
	return err
}

// probe distinguishes a free port, a running nexus3 server, and an
// unrelated occupant.
func probe(addr string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		// Nothing answering: the port is presumed free; bind decides.
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusOK && strings.Contains(string(body), `"nexus3"`) {
		return ErrAlreadyRunning
	}
	return ErrPortInUse
}

// Shutdown destroys every agent, deletes the token file, and stops the
// HTTP server. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.cfg.Logger.Info("server shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s.cfg.Pool.DestroyAll(ctx)
		if s.cfg.TokenPath != "" {
			if err := safefile.Remove(s.cfg.TokenPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.cfg.Logger.Warn("token file not removed", "error", err)
			}
		}
		s.http.Shutdown(ctx)
		close(s.done)
	})
}

// Token returns the minted API token, for in-process clients and tests.
func (s *Server) Token() (string, error) { return s.tokens.Mint() }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, healthBody)
}

// withLimit sheds requests from clients over their rate budget with a 429
// and a Retry-After hint. Keyed by remote IP.
func (s *Server) withLimit(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			secs := int(s.limiter.WaitTime(host).Round(time.Second).Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// withAuth enforces the bearer token.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.tokens.Verify(strings.TrimSpace(token)) != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// withMetrics records request counts and latency per method and path
// pattern.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = r.URL.Path
		}
		s.cfg.Metrics.RecordHTTPRequest(r.Method, pattern,
			strconv.Itoa(rec.status), time.Since(start).Seconds())
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

func (s *Server) handleGlobal(w http.ResponseWriter, r *http.Request) {
	req, errResp := readRequest(r)
	if req == nil {
		s.respond(w, errResp)
		return
	}
	s.respond(w, s.global.Dispatch(r.Context(), req))
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	req, errResp := readRequest(r)
	if req == nil {
		s.respond(w, errResp)
		return
	}

	id := r.PathValue("id")
	agent, err := s.cfg.Pool.GetOrRestore(r.Context(), id)
	if err != nil {
		s.respond(w, rpc.ErrorResponse(req.ID, rpc.CodeAgentNotFound, err.Error()))
		return
	}
	s.respond(w, s.dispatcherFor(agent).Dispatch(r.Context(), req))
}

// respond writes a JSON-RPC response, counting error responses by code.
func (s *Server) respond(w http.ResponseWriter, resp *rpc.Response) {
	if resp.Error != nil && s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordError("rpc", strconv.Itoa(resp.Error.Code))
	}
	writeResponse(w, resp)
}

// dispatcherFor returns the per-agent dispatcher, rebuilding it when the
// agent was destroyed and restored since the last request.
func (s *Server) dispatcherFor(agent *pool.Agent) *rpc.AgentDispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.dispatchers[agent.ID]; ok && entry.agent == agent {
		return entry.dispatcher
	}
	d := rpc.NewAgentDispatcher(rpc.AgentDispatcherConfig{
		Agent:    agent,
		Pool:     s.cfg.Pool,
		Persist:  s.cfg.Persist,
		Provider: s.cfg.Provider,
		Model:    s.cfg.Model,
		Counter:  s.cfg.Counter,
		Logger:   s.cfg.Logger,
	})
	s.dispatchers[agent.ID] = &agentEntry{agent: agent, dispatcher: d}
	return d
}

func readRequest(r *http.Request) (*rpc.Request, *rpc.Response) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, rpc.ErrorResponse(nil, rpc.CodeParseError, "unreadable body")
	}
	return rpc.ParseRequest(body)
}

func writeResponse(w http.ResponseWriter, resp *rpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
