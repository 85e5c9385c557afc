// Package webservice provides the HTTP server receiving survey responses.
package webservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/surveyor/intake/internal/common/metrics"
	"github.com/surveyor/intake/internal/intake/ratelimit"
	"github.com/surveyor/intake/internal/webservice/handlers"
	wsmetrics "github.com/surveyor/intake/internal/webservice/metrics"
	"golang.org/x/time/rate"
)

// Server is a struct that holds the HTTP servers and their configuration.
type Server struct {
	httpServer    *http.Server
	metricsServer *metrics.Server
	burst         *ratelimit.BurstLimiter
	cm            dConfigManager

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context waits until the next blocking Recv to interrupt.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	mu   sync.RWMutex
	addr net.Addr
}

// StaticConfig holds the static configuration for the server.
type StaticConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxHeaderBytes int
	MaxUploadBytes int

	ListenHost string
	ListenPort int

	MetricsHost    string
	MetricsPort    int
	DisableMetrics bool

	// BurstRate is the sustained number of requests per second a single client may send.
	BurstRate float64
	BurstSize int
}

// Dependencies are the collaborators serving the routes.
type Dependencies struct {
	Limiter ratelimit.Limiter
	Gateway handlers.Gateway
	Store   handlers.Pinger

	// Registry collects the service metrics. A new registry is used when nil.
	Registry *prometheus.Registry
}

type dConfigManager interface {
	Load() error
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
	ClientHeaders() []string
	TrustedProxies() int
}

// CORS headers sent with every answer.
const (
	corsAllowOrigin  = "*"
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type"
	corsAllowMethods = "POST, GET, OPTIONS"
)

// New creates a new Server serving the submission routes with deps.
func New(ctx context.Context, cm dConfigManager, deps Dependencies, sc StaticConfig) (*Server, error) {
	if deps.Limiter == nil || deps.Gateway == nil || deps.Store == nil {
		return nil, errors.New("limiter, gateway and store are required")
	}
	if err := cm.Load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	s := Server{
		cm:     cm,
		ctx:    ctx,
		cancel: cancel,

		gracefulCtx:    gCtx,
		gracefulCancel: gCancel}

	clientKey := ratelimit.DynamicClientKey(cm)
	collector := wsmetrics.New(reg)

	submit := handlers.NewSubmit(deps.Limiter, clientKey, deps.Gateway,
		handlers.WithMaxUploadBytes(int64(sc.MaxUploadBytes)),
		handlers.WithObserver(collector),
	)

	mux := http.NewServeMux()
	mux.Handle("POST /responses", collector.Endpoint("submit", submit))
	mux.Handle("POST /validate-survey-response", collector.Endpoint("submit_compat", submit))
	mux.Handle("GET /version", collector.Endpoint("version", http.HandlerFunc(handlers.Version)))
	mux.Handle("GET /healthz", collector.Endpoint("health", handlers.NewHealth(deps.Store)))

	burstRate, burstSize := rate.Limit(sc.BurstRate), sc.BurstSize
	if burstRate <= 0 {
		burstRate = ratelimit.DefaultBurstRate
	}
	if burstSize <= 0 {
		burstSize = ratelimit.DefaultBurstSize
	}
	s.burst = ratelimit.NewBurstLimiter(clientKey, burstRate, burstSize)
	s.burst.Deny = http.HandlerFunc(handlers.RateLimited)

	var handler http.Handler = mux
	if sc.RequestTimeout > 0 {
		handler = withRequestTimeout(sc.RequestTimeout, handler)
	}
	handler = s.burst.Middleware(handler)
	handler = withCORS(handler)
	handler = collector.Mux(handler)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(sc.ListenHost, strconv.Itoa(sc.ListenPort)),
		ReadTimeout:       sc.ReadTimeout,
		ReadHeaderTimeout: sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		Handler:           handler,
		MaxHeaderBytes:    sc.MaxHeaderBytes,
	}

	if !sc.DisableMetrics {
		s.metricsServer = metrics.New(metrics.Config{
			Host:         sc.MetricsHost,
			Port:         sc.MetricsPort,
			ReadTimeout:  sc.ReadTimeout,
			WriteTimeout: sc.WriteTimeout,
		}, reg)
	}

	return &s, nil
}

// withRequestTimeout bounds the request context to d.
// Handlers observe the deadline through their context and map it to their own error answer.
func withRequestTimeout(d time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withCORS adds the CORS headers to every answer and answers preflight requests on any path.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", corsAllowOrigin)
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		if r.Method == http.MethodOptions {
			handlers.NoContent(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP servers and blocks until the server quits or fails.
func (s *Server) Run() error {
	// already asked to quit?
	select {
	case <-s.gracefulCtx.Done():
		return errors.New("server is already shutting down")
	default:
	}

	_, watchErr, err := s.cm.Watch(s.gracefulCtx)
	if err != nil {
		return fmt.Errorf("failed to start watching configuration: %v", err)
	}

	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to listen on %s: %v", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.addr = l.Addr()
	s.mu.Unlock()
	slog.Info("Starting server", "addr", l.Addr().String())

	go s.burst.Run(s.ctx, time.Minute)

	serverErr := make(chan error, 2)
	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("metrics server: %v", err)
			}
		}()
	}

	select {
	case <-s.gracefulCtx.Done():
		slog.Info("Graceful shutdown initiated")
		// A forced quit cancels ctx, which unblocks Shutdown immediately.
		err := s.httpServer.Shutdown(s.ctx)
		if s.metricsServer != nil {
			err = errors.Join(err, s.metricsServer.Shutdown(s.ctx))
		}
		s.cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Graceful shutdown failed", "err", err)
			return err
		}
		slog.Info("Server shut down gracefully")
		return nil

	case err := <-serverErr:
		slog.Error("Server encountered error", "err", err)
		_ = s.closeAll()
		s.cancel()
		return err

	case err := <-watchErr:
		if err != nil {
			slog.Error("Config watcher encountered unrecoverable error", "err", err)
		}
		errC := s.closeAll()
		s.cancel()
		return errors.Join(err, errC)
	}
}

func (s *Server) closeAll() error {
	err := s.httpServer.Close()
	if s.metricsServer != nil {
		err = errors.Join(err, s.metricsServer.Close())
	}
	return err
}

// Quit shuts down the HTTP servers. Without force, in-flight requests are allowed to finish.
func (s *Server) Quit(force bool) {
	if force {
		_ = s.closeAll()
		s.cancel()
	} else {
		s.gracefulCancel()
	}
	slog.Info("Server quit")
}

// Addr returns the address the server is listening on, or an empty string before it listens.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// MetricsAddr returns the address the metrics server is listening on, or an empty string when
// it is not listening.
func (s *Server) MetricsAddr() string {
	if s.metricsServer == nil {
		return ""
	}
	return s.metricsServer.Addr()
}
