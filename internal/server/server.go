// Package server wires the business, probe and metrics endpoints onto an
// http.Server, instrumenting each with the servicemon request telemetry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nikiz24/servicemon"
	"github.com/nikiz24/servicemon/internal/config"
)

// Product is an item of the synthetic product catalogue.
type Product struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Order is an item of the synthetic order list.
type Order struct {
	ID        int `json:"id"`
	ProductID int `json:"productId"`
	Qty       int `json:"qty"`
}

var (
	products = []Product{{ID: 1, Name: "Widget"}, {ID: 2, Name: "Gadget"}}
	orders   = []Order{{ID: 10, ProductID: 1, Qty: 2}}
)

// Server serves the service endpoints.
type Server struct {
	cfg          *config.Config
	logger       *zap.Logger
	instrumentor *servicemon.Instrumentor
	renderer     *servicemon.Renderer
	handler      http.Handler
	httpServer   *http.Server
}

// New builds the routes. The instrumentor and renderer must share one registry.
func New(cfg *config.Config, inst *servicemon.Instrumentor, renderer *servicemon.Renderer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		instrumentor: inst,
		renderer:     renderer,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /products", inst.Wrap("/products", http.HandlerFunc(s.handleProducts)))
	mux.Handle("GET /orders", inst.Wrap("/orders", http.HandlerFunc(s.handleOrders)))
	mux.Handle("GET /healthz", s.probe("/healthz", "ok"))
	mux.Handle("GET /readyz", s.probe("/readyz", "ready"))
	mux.Handle("GET "+cfg.Metrics.Path, renderer)

	s.handler = requestID(accessLog(logger, mux))
	return s
}

// Handler returns the root handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) probe(endpoint, body string) http.Handler {
	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	if s.cfg.Metrics.InstrumentProbes {
		h = s.instrumentor.Wrap(endpoint, h)
	}
	return h
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, products)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, orders)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Encoding response failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
		ErrorLog:     zap.NewStdLog(s.logger),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening",
			zap.String("address", ln.Addr().String()),
			zap.String("service", s.instrumentor.Service()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusWriter records the status for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func accessLog(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		logger.Debug("Request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("remote_addr", r.RemoteAddr))
	})
}
