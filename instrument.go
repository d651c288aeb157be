package servicemon

import (
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Instrumentor records one latency observation and one request count per
// completed request. Recording never fails the request it measures.
type Instrumentor struct {
	service  string
	families *HTTPFamilies
	clock    clock.Clock
	logger   *zap.Logger
	dropped  atomic.Int64

	// record is swapped in tests to inject recording faults.
	record func(method, endpoint string, status int, elapsed time.Duration) error
}

type instrumentorConfig struct {
	clock     clock.Clock
	logger    *zap.Logger
	buckets   []float64
	maxSeries int
}

// InstrumentorOption configures an Instrumentor
type InstrumentorOption func(*instrumentorConfig)

// WithClock sets the time source used to measure requests
func WithClock(c clock.Clock) InstrumentorOption {
	return func(cfg *instrumentorConfig) { cfg.clock = c }
}

// WithInstrumentorLogger sets the logger for dropped recordings
func WithInstrumentorLogger(l *zap.Logger) InstrumentorOption {
	return func(cfg *instrumentorConfig) { cfg.logger = l }
}

// WithLatencyBuckets overrides the latency histogram bounds
func WithLatencyBuckets(bounds ...float64) InstrumentorOption {
	return func(cfg *instrumentorConfig) { cfg.buckets = append([]float64(nil), bounds...) }
}

// WithSeriesLimit caps the series of both request families
func WithSeriesLimit(n int) InstrumentorOption {
	return func(cfg *instrumentorConfig) { cfg.maxSeries = n }
}

// NewInstrumentor declares the request families on reg and returns an
// instrumentor labelling everything with service.
func NewInstrumentor(reg *Registry, service string, opts ...InstrumentorOption) (*Instrumentor, error) {
	if service == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	cfg := instrumentorConfig{clock: clock.New()}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}

	families, err := DeclareHTTPFamilies(reg, cfg.buckets, cfg.maxSeries)
	if err != nil {
		return nil, err
	}

	in := &Instrumentor{
		service:  service,
		families: families,
		clock:    cfg.clock,
		logger:   cfg.logger,
	}
	in.record = in.recordSeries
	return in, nil
}

// Service returns the service label value
func (in *Instrumentor) Service() string { return in.service }

// Dropped returns how many recordings were discarded because of errors
func (in *Instrumentor) Dropped() int64 { return in.dropped.Load() }

// Track runs fn and records it when it produced a response (status > 0).
// The error of fn is returned unchanged; a panic in fn propagates and
// nothing is recorded.
func (in *Instrumentor) Track(method, endpoint string, fn func() (int, error)) error {
	start := in.clock.Now()
	status, err := fn()
	if status > 0 {
		in.Record(method, endpoint, status, in.clock.Since(start))
	}
	return err
}

// Wrap instruments an HTTP handler under the logical endpoint name
func (in *Instrumentor) Wrap(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := in.clock.Now()
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)
		in.Record(r.Method, endpoint, rw.statusCode, in.clock.Since(start))
	})
}

// Record stores one completed request. Failures are logged and dropped.
func (in *Instrumentor) Record(method, endpoint string, status int, elapsed time.Duration) {
	err := in.safeRecord(method, endpoint, status, elapsed)
	if err == nil {
		return
	}
	in.dropped.Add(1)
	in.logger.Warn("Dropped request telemetry",
		zap.String("service", in.service),
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("status", status),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))
}

func (in *Instrumentor) safeRecord(method, endpoint string, status int, elapsed time.Duration) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &InternalRecordingError{Op: endpoint, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return in.record(method, endpoint, status, elapsed)
}

// recordSeries observes latency and counts the request independently, so a
// rejected duration still counts the request.
func (in *Instrumentor) recordSeries(method, endpoint string, status int, elapsed time.Duration) error {
	var firstErr error

	if s, err := in.families.Duration.WithLabelValues(in.service, endpoint); err != nil {
		firstErr = err
	} else if err := s.ObserveDuration(elapsed); err != nil {
		firstErr = err
	}

	if s, err := in.families.Requests.WithLabelValues(in.service, method, strconv.Itoa(status)); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else if err := s.Inc(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// responseWriter captures the status code written by the wrapped handler
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
