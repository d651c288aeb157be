package servicemon

import (
	"context"
	"fmt"
	"maps"
	"math"
	"net"
	"net/url"
	"os"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RemoteWriteConfig configures pushing registry snapshots to a Prometheus
// remote-write endpoint.
type RemoteWriteConfig struct {
	URL string

	// Schedule is a cron spec; defaults to "@every 15s"
	Schedule string
	// Timeout bounds a single write; defaults to 15s
	Timeout time.Duration

	// Job is attached as the "job" label; usually the service name
	Job string
	// Instance is attached as the "instance" label; defaults to the outbound IPv4
	Instance     string
	CustomLabels map[string]string

	DNS    DNSConfig
	Logger *zap.Logger
}

// RemoteWriter periodically pushes the registry to a remote-write endpoint
type RemoteWriter struct {
	cfg      RemoteWriteConfig
	registry *Registry
	logger   *zap.Logger
	resolver *resolver

	targetHost string
	now        func() time.Time

	mu          sync.Mutex
	client      *promwrite.Client
	resolvedIPs []string
	lastResolve time.Time

	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewRemoteWriter validates cfg and prepares a writer for reg
func NewRemoteWriter(reg *Registry, cfg RemoteWriteConfig) (*RemoteWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote write url cannot be empty")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing remote write url: %w", err)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 15s"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parsing remote write schedule %q: %w", cfg.Schedule, err)
	}
	cfg.Timeout = pickDuration(cfg.Timeout, 15*time.Second)
	if cfg.Instance == "" {
		cfg.Instance = defaultInstance()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RemoteWriter{
		cfg:        cfg,
		registry:   reg,
		logger:     logger,
		resolver:   newResolver(cfg.DNS),
		targetHost: u.Hostname(),
		now:        time.Now,
		client:     promwrite.NewClient(cfg.URL),
	}, nil
}

// Start schedules periodic writes, plus DNS refreshes when custom
// resolvers are enabled for a named host.
func (w *RemoteWriter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New()

	if _, err := c.AddFunc(w.cfg.Schedule, func() {
		if err := w.WriteOnce(ctx); err != nil {
			w.logger.Error("Failed to write metrics", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("scheduling remote write: %w", err)
	}

	if w.cfg.DNS.Enable && w.targetHost != "" && net.ParseIP(w.targetHost) == nil {
		spec := "@every " + w.resolver.cfg.RefreshInterval.String()
		if _, err := c.AddFunc(spec, func() { w.RefreshDNS(ctx, false) }); err != nil {
			cancel()
			return fmt.Errorf("scheduling dns refresh: %w", err)
		}
	}

	w.mu.Lock()
	w.cron, w.cancel = c, cancel
	w.mu.Unlock()
	c.Start()

	w.logger.Info("Remote write started",
		zap.String("url", w.cfg.URL),
		zap.String("schedule", w.cfg.Schedule))
	return nil
}

// Stop cancels pending writes and waits for running jobs to finish
func (w *RemoteWriter) Stop() {
	w.mu.Lock()
	c, cancel := w.cron, w.cancel
	w.cron, w.cancel = nil, nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

// WriteOnce pushes the current snapshot. On failure it forces one DNS
// refresh and retries if the resolved addresses changed.
func (w *RemoteWriter) WriteOnce(ctx context.Context) error {
	series := toTimeSeries(w.registry.Snapshot(), w.baseLabels(), w.now())
	if len(series) == 0 {
		return nil
	}
	req := &promwrite.WriteRequest{TimeSeries: series}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	if _, err := w.currentClient().Write(ctx, req); err != nil {
		if w.RefreshDNS(ctx, true) {
			if _, retryErr := w.currentClient().Write(ctx, req); retryErr != nil {
				return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("writing time series failed: %w", err)
	}
	w.logger.Debug("Wrote metrics", zap.Int("series", len(series)))
	return nil
}

func (w *RemoteWriter) currentClient() *promwrite.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

// RefreshDNS resolves the endpoint host and recreates the client when the
// address set changed or force is set. It reports whether the client was
// recreated. Unforced refreshes are throttled to one per minute.
func (w *RemoteWriter) RefreshDNS(ctx context.Context, force bool) bool {
	if w.targetHost == "" || net.ParseIP(w.targetHost) != nil {
		return false
	}

	w.mu.Lock()
	throttled := !force && w.now().Sub(w.lastResolve) < time.Minute
	w.mu.Unlock()
	if throttled {
		return false
	}

	ips, err := w.resolver.lookup(ctx, w.targetHost, force)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastResolve = w.now()
	if err != nil {
		w.logger.Warn("DNS lookup failed", zap.String("host", w.targetHost), zap.Error(err))
		return false
	}
	changed := !slices.Equal(ips, w.resolvedIPs)
	w.resolvedIPs = ips
	if !changed && !force {
		return false
	}
	// A new client drops pooled connections to stale addresses.
	w.client = promwrite.NewClient(w.cfg.URL)
	w.logger.Info("Refreshed remote write client after DNS update",
		zap.String("host", w.targetHost), zap.Strings("ips", ips))
	return true
}

func (w *RemoteWriter) baseLabels() map[string]string {
	labels := make(map[string]string, len(w.cfg.CustomLabels)+2)
	maps.Copy(labels, w.cfg.CustomLabels)
	if w.cfg.Instance != "" {
		labels["instance"] = w.cfg.Instance
	}
	if w.cfg.Job != "" {
		labels["job"] = w.cfg.Job
	}
	return labels
}

// toTimeSeries flattens a snapshot into remote-write samples. Histograms
// become _bucket, _sum and _count series. Labels are sorted by name and
// series labels override base labels.
func toTimeSeries(snap *Snapshot, base map[string]string, ts time.Time) []promwrite.TimeSeries {
	var out []promwrite.TimeSeries
	add := func(name string, labels LabelTuple, extra *Label, value float64) {
		set := make(map[string]string, len(base)+len(labels)+2)
		maps.Copy(set, base)
		for _, l := range labels {
			set[l.Name] = l.Value
		}
		if extra != nil {
			set[extra.Name] = extra.Value
		}
		set["__name__"] = name

		pl := make([]promwrite.Label, 0, len(set))
		for k, v := range set {
			pl = append(pl, promwrite.Label{Name: k, Value: v})
		}
		sort.Slice(pl, func(i, j int) bool { return pl[i].Name < pl[j].Name })
		out = append(out, promwrite.TimeSeries{
			Labels: pl,
			Sample: promwrite.Sample{Time: ts, Value: value},
		})
	}

	for _, fs := range snap.Families {
		for _, ss := range fs.Series {
			switch fs.Kind {
			case KindCounter:
				add(fs.Name, ss.Labels, nil, float64(ss.Value))
			case KindHistogram:
				for _, b := range ss.Buckets {
					le := Label{Name: "le", Value: formatBound(b.UpperBound)}
					add(fs.Name+"_bucket", ss.Labels, &le, float64(b.Count))
				}
				add(fs.Name+"_sum", ss.Labels, nil, ss.Sum)
				add(fs.Name+"_count", ss.Labels, nil, float64(ss.Count))
			}
		}
	}
	return out
}

func formatBound(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// defaultInstance picks the outbound IPv4 address, falling back to the hostname
func defaultInstance() string {
	if ip, err := GetOutboundIPv4(); err == nil {
		return ip
	}
	host, _ := os.Hostname()
	return host
}

// GetOutboundIPv4 gets the outbound IPv4 address of the local machine.
// No packet is sent; dialing UDP only selects a route.
func GetOutboundIPv4() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
