package servicemon

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

// Kind is the type of a metric family
type Kind int

const (
	KindCounter Kind = iota
	KindHistogram
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindHistogram:
		return "histogram"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DefBuckets are the default latency buckets in seconds
var DefBuckets = []float64{.005, .01, .025, .05, .075, .1, .25, .5, .75, 1, 2.5, 5, 7.5, 10}

// Registry is a thread-safe store of metric families. It is constructed
// explicitly and shared with every component that records or renders.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*Family
	logger   *zap.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for registration and cardinality events
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		families: make(map[string]*Family),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Family is a named, typed group of series sharing label names
type Family struct {
	name       string
	help       string
	kind       Kind
	labelNames []string
	buckets    []float64
	maxSeries  int
	logger     *zap.Logger

	mu      sync.RWMutex
	series  map[string]*Series
	limited bool
}

type familyConfig struct {
	labelNames []string
	buckets    []float64
	maxSeries  int
}

// FamilyOption configures a family at registration
type FamilyOption func(*familyConfig)

// WithLabelNames declares the ordered label names of the family
func WithLabelNames(names ...string) FamilyOption {
	return func(c *familyConfig) { c.labelNames = append([]string(nil), names...) }
}

// WithBuckets sets ascending histogram upper bounds. +Inf is implicit.
func WithBuckets(bounds ...float64) FamilyOption {
	return func(c *familyConfig) { c.buckets = append([]float64{}, bounds...) }
}

// WithMaxSeries caps the number of series in the family. 0 means no limit.
func WithMaxSeries(n int) FamilyOption {
	return func(c *familyConfig) { c.maxSeries = n }
}

// RegisterFamily declares a family. Registering the same name again with the
// same kind and schema returns the existing family; any difference is a
// *ConflictError.
func (r *Registry) RegisterFamily(name, help string, kind Kind, opts ...FamilyOption) (*Family, error) {
	var cfg familyConfig
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	if kind == KindHistogram && cfg.buckets == nil {
		cfg.buckets = append([]float64(nil), DefBuckets...)
	}
	if kind == KindCounter {
		cfg.buckets = nil
	}
	if err := validateFamily(name, kind, cfg); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.families[name]; ok {
		switch {
		case existing.kind != kind:
			return nil, &ConflictError{Name: name, Existing: existing.kind, Requested: kind}
		case !slices.Equal(existing.labelNames, cfg.labelNames):
			return nil, &ConflictError{Name: name, Existing: kind, Requested: kind, Reason: "label names"}
		case !slices.Equal(existing.buckets, cfg.buckets):
			return nil, &ConflictError{Name: name, Existing: kind, Requested: kind, Reason: "buckets"}
		}
		return existing, nil
	}

	f := &Family{
		name:       name,
		help:       help,
		kind:       kind,
		labelNames: cfg.labelNames,
		buckets:    cfg.buckets,
		maxSeries:  cfg.maxSeries,
		logger:     r.logger,
		series:     make(map[string]*Series),
	}
	r.families[name] = f

	r.logger.Debug("Registered metric family",
		zap.String("family", name),
		zap.Stringer("kind", kind),
		zap.Strings("labels", cfg.labelNames))
	return f, nil
}

func validateFamily(name string, kind Kind, cfg familyConfig) error {
	if kind != KindCounter && kind != KindHistogram {
		return fmt.Errorf("%w: %q has unsupported kind %s", ErrInvalidFamily, name, kind)
	}
	if !model.MetricNameRE.MatchString(name) {
		return fmt.Errorf("%w: invalid metric name %q", ErrInvalidFamily, name)
	}
	seen := make(map[string]struct{}, len(cfg.labelNames))
	for _, ln := range cfg.labelNames {
		if !model.LabelNameRE.MatchString(ln) {
			return fmt.Errorf("%w: %q has invalid label name %q", ErrInvalidFamily, name, ln)
		}
		if kind == KindHistogram && ln == model.BucketLabel {
			return fmt.Errorf("%w: %q uses reserved label %q", ErrInvalidFamily, name, ln)
		}
		if _, dup := seen[ln]; dup {
			return fmt.Errorf("%w: %q repeats label %q", ErrInvalidFamily, name, ln)
		}
		seen[ln] = struct{}{}
	}
	if kind == KindHistogram {
		if len(cfg.buckets) == 0 {
			return fmt.Errorf("%w: histogram %q needs at least one bucket", ErrInvalidFamily, name)
		}
		for i, b := range cfg.buckets {
			if math.IsNaN(b) || math.IsInf(b, 0) {
				return fmt.Errorf("%w: histogram %q has non-finite bucket %v", ErrInvalidFamily, name, b)
			}
			if i > 0 && b <= cfg.buckets[i-1] {
				return fmt.Errorf("%w: histogram %q buckets not strictly ascending at %v", ErrInvalidFamily, name, b)
			}
		}
	}
	if cfg.maxSeries < 0 {
		return fmt.Errorf("%w: %q has negative series limit", ErrInvalidFamily, name)
	}
	return nil
}

// Family looks up a registered family by name
func (r *Registry) Family(name string) (*Family, bool) {
	r.mu.RLock()
	f, ok := r.families[name]
	r.mu.RUnlock()
	return f, ok
}

// GetOrCreateSeries returns the series of familyName for labels, creating it on first use
func (r *Registry) GetOrCreateSeries(familyName string, labels LabelTuple) (*Series, error) {
	f, ok := r.Family(familyName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, familyName)
	}
	return f.GetOrCreateSeries(labels)
}

// Name returns the family name
func (f *Family) Name() string { return f.name }

// Help returns the family help string
func (f *Family) Help() string { return f.help }

// Kind returns the family kind
func (f *Family) Kind() Kind { return f.kind }

// LabelNames returns a copy of the declared label names
func (f *Family) LabelNames() []string { return append([]string(nil), f.labelNames...) }

// Buckets returns a copy of the histogram upper bounds, without +Inf
func (f *Family) Buckets() []float64 { return append([]float64(nil), f.buckets...) }

// SeriesCount returns the number of series created so far
func (f *Family) SeriesCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.series)
}

// GetOrCreateSeries returns the series for labels. Concurrent callers with the
// same new tuple all receive the one series that was created.
func (f *Family) GetOrCreateSeries(labels LabelTuple) (*Series, error) {
	if !labels.matches(f.labelNames) {
		return nil, fmt.Errorf("%w: family %q wants %v, got %s",
			ErrLabelMismatch, f.name, f.labelNames, labels)
	}
	return f.seriesFor(labels.Values(), func() LabelTuple { return labels.clone() })
}

// WithLabelValues is GetOrCreateSeries with values given in label-name order
func (f *Family) WithLabelValues(values ...string) (*Series, error) {
	if len(values) != len(f.labelNames) {
		return nil, fmt.Errorf("%w: family %q wants %d values, got %d",
			ErrLabelMismatch, f.name, len(f.labelNames), len(values))
	}
	return f.seriesFor(values, func() LabelTuple {
		t := make(LabelTuple, len(values))
		for i, v := range values {
			t[i] = Label{Name: f.labelNames[i], Value: v}
		}
		return t
	})
}

func (f *Family) seriesFor(values []string, build func() LabelTuple) (*Series, error) {
	for i, v := range values {
		if !utf8.ValidString(v) {
			return nil, fmt.Errorf("%w: family %q label %q has invalid UTF-8 value %q",
				ErrLabelMismatch, f.name, f.labelNames[i], v)
		}
	}
	key := seriesKey(values)

	f.mu.RLock()
	s, exists := f.series[key]
	f.mu.RUnlock()
	if exists {
		return s, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, exists = f.series[key]; exists {
		return s, nil
	}
	if f.maxSeries > 0 && len(f.series) >= f.maxSeries {
		if !f.limited {
			f.limited = true
			f.logger.Warn("Metric family reached its series limit",
				zap.String("family", f.name),
				zap.Int("max_series", f.maxSeries))
		}
		return nil, fmt.Errorf("%w: family %q holds %d series", ErrCardinalityLimit, f.name, f.maxSeries)
	}
	s = newSeries(f, build())
	f.series[key] = s
	return s, nil
}

// FamilySnapshot is an immutable copy of a family and its series
type FamilySnapshot struct {
	Name       string
	Help       string
	Kind       Kind
	LabelNames []string
	Buckets    []float64
	Series     []SeriesSnapshot
}

// Snapshot is a point-in-time view of a registry, sorted by family name and
// then by label values.
type Snapshot struct {
	Families []FamilySnapshot
}

// Snapshot copies the registry state. Locks are held only while copying;
// each series is read under its own lock so no partial update is visible.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	families := make([]*Family, 0, len(r.families))
	for _, f := range r.families {
		families = append(families, f)
	}
	r.mu.RUnlock()

	sort.Slice(families, func(i, j int) bool { return families[i].name < families[j].name })

	snap := &Snapshot{Families: make([]FamilySnapshot, 0, len(families))}
	for _, f := range families {
		snap.Families = append(snap.Families, f.snapshot())
	}
	return snap
}

func (f *Family) snapshot() FamilySnapshot {
	f.mu.RLock()
	series := make([]*Series, 0, len(f.series))
	for _, s := range f.series {
		series = append(series, s)
	}
	f.mu.RUnlock()

	fs := FamilySnapshot{
		Name:       f.name,
		Help:       f.help,
		Kind:       f.kind,
		LabelNames: f.LabelNames(),
		Buckets:    f.Buckets(),
		Series:     make([]SeriesSnapshot, 0, len(series)),
	}
	for _, s := range series {
		fs.Series = append(fs.Series, s.snapshot())
	}
	sort.Slice(fs.Series, func(i, j int) bool {
		return compareTuples(fs.Series[i].Labels, fs.Series[j].Labels) < 0
	})
	return fs
}
