package servicemon

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// ContentType is the media type of the text exposition format
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// Renderer serializes a registry into the Prometheus text exposition format
type Renderer struct {
	registry *Registry
	extra    []prometheus.Gatherer
	logger   *zap.Logger
}

// RendererOption configures a Renderer
type RendererOption func(*Renderer)

// WithExtraGatherer appends the families of g after the registry's own
func WithExtraGatherer(g prometheus.Gatherer) RendererOption {
	return func(r *Renderer) {
		if g != nil {
			r.extra = append(r.extra, g)
		}
	}
}

// WithRendererLogger sets the logger for render failures
func WithRendererLogger(l *zap.Logger) RendererOption {
	return func(r *Renderer) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRenderer creates a renderer for reg
func NewRenderer(reg *Registry, opts ...RendererOption) *Renderer {
	r := &Renderer{registry: reg, logger: zap.NewNop()}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Render writes the current registry state to w. Output is sorted by family
// name and label values; two renders of an unchanged registry are identical.
// Extra families whose name is already taken are skipped
func (r *Renderer) Render(w io.Writer) error {
	snap := r.registry.Snapshot()
	if err := WriteText(w, snap); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(snap.Families))
	for _, fs := range snap.Families {
		seen[fs.Name] = struct{}{}
	}
	for _, g := range r.extra {
		mfs, err := g.Gather()
		if err != nil {
			// Gather may return partial results alongside the error.
			r.logger.Warn("Gathering extra metric families failed", zap.Error(err))
		}
		for _, mf := range mfs {
			if _, dup := seen[mf.GetName()]; dup {
				r.logger.Warn("Skipping duplicate extra metric family",
					zap.String("family", mf.GetName()))
				continue
			}
			seen[mf.GetName()] = struct{}{}
			if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
				return fmt.Errorf("writing family %q: %w", mf.GetName(), err)
			}
		}
	}
	return nil
}

// ServeHTTP answers every request with 200 and the rendered registry
func (r *Renderer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	if err := r.Render(&buf); err != nil {
		r.logger.Error("Rendering metrics failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// Render renders the registry into a byte slice
func (r *Registry) Render() ([]byte, error) {
	var buf bytes.Buffer
	err := WriteText(&buf, r.Snapshot())
	return buf.Bytes(), err
}

// WriteText encodes snap in the text exposition format. Families without
// series are skipped.
func WriteText(w io.Writer, snap *Snapshot) error {
	for _, mf := range toMetricFamilies(snap) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing family %q: %w", mf.GetName(), err)
		}
	}
	return nil
}

func toMetricFamilies(snap *Snapshot) []*dto.MetricFamily {
	out := make([]*dto.MetricFamily, 0, len(snap.Families))
	for _, fs := range snap.Families {
		if len(fs.Series) == 0 {
			continue
		}
		mf := &dto.MetricFamily{
			Name:   proto.String(fs.Name),
			Help:   proto.String(fs.Help),
			Metric: make([]*dto.Metric, 0, len(fs.Series)),
		}
		switch fs.Kind {
		case KindCounter:
			mf.Type = dto.MetricType_COUNTER.Enum()
		case KindHistogram:
			mf.Type = dto.MetricType_HISTOGRAM.Enum()
		}
		for _, ss := range fs.Series {
			mf.Metric = append(mf.Metric, toMetric(fs.Kind, ss))
		}
		out = append(out, mf)
	}
	return out
}

func toMetric(kind Kind, ss SeriesSnapshot) *dto.Metric {
	m := &dto.Metric{Label: make([]*dto.LabelPair, 0, len(ss.Labels))}
	for _, l := range ss.Labels {
		m.Label = append(m.Label, &dto.LabelPair{
			Name:  proto.String(l.Name),
			Value: proto.String(l.Value),
		})
	}
	switch kind {
	case KindCounter:
		m.Counter = &dto.Counter{Value: proto.Float64(float64(ss.Value))}
	case KindHistogram:
		h := &dto.Histogram{
			SampleCount: proto.Uint64(ss.Count),
			SampleSum:   proto.Float64(ss.Sum),
			Bucket:      make([]*dto.Bucket, 0, len(ss.Buckets)),
		}
		for _, b := range ss.Buckets {
			h.Bucket = append(h.Bucket, &dto.Bucket{
				UpperBound:      proto.Float64(b.UpperBound),
				CumulativeCount: proto.Uint64(b.Count),
			})
		}
		m.Histogram = h
	}
	return m
}
