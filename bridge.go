package servicemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the registry as a prometheus.Collector so it can be
// registered into a client_golang registry next to other collectors.
// Families are created lazily, so the collector is unchecked and describes
// nothing up front.
func (r *Registry) Collector() prometheus.Collector {
	return &registryCollector{registry: r}
}

type registryCollector struct {
	registry *Registry
}

func (c *registryCollector) Describe(chan<- *prometheus.Desc) {}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	for _, fs := range c.registry.Snapshot().Families {
		desc := prometheus.NewDesc(fs.Name, fs.Help, fs.LabelNames, nil)
		for _, ss := range fs.Series {
			ch <- toConstMetric(desc, fs.Kind, ss)
		}
	}
}

func toConstMetric(desc *prometheus.Desc, kind Kind, ss SeriesSnapshot) prometheus.Metric {
	var (
		m   prometheus.Metric
		err error
	)
	switch kind {
	case KindCounter:
		m, err = prometheus.NewConstMetric(desc, prometheus.CounterValue, float64(ss.Value), ss.Labels.Values()...)
	case KindHistogram:
		buckets := make(map[float64]uint64, len(ss.Buckets))
		// +Inf is implied by the sample count.
		for _, b := range ss.Buckets[:len(ss.Buckets)-1] {
			buckets[b.UpperBound] = b.Count
		}
		m, err = prometheus.NewConstHistogram(desc, ss.Count, ss.Sum, buckets, ss.Labels.Values()...)
	}
	if err != nil {
		return prometheus.NewInvalidMetric(desc, err)
	}
	return m
}
