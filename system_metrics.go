package servicemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// NewRuntimeGatherer returns a client_golang registry exposing Go runtime,
// process and build information families. Pass it to WithExtraGatherer to
// append those families to the exposition output.
func NewRuntimeGatherer(logger *zap.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)
	if logger != nil {
		logger.Debug("Registered runtime metrics collectors")
	}
	return reg
}
