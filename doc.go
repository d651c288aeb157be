// Package servicemon provides in-process request telemetry for HTTP services:
// labeled counters and latency histograms kept in an explicit Registry,
// rendered on demand in the Prometheus text exposition format.
//
// Design goals:
//   - No package-level state: a Registry is constructed once and shared
//   - Per-series synchronisation, so different label tuples never contend
//   - Renders copy a snapshot first and serialise without holding locks
//   - Telemetry faults never degrade the request being measured
//
// Basic usage:
//
//	reg := servicemon.NewRegistry(servicemon.WithRegistryLogger(logger))
//	inst, err := servicemon.NewInstrumentor(reg, "product-api")
//	if err != nil {
//	  log.Fatal(err)
//	}
//
//	mux := http.NewServeMux()
//	mux.Handle("/products", inst.Wrap("/products", productsHandler))
//	mux.Handle("/metrics", servicemon.NewRenderer(reg))
//
// Families can also be declared and updated directly:
//
//	fam, _ := reg.RegisterFamily("jobs_total", "Processed jobs", servicemon.KindCounter,
//	  servicemon.WithLabelNames("queue"))
//	s, _ := fam.WithLabelValues("default")
//	_ = s.Inc()
//
// A RemoteWriter can push the same snapshots to a Prometheus remote-write
// endpoint, and Registry.Collector adapts the registry to client_golang.
package servicemon
