package servicemon

import "fmt"

// Names of the families every instrumented service declares
const (
	RequestsTotalName   = "http_requests_total"
	RequestDurationName = "http_server_request_duration_seconds"
)

// HTTPFamilies bundles the request counter and latency histogram
type HTTPFamilies struct {
	Requests *Family // {service, method, status}
	Duration *Family // {service, endpoint}
}

// DeclareHTTPFamilies registers the request families on reg. It is safe to
// call repeatedly with the same buckets; a nil or empty bucket list means DefBuckets.
func DeclareHTTPFamilies(reg *Registry, buckets []float64, maxSeries int) (*HTTPFamilies, error) {
	if len(buckets) == 0 {
		buckets = DefBuckets
	}

	requests, err := reg.RegisterFamily(RequestsTotalName, "Total HTTP requests", KindCounter,
		WithLabelNames("service", "method", "status"),
		WithMaxSeries(maxSeries))
	if err != nil {
		return nil, fmt.Errorf("declaring %s: %w", RequestsTotalName, err)
	}

	duration, err := reg.RegisterFamily(RequestDurationName, "Request duration seconds", KindHistogram,
		WithLabelNames("service", "endpoint"),
		WithBuckets(buckets...),
		WithMaxSeries(maxSeries))
	if err != nil {
		return nil, fmt.Errorf("declaring %s: %w", RequestDurationName, err)
	}

	return &HTTPFamilies{Requests: requests, Duration: duration}, nil
}
