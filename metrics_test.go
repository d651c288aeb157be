package servicemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eryajf/promwrite"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func labelMap(labels []promwrite.Label) map[string]string {
	m := make(map[string]string, len(labels))
	for _, l := range labels {
		m[l.Name] = l.Value
	}
	return m
}

func Test_ToTimeSeries(t *testing.T) {
	t.Parallel()

	// SETUP
	reg := NewRegistry()
	fams, err := DeclareHTTPFamilies(reg, []float64{0.1, 1}, 0)
	assert.NilError(t, err)
	c, _ := fams.Requests.WithLabelValues("product-api", "GET", "200")
	assert.NilError(t, c.Add(3))
	h, _ := fams.Duration.WithLabelValues("product-api", "/products")
	assert.NilError(t, h.Observe(0.5))
	ts := time.Unix(1700000000, 0)

	// EXERCISE
	series := toTimeSeries(reg.Snapshot(), map[string]string{"job": "product-api", "service": "overridden"}, ts)

	// VERIFY
	// 3 buckets + sum + count for the histogram, 1 counter sample.
	assert.Assert(t, is.Len(series, 6))
	byName := map[string][]promwrite.TimeSeries{}
	for _, s := range series {
		for i := 1; i < len(s.Labels); i++ {
			assert.Assert(t, s.Labels[i-1].Name < s.Labels[i].Name)
		}
		assert.Equal(t, s.Sample.Time, ts)
		name := labelMap(s.Labels)["__name__"]
		byName[name] = append(byName[name], s)
	}

	counter := byName[RequestsTotalName]
	assert.Assert(t, is.Len(counter, 1))
	assert.Equal(t, counter[0].Sample.Value, 3.0)
	assert.DeepEqual(t, labelMap(counter[0].Labels), map[string]string{
		"__name__": RequestsTotalName,
		"job":      "product-api",
		"service":  "product-api",
		"method":   "GET",
		"status":   "200",
	})

	buckets := byName[RequestDurationName+"_bucket"]
	assert.Assert(t, is.Len(buckets, 3))
	got := map[string]float64{}
	for _, b := range buckets {
		got[labelMap(b.Labels)["le"]] = b.Sample.Value
	}
	assert.DeepEqual(t, got, map[string]float64{"0.1": 0, "1": 1, "+Inf": 1})
	assert.Equal(t, byName[RequestDurationName+"_sum"][0].Sample.Value, 0.5)
	assert.Equal(t, byName[RequestDurationName+"_count"][0].Sample.Value, 1.0)
}

func Test_NewRemoteWriter_Validation(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		cfg  RemoteWriteConfig
		want string
	}{
		{name: "empty url", cfg: RemoteWriteConfig{}, want: "url cannot be empty"},
		{name: "bad url", cfg: RemoteWriteConfig{URL: "://nope"}, want: "parsing remote write url"},
		{name: "bad schedule", cfg: RemoteWriteConfig{URL: "http://127.0.0.1:9090/write", Schedule: "every now and then"}, want: "schedule"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewRemoteWriter(NewRegistry(), tc.cfg)

			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func Test_NewRemoteWriter_Defaults(t *testing.T) {
	t.Parallel()

	w, err := NewRemoteWriter(NewRegistry(), RemoteWriteConfig{URL: "http://127.0.0.1:9090/write", Instance: "node-1"})

	assert.NilError(t, err)
	assert.Equal(t, w.cfg.Schedule, "@every 15s")
	assert.Equal(t, w.cfg.Timeout, 15*time.Second)
	assert.DeepEqual(t, w.baseLabels(), map[string]string{"instance": "node-1"})
}

func newPushServer(t *testing.T, status int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newCountingRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	fam, err := reg.RegisterFamily("pushes_total", "Pushes", KindCounter)
	assert.NilError(t, err)
	s, err := fam.WithLabelValues()
	assert.NilError(t, err)
	assert.NilError(t, s.Inc())
	return reg
}

func Test_WriteOnce(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "accepted", status: http.StatusNoContent},
		{name: "rejected", status: http.StatusInternalServerError, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// SETUP
			srv, hits := newPushServer(t, tc.status)
			w, err := NewRemoteWriter(newCountingRegistry(t), RemoteWriteConfig{URL: srv.URL, Instance: "test", Job: "servicemon"})
			assert.NilError(t, err)

			// EXERCISE
			err = w.WriteOnce(context.Background())

			// VERIFY
			if tc.wantErr {
				assert.ErrorContains(t, err, "writing time series failed")
			} else {
				assert.NilError(t, err)
			}
			// IP hosts never trigger a dns retry.
			assert.Equal(t, hits.Load(), int64(1))
		})
	}
}

func Test_WriteOnce_EmptyRegistrySkipsPush(t *testing.T) {
	t.Parallel()

	// SETUP
	srv, hits := newPushServer(t, http.StatusNoContent)
	w, err := NewRemoteWriter(NewRegistry(), RemoteWriteConfig{URL: srv.URL, Instance: "test"})
	assert.NilError(t, err)

	// EXERCISE
	err = w.WriteOnce(context.Background())

	// VERIFY
	assert.NilError(t, err)
	assert.Equal(t, hits.Load(), int64(0))
}

func Test_RefreshDNS(t *testing.T) {
	t.Parallel()

	// SETUP
	addr, _ := startDNSServer(t, "10.0.0.7")
	w, err := NewRemoteWriter(NewRegistry(), RemoteWriteConfig{
		URL:      "http://push.invalid:9090/api/v1/write",
		Instance: "test",
		DNS:      DNSConfig{Enable: true, UDPServers: []string{addr}, Timeout: 2 * time.Second},
	})
	assert.NilError(t, err)
	ctx := context.Background()

	// EXERCISE
	forced := w.RefreshDNS(ctx, true)
	throttled := w.RefreshDNS(ctx, false)

	// VERIFY
	assert.Assert(t, forced)
	assert.Assert(t, !throttled)
	assert.DeepEqual(t, w.resolvedIPs, []string{"10.0.0.7"})
}

func Test_RefreshDNS_IPHost(t *testing.T) {
	t.Parallel()

	w, err := NewRemoteWriter(NewRegistry(), RemoteWriteConfig{URL: "http://127.0.0.1:9090/write", Instance: "test"})
	assert.NilError(t, err)

	assert.Assert(t, !w.RefreshDNS(context.Background(), true))
}

func Test_RemoteWriter_StartStop(t *testing.T) {
	t.Parallel()

	// SETUP
	srv, hits := newPushServer(t, http.StatusNoContent)
	w, err := NewRemoteWriter(newCountingRegistry(t), RemoteWriteConfig{
		URL:      srv.URL,
		Instance: "test",
		Schedule: "@every 1s",
	})
	assert.NilError(t, err)

	// EXERCISE
	assert.NilError(t, w.Start(context.Background()))
	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	w.Stop()
	w.Stop()

	// VERIFY
	assert.Assert(t, hits.Load() > 0)
}
