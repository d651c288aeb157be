package servicemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DNSConfig selects the resolvers used for the remote-write host. When
// Enable is false the system resolver is used alone.
type DNSConfig struct {
	Enable          bool
	CacheTTL        time.Duration
	RefreshInterval time.Duration
	Timeout         time.Duration
	UDPServers      []string // e.g. ["1.1.1.1:53"]
	TLSServers      []string // e.g. ["1.1.1.1:853"]
	DoHEndpoints    []string // e.g. ["https://cloudflare-dns.com/dns-query"]
}

func (c DNSConfig) withDefaults() DNSConfig {
	c.CacheTTL = pickDuration(c.CacheTTL, 10*time.Minute)
	c.RefreshInterval = pickDuration(c.RefreshInterval, 5*time.Minute)
	c.Timeout = pickDuration(c.Timeout, 800*time.Millisecond)
	c.UDPServers = slices.Clone(c.UDPServers)
	c.TLSServers = slices.Clone(c.TLSServers)
	c.DoHEndpoints = slices.Clone(c.DoHEndpoints)
	return c
}

func pickDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

type cachedAnswer struct {
	ips     []string
	expires time.Time
}

// resolver races every configured resolver plus the system one and keeps
// the first non-empty answer for CacheTTL.
type resolver struct {
	cfg        DNSConfig
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]cachedAnswer
}

func newResolver(cfg DNSConfig) *resolver {
	return &resolver{
		cfg:        cfg.withDefaults(),
		httpClient: http.DefaultClient,
		cache:      make(map[string]cachedAnswer),
	}
}

func (r *resolver) cached(host string, now time.Time) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ce, ok := r.cache[host]
	if !ok || !now.Before(ce.expires) {
		return nil, false
	}
	return ce.ips, true
}

// lookup resolves host, using the cache unless force is set
func (r *resolver) lookup(ctx context.Context, host string, force bool) ([]string, error) {
	now := time.Now()
	if !force {
		if ips, ok := r.cached(host, now); ok {
			return ips, nil
		}
	}

	var (
		ips []string
		err error
	)
	if r.cfg.Enable {
		ips, err = r.resolveFastest(ctx, host)
	} else {
		ips, err = resolveSystem(ctx, host)
	}
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	slices.Sort(ips)

	r.mu.Lock()
	r.cache[host] = cachedAnswer{ips: ips, expires: now.Add(r.cfg.CacheTTL)}
	r.mu.Unlock()
	return ips, nil
}

func (r *resolver) resolveFastest(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}

	var queries []func(context.Context) ([]string, error)
	for _, srv := range r.cfg.UDPServers {
		queries = append(queries, func(ctx context.Context) ([]string, error) {
			return exchangeA(ctx, "udp", host, srv, r.cfg.Timeout)
		})
	}
	for _, srv := range r.cfg.TLSServers {
		queries = append(queries, func(ctx context.Context) ([]string, error) {
			return exchangeA(ctx, "tcp-tls", host, srv, r.cfg.Timeout)
		})
	}
	for _, ep := range r.cfg.DoHEndpoints {
		queries = append(queries, func(ctx context.Context) ([]string, error) {
			return r.resolveDoH(ctx, host, ep)
		})
	}
	queries = append(queries, func(ctx context.Context) ([]string, error) {
		return resolveSystem(ctx, host)
	})

	ch := make(chan result, len(queries))
	for _, q := range queries {
		go func() {
			ips, err := q(ctx)
			ch <- result{ips, err}
		}()
	}

	var errs []error
	for range queries {
		select {
		case res := <-ch:
			if res.err == nil && len(res.ips) > 0 {
				return res.ips, nil
			}
			if res.err != nil {
				errs = append(errs, res.err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no dns result for %s", host)
	}
	return nil, errors.Join(errs...)
}

func resolveSystem(ctx context.Context, host string) ([]string, error) {
	netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(netIPs))
	for _, ip := range netIPs {
		ips = append(ips, ip.String())
	}
	return ips, nil
}

// exchangeA sends an A query over udp or tcp-tls
func exchangeA(ctx context.Context, network, host, server string, timeout time.Duration) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Net: network, Timeout: timeout}
	in, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("%s dns query to %s: %w", network, server, err)
	}
	return answerIPs(in)
}

func (r *resolver) resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh %s: status %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var in dns.Msg
	if err := in.Unpack(body); err != nil {
		return nil, err
	}
	return answerIPs(&in)
}

func answerIPs(in *dns.Msg) ([]string, error) {
	if in == nil {
		return nil, fmt.Errorf("empty dns response")
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns rcode %s", dns.RcodeToString[in.Rcode])
	}
	ips := make([]string, 0, len(in.Answer))
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}
