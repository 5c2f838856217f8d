// Package dnssafe performs the DNS half of SSRF prevention: a preflight
// lookup that walks the CNAME chain of a hostname, validating every
// intermediate name against the URL policy before the final address lookup.
// The resolved address is used only to accept or reject the host; the actual
// connection still dials the hostname, so the preflight result is never
// substituted into the request.
package dnssafe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/j0hanz/fetch-url-mcp-sub001/weberr"
	"github.com/j0hanz/fetch-url-mcp-sub001/weburl"
)

// DefaultMaxCNAMEDepth bounds how many alias hops a hostname may take
// before the chain is rejected outright.
const DefaultMaxCNAMEDepth = 5

// DefaultLookupTimeout bounds each individual DNS operation.
const DefaultLookupTimeout = 5 * time.Second

const resolvConfPath = "/etc/resolv.conf"

// QueryFunc issues a single DNS query. Injectable so tests can script
// CNAME chains without a network.
type QueryFunc func(ctx context.Context, name string, qtype uint16) (*dns.Msg, error)

// Resolver validates hostnames against a URL policy via DNS preflight.
type Resolver struct {
	policy   weburl.Policy
	timeout  time.Duration
	maxDepth int
	query    QueryFunc
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookupTimeout sets the per-operation DNS timeout.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxCNAMEDepth sets the CNAME chain hop budget.
func WithMaxCNAMEDepth(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithQueryFunc replaces the DNS transport. Used by tests.
func WithQueryFunc(q QueryFunc) Option {
	return func(r *Resolver) { r.query = q }
}

// New creates a Resolver using the system's configured nameservers.
func New(policy weburl.Policy, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		policy:   policy,
		timeout:  DefaultLookupTimeout,
		maxDepth: DefaultMaxCNAMEDepth,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.query == nil {
		r.query = systemQuery(r.timeout)
	}
	return r
}

// Preflight validates host and returns the first resolved address. Literal
// IPs are checked directly. Hostnames are checked against the blocklist,
// then every CNAME hop is re-checked before the final address lookup. Each
// DNS operation races the lookup timeout against ctx cancellation, and the
// two outcomes surface as distinct error codes.
func (r *Resolver) Preflight(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if err := r.policy.CheckIP(ip, host); err != nil {
			return nil, err
		}
		return ip, nil
	}

	if err := r.policy.CheckHostname(host); err != nil {
		return nil, err
	}

	name := host
	for depth := 0; ; depth++ {
		target, err := r.lookupCNAME(ctx, name)
		if err != nil {
			return nil, err
		}
		if target == "" || strings.EqualFold(strings.TrimSuffix(target, "."), strings.TrimSuffix(name, ".")) {
			break
		}
		if depth+1 >= r.maxDepth {
			return nil, weberr.New(weberr.CodeBlockedHost, host, "CNAME chain exceeds %d hops", r.maxDepth)
		}
		if err := r.policy.CheckHostname(target); err != nil {
			return nil, err
		}
		name = target
	}

	ips, err := r.lookupAddrs(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, weberr.New(weberr.CodeDNSFailure, host, "no addresses found for %q", name)
	}
	for _, ip := range ips {
		if err := r.policy.CheckIP(ip, host); err != nil {
			return nil, err
		}
	}
	return ips[0], nil
}

// lookupCNAME returns the CNAME target of name, or "" when name is not an
// alias.
func (r *Resolver) lookupCNAME(ctx context.Context, name string) (string, error) {
	msg, err := r.exchange(ctx, name, dns.TypeCNAME)
	if err != nil {
		return "", err
	}
	for _, rr := range msg.Answer {
		if cname, ok := rr.(*dns.CNAME); ok {
			return strings.TrimSuffix(cname.Target, "."), nil
		}
	}
	return "", nil
}

// lookupAddrs resolves A records for name, falling back to AAAA when the
// name has no IPv4 addresses.
func (r *Resolver) lookupAddrs(ctx context.Context, name string) ([]net.IP, error) {
	var ips []net.IP

	msg, err := r.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) > 0 {
		return ips, nil
	}

	msg, err = r.exchange(ctx, name, dns.TypeAAAA)
	if err != nil {
		return nil, err
	}
	for _, rr := range msg.Answer {
		if aaaa, ok := rr.(*dns.AAAA); ok {
			ips = append(ips, aaaa.AAAA)
		}
	}
	return ips, nil
}

// exchange runs one query under the per-operation timeout and maps
// transport failures to typed errors.
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg, err := r.query(opCtx, name, qtype)
	if err != nil {
		return nil, r.classify(ctx, name, err)
	}
	if msg.Rcode != dns.RcodeSuccess && msg.Rcode != dns.RcodeNameError {
		return nil, weberr.New(weberr.CodeDNSFailure, name, "DNS query failed with rcode %s", dns.RcodeToString[msg.Rcode])
	}
	return msg, nil
}

// classify distinguishes caller cancellation from lookup timeout; both end
// an in-flight DNS operation but surface differently.
func (r *Resolver) classify(ctx context.Context, name string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return weberr.New(weberr.CodeAborted, name, "DNS lookup aborted")
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return weberr.New(weberr.CodeTimeout, name, "DNS lookup timed out after %s", r.timeout)
	}
	return weberr.New(weberr.CodeDNSFailure, name, "DNS lookup failed: %v", err)
}

// systemQuery builds a QueryFunc backed by the nameservers in resolv.conf.
func systemQuery(timeout time.Duration) QueryFunc {
	var servers []string
	if cc, err := dns.ClientConfigFromFile(resolvConfPath); err == nil {
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	}
	if len(servers) == 0 {
		servers = []string{"127.0.0.1:53"}
	}

	client := &dns.Client{Timeout: timeout}

	return func(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), qtype)
		m.RecursionDesired = true

		var lastErr error
		for _, server := range servers {
			resp, _, err := client.ExchangeContext(ctx, m, server)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				break
			}
		}
		return nil, lastErr
	}
}
