package dnssafe

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/j0hanz/fetch-url-mcp-sub001/weberr"
	"github.com/j0hanz/fetch-url-mcp-sub001/weburl"
)

// zone scripts DNS answers for tests: cnames maps alias to target, addrs
// maps terminal names to A records.
type zone struct {
	cnames map[string]string
	addrs  map[string][]string
}

func (z zone) query(_ context.Context, name string, qtype uint16) (*dns.Msg, error) {
	name = dns.Fqdn(name)
	msg := new(dns.Msg)
	msg.Rcode = dns.RcodeSuccess

	switch qtype {
	case dns.TypeCNAME:
		if target, ok := z.cnames[name]; ok {
			msg.Answer = append(msg.Answer, &dns.CNAME{
				Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET},
				Target: dns.Fqdn(target),
			})
		}
	case dns.TypeA:
		for _, a := range z.addrs[name] {
			ip := net.ParseIP(a)
			if ip.To4() == nil {
				continue
			}
			msg.Answer = append(msg.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET},
				A:   ip.To4(),
			})
		}
	case dns.TypeAAAA:
		for _, a := range z.addrs[name] {
			ip := net.ParseIP(a)
			if ip.To4() != nil {
				continue
			}
			msg.Answer = append(msg.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET},
				AAAA: ip,
			})
		}
	}
	return msg, nil
}

func newTestResolver(z zone, policy weburl.Policy, opts ...Option) *Resolver {
	opts = append([]Option{WithQueryFunc(z.query)}, opts...)
	return New(policy, nil, opts...)
}

func TestPreflightLiteralIP(t *testing.T) {
	r := newTestResolver(zone{}, weburl.Policy{})

	ip, err := r.Preflight(context.Background(), "93.184.216.34")
	if err != nil {
		t.Fatalf("public literal IP rejected: %v", err)
	}
	if ip.String() != "93.184.216.34" {
		t.Errorf("got %s, want 93.184.216.34", ip)
	}

	if _, err := r.Preflight(context.Background(), "127.0.0.1"); weberr.CodeOf(err) != weberr.CodeBlockedHost {
		t.Errorf("loopback literal should be blocked, got %v", err)
	}
	if _, err := r.Preflight(context.Background(), "169.254.169.254"); weberr.CodeOf(err) != weberr.CodeBlockedHost {
		t.Errorf("metadata literal should be blocked, got %v", err)
	}
}

func TestPreflightResolvesPublicHost(t *testing.T) {
	z := zone{addrs: map[string][]string{"example.com.": {"93.184.216.34"}}}
	r := newTestResolver(z, weburl.Policy{})

	ip, err := r.Preflight(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Preflight failed: %v", err)
	}
	if ip.String() != "93.184.216.34" {
		t.Errorf("got %s, want 93.184.216.34", ip)
	}
}

func TestPreflightRejectsPrivateResolution(t *testing.T) {
	// A public-looking hostname that resolves to a private address. This is
	// the classic DNS rebinding setup.
	z := zone{addrs: map[string][]string{"evil.example.com.": {"192.168.1.10"}}}
	r := newTestResolver(z, weburl.Policy{})

	if _, err := r.Preflight(context.Background(), "evil.example.com"); weberr.CodeOf(err) != weberr.CodeBlockedHost {
		t.Errorf("private resolution should be blocked, got %v", err)
	}
}

func TestPreflightRejectsMetadataResolution(t *testing.T) {
	z := zone{addrs: map[string][]string{"sneaky.example.com.": {"169.254.169.254"}}}
	r := newTestResolver(z, weburl.Policy{AllowPrivate: true})

	if _, err := r.Preflight(context.Background(), "sneaky.example.com"); weberr.CodeOf(err) != weberr.CodeBlockedHost {
		t.Errorf("metadata resolution should be blocked even with AllowPrivate, got %v", err)
	}
}

func TestPreflightWalksCNAMEChain(t *testing.T) {
	z := zone{
		cnames: map[string]string{
			"www.example.com.": "cdn.example.net.",
			"cdn.example.net.": "edge.example.org.",
		},
		addrs: map[string][]string{"edge.example.org.": {"203.0.113.7"}},
	}
	r := newTestResolver(z, weburl.Policy{})

	ip, err := r.Preflight(context.Background(), "www.example.com")
	if err != nil {
		t.Fatalf("CNAME chain rejected: %v", err)
	}
	if ip.String() != "203.0.113.7" {
		t.Errorf("got %s, want 203.0.113.7", ip)
	}
}

func TestPreflightRejectsBlockedCNAMETarget(t *testing.T) {
	// The original host is fine but an intermediate alias points at a
	// metadata hostname.
	z := zone{
		cnames: map[string]string{"www.example.com.": "metadata.google.internal."},
		addrs:  map[string][]string{"metadata.google.internal.": {"169.254.169.254"}},
	}
	r := newTestResolver(z, weburl.Policy{})

	if _, err := r.Preflight(context.Background(), "www.example.com"); weberr.CodeOf(err) != weberr.CodeBlockedHost {
		t.Errorf("blocked CNAME target should fail preflight, got %v", err)
	}
}

func TestPreflightCNAMEDepthLimit(t *testing.T) {
	z := zone{cnames: map[string]string{}, addrs: map[string][]string{}}
	for i := 0; i < 10; i++ {
		z.cnames[dns.Fqdn(fmt.Sprintf("hop%d.example.com", i))] = fmt.Sprintf("hop%d.example.com", i+1)
	}
	z.addrs["hop10.example.com."] = []string{"203.0.113.7"}

	r := newTestResolver(z, weburl.Policy{})
	if _, err := r.Preflight(context.Background(), "hop0.example.com"); weberr.CodeOf(err) != weberr.CodeBlockedHost {
		t.Errorf("over-deep CNAME chain should be blocked, got %v", err)
	}

	// A chain just under the budget resolves fine.
	short := zone{
		cnames: map[string]string{
			"a.example.com.": "b.example.com.",
			"b.example.com.": "c.example.com.",
		},
		addrs: map[string][]string{"c.example.com.": {"203.0.113.7"}},
	}
	r = newTestResolver(short, weburl.Policy{})
	if _, err := r.Preflight(context.Background(), "a.example.com"); err != nil {
		t.Errorf("short CNAME chain should resolve: %v", err)
	}
}

func TestPreflightSelfReferentialCNAME(t *testing.T) {
	z := zone{
		cnames: map[string]string{"self.example.com.": "self.example.com."},
		addrs:  map[string][]string{"self.example.com.": {"203.0.113.7"}},
	}
	r := newTestResolver(z, weburl.Policy{})

	// A CNAME pointing at itself terminates the walk rather than looping.
	ip, err := r.Preflight(context.Background(), "self.example.com")
	if err != nil {
		t.Fatalf("self-referential CNAME should terminate: %v", err)
	}
	if ip == nil {
		t.Fatal("expected an address")
	}
}

func TestPreflightAAAAFallback(t *testing.T) {
	z := zone{addrs: map[string][]string{"v6only.example.com.": {"2606:2800:220:1::1"}}}
	r := newTestResolver(z, weburl.Policy{})

	ip, err := r.Preflight(context.Background(), "v6only.example.com")
	if err != nil {
		t.Fatalf("AAAA-only host rejected: %v", err)
	}
	if ip.To4() != nil {
		t.Errorf("expected an IPv6 address, got %s", ip)
	}
}

func TestPreflightNoAddresses(t *testing.T) {
	r := newTestResolver(zone{}, weburl.Policy{})
	if _, err := r.Preflight(context.Background(), "nxdomain.example.com"); weberr.CodeOf(err) != weberr.CodeDNSFailure {
		t.Errorf("expected dns-failure for empty resolution, got %v", err)
	}
}

func TestPreflightTimeoutVsCancel(t *testing.T) {
	slow := func(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	r := New(weburl.Policy{}, nil,
		WithQueryFunc(slow),
		WithLookupTimeout(20*time.Millisecond),
	)
	if _, err := r.Preflight(context.Background(), "slow.example.com"); weberr.CodeOf(err) != weberr.CodeTimeout {
		t.Errorf("expected timeout code, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r = New(weburl.Policy{}, nil,
		WithQueryFunc(slow),
		WithLookupTimeout(time.Second),
	)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := r.Preflight(ctx, "slow.example.com"); weberr.CodeOf(err) != weberr.CodeAborted {
		t.Errorf("expected aborted code for caller cancellation, got %v", err)
	}
}

func TestExchangeServFail(t *testing.T) {
	servfail := func(_ context.Context, _ string, _ uint16) (*dns.Msg, error) {
		msg := new(dns.Msg)
		msg.Rcode = dns.RcodeServerFailure
		return msg, nil
	}
	r := New(weburl.Policy{}, nil, WithQueryFunc(servfail))
	if _, err := r.Preflight(context.Background(), "broken.example.com"); weberr.CodeOf(err) != weberr.CodeDNSFailure {
		t.Errorf("expected dns-failure for SERVFAIL, got %v", err)
	}
}
