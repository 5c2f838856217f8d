// Package weburl validates caller-supplied URLs before any network activity.
// It implements the structural half of SSRF prevention: scheme and credential
// checks, hostname blocklists, and private/metadata IP detection. DNS-level
// checks (CNAME chains, resolved addresses) live in package dnssafe.
package weburl

import (
	"net"
	"net/url"
	"strings"

	"github.com/j0hanz/fetch-url-mcp-sub001/weberr"
)

// DefaultMaxURLLength bounds accepted input; anything longer is rejected
// before parsing.
const DefaultMaxURLLength = 2048

// Pre-compiled CIDR networks for private/reserved IP ranges.
// These are parsed once at package initialization.
var (
	cgnat    *net.IPNet // 100.64.0.0/10 - Carrier-grade NAT
	v6unique *net.IPNet // fc00::/7 - IPv6 unique local
	v6link   *net.IPNet // fe80::/10 - IPv6 link-local
)

// Cloud metadata endpoints are rejected unconditionally, even when private
// fetching is enabled.
var metadataIPs = []string{
	"169.254.169.254", // AWS/GCP/Azure IMDS
	"fd00:ec2::254",   // AWS IMDS over IPv6
	"100.100.100.200", // Alibaba Cloud
}

// metadataHostnames are provider metadata hosts that resolve to the above.
var metadataHostnames = []string{
	"metadata.google.internal",
	"metadata.goog",
}

func init() {
	var err error

	_, cgnat, err = net.ParseCIDR("100.64.0.0/10")
	if err != nil {
		panic("invalid CGNAT CIDR: " + err.Error())
	}

	_, v6unique, err = net.ParseCIDR("fc00::/7")
	if err != nil {
		panic("invalid IPv6 unique local CIDR: " + err.Error())
	}

	_, v6link, err = net.ParseCIDR("fe80::/10")
	if err != nil {
		panic("invalid IPv6 link-local CIDR: " + err.Error())
	}
}

// Policy controls which hosts a fetch may target.
type Policy struct {
	// AllowPrivate permits loopback/private/link-local targets. Intended
	// for local development; metadata endpoints stay blocked regardless.
	AllowPrivate bool

	// BlockedSuffixes are hostname suffixes rejected in addition to the
	// built-in ".local" and ".internal".
	BlockedSuffixes []string

	// MaxURLLength overrides DefaultMaxURLLength when positive.
	MaxURLLength int
}

// ValidateURL normalizes and validates a caller-supplied URL. It rejects
// empty or oversized input, non-HTTP(S) schemes, embedded credentials, and
// hosts the policy blocks. The returned URL is the parsed, normalized form.
func (p Policy) ValidateURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, weberr.New(weberr.CodeInvalidURL, rawURL, "URL is empty")
	}
	maxLen := p.MaxURLLength
	if maxLen <= 0 {
		maxLen = DefaultMaxURLLength
	}
	if len(rawURL) > maxLen {
		return nil, weberr.New(weberr.CodeInvalidURL, "", "URL exceeds %d characters", maxLen)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, weberr.New(weberr.CodeInvalidURL, rawURL, "invalid URL: %v", err)
	}

	if err := p.ValidateParsed(parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// ValidateParsed applies scheme, credential, and host checks to an already
// parsed URL. Redirect targets pass through here on every hop.
func (p Policy) ValidateParsed(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return weberr.New(weberr.CodeInvalidURL, u.String(), "scheme %q is not allowed, only http and https", u.Scheme)
	}

	if u.User != nil {
		return weberr.New(weberr.CodeInvalidURL, u.Redacted(), "URLs with embedded credentials are not allowed")
	}

	host := u.Hostname()
	if host == "" {
		return weberr.New(weberr.CodeInvalidURL, u.String(), "URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		return p.CheckIP(ip, u.String())
	}
	return p.CheckHostname(host)
}

// CheckHostname rejects hostnames on the static blocklist. It is applied to
// the original host and to every intermediate CNAME target.
func (p Policy) CheckHostname(host string) error {
	lowHost := strings.ToLower(strings.TrimSuffix(host, "."))

	for _, meta := range metadataHostnames {
		if lowHost == meta {
			return weberr.New(weberr.CodeBlockedHost, host, "cloud metadata hostname is not allowed")
		}
	}

	if !p.AllowPrivate {
		if lowHost == "localhost" || strings.HasSuffix(lowHost, ".localhost") {
			return weberr.New(weberr.CodeBlockedHost, host, "localhost is not allowed")
		}
		if strings.HasSuffix(lowHost, ".local") || strings.HasSuffix(lowHost, ".internal") {
			return weberr.New(weberr.CodeBlockedHost, host, "local domain %q is not allowed", host)
		}
		for _, suffix := range p.BlockedSuffixes {
			s := strings.ToLower(suffix)
			if lowHost == strings.TrimPrefix(s, ".") || strings.HasSuffix(lowHost, s) {
				return weberr.New(weberr.CodeBlockedHost, host, "host matches blocked suffix %q", suffix)
			}
		}
	}
	return nil
}

// CheckIP rejects metadata addresses unconditionally and private ranges
// unless the policy allows them. url is used only for error attribution.
func (p Policy) CheckIP(ip net.IP, url string) error {
	if IsMetadataIP(ip) {
		return weberr.New(weberr.CodeBlockedHost, url, "cloud metadata address %s is not allowed", ip)
	}
	if !p.AllowPrivate && IsPrivateIP(ip) {
		return weberr.New(weberr.CodeBlockedHost, url, "private address %s is not allowed", ip)
	}
	return nil
}

// IsMetadataIP checks whether an IP is a known cloud metadata endpoint.
func IsMetadataIP(ip net.IP) bool {
	for _, meta := range metadataIPs {
		if ip.Equal(net.ParseIP(meta)) {
			return true
		}
	}
	if v4 := ip.To4(); v4 != nil {
		for _, meta := range metadataIPs {
			if m := net.ParseIP(meta); m != nil && v4.Equal(m.To4()) {
				return true
			}
		}
	}
	return false
}

// IsPrivateIP checks if an IP is in private/reserved ranges.
// It handles IPv4, IPv6, and IPv6-mapped IPv4 addresses.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}

	// IPv6-mapped IPv4 addresses (::ffff:x.x.x.x) re-checked as IPv4
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return true
		}
	}

	return cgnat.Contains(ip) || v6unique.Contains(ip) || v6link.Contains(ip)
}
