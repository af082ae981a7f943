package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/linkguard/linkguard/internal/verify"
)

const (
	// NameDNSBL is the registry name of the DNS blocklist backend.
	NameDNSBL = "dnsbl"

	defaultDNSBLTimeout = 2 * time.Second
)

// DefaultDNSBLZones are domain blocklists queried when none are configured.
var DefaultDNSBLZones = []string{
	"dbl.spamhaus.org",
	"multi.surbl.org",
	"uribl.spameatingmonkey.net",
}

type DNSBLConfig struct {
	// Resolver is the host:port of the DNS server. Empty uses the first
	// nameserver in /etc/resolv.conf.
	Resolver string
	Zones    []string
	Timeout  time.Duration
}

// DNSBL looks the URL host up in DNS blocklists. Each zone is one vote: a
// listing counts as malicious, NXDOMAIN as harmless and a failed lookup as
// undetected. Lookups happen in Submit and the counts travel in the analysis
// id, so the backend holds no per-submission state.
type DNSBL struct {
	resolver string
	zones    []string
	client   *dns.Client
}

var (
	_ verify.Backend   = (*DNSBL)(nil)
	_ verify.Immediate = (*DNSBL)(nil)
)

func NewDNSBL(cfg DNSBLConfig) *DNSBL {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultDNSBLTimeout
	}
	zones := cfg.Zones
	if len(zones) == 0 {
		zones = DefaultDNSBLZones
	}
	return &DNSBL{
		resolver: cfg.Resolver,
		zones:    zones,
		client:   &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (d *DNSBL) Name() string { return NameDNSBL }

func (d *DNSBL) Kind() verify.Kind { return verify.KindVendor }

func (d *DNSBL) Immediate() bool { return true }

// Submit queries every zone. It fails only when no zone could be queried.
func (d *DNSBL) Submit(ctx context.Context, rawURL string) (string, error) {
	name, err := dnsblQueryName(rawURL)
	if err != nil {
		return "", err
	}
	resolver, err := d.nameserver()
	if err != nil {
		return "", err
	}

	var (
		stats   verify.Stats
		lastErr error
	)
	for _, zone := range d.zones {
		listed, err := d.lookup(ctx, resolver, name+"."+strings.Trim(zone, "."))
		switch {
		case err != nil:
			stats.Undetected++
			lastErr = err
		case listed:
			stats.Malicious++
		default:
			stats.Harmless++
		}
	}
	if stats.Undetected == len(d.zones) {
		return "", fmt.Errorf("dnsbl: every lookup failed: %w", lastErr)
	}

	return fmt.Sprintf("%s/%d.%d.%d", uuid.NewString(), stats.Malicious, stats.Harmless, stats.Undetected), nil
}

// Fetch decodes the counts Submit packed into id.
func (d *DNSBL) Fetch(_ context.Context, id string) (*verify.ScanReport, error) {
	stats, err := parseDNSBLID(id)
	if err != nil {
		return nil, &verify.ParseError{Backend: NameDNSBL, Err: err}
	}
	return &verify.ScanReport{AnalysisID: id, Stats: stats}, nil
}

// parseDNSBLID reads "<uuid>/<malicious>.<harmless>.<undetected>".
func parseDNSBLID(id string) (verify.Stats, error) {
	prefix, counts, ok := strings.Cut(id, "/")
	if !ok {
		return verify.Stats{}, fmt.Errorf("malformed analysis id %q", id)
	}
	if _, err := uuid.Parse(prefix); err != nil {
		return verify.Stats{}, fmt.Errorf("malformed analysis id %q: %w", id, err)
	}
	parts := strings.Split(counts, ".")
	if len(parts) != 3 {
		return verify.Stats{}, fmt.Errorf("malformed analysis id %q", id)
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return verify.Stats{}, fmt.Errorf("malformed analysis id %q", id)
		}
		n[i] = v
	}
	return verify.Stats{Malicious: n[0], Harmless: n[1], Undetected: n[2]}, nil
}

func (d *DNSBL) nameserver() (string, error) {
	if d.resolver != "" {
		return d.resolver, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return "", errors.New("dnsbl: no resolver configured and none found in /etc/resolv.conf")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// lookup reports whether qname has an A record in 127.0.0.0/8. Spamhaus
// answers 127.255.255.x for refused queries; those count as errors.
func (d *DNSBL) lookup(ctx context.Context, resolver, qname string) (bool, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), dns.TypeA)
	resp, _, err := d.client.ExchangeContext(ctx, msg, resolver)
	if err != nil {
		return false, err
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return false, nil
	default:
		return false, fmt.Errorf("%s: %s", qname, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip := a.A.To4()
		if ip == nil || ip[0] != 127 {
			continue
		}
		if ip[1] == 255 && ip[2] == 255 {
			return false, fmt.Errorf("%s: query refused (%s)", qname, ip)
		}
		return true, nil
	}
	return false, nil
}

// dnsblQueryName is the reversed octets for IPv4 hosts and the host without
// a leading "www." otherwise.
func dnsblQueryName(rawURL string) (string, error) {
	s := strings.TrimSpace(rawURL)
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("dnsbl: no host in %q", rawURL)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if ip := net.ParseIP(host); ip != nil {
		v4 := ip.To4()
		if v4 == nil {
			return "", fmt.Errorf("dnsbl: IPv6 host %s not supported", host)
		}
		return fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0]), nil
	}
	return strings.TrimPrefix(host, "www."), nil
}
