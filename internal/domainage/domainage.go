// Package domainage looks up when a URL's domain was registered.
package domainage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
	"golang.org/x/sync/singleflight"

	"github.com/linkguard/linkguard/internal/risk"
)

const (
	DefaultYoungDays = 30
	defaultTimeout   = 5 * time.Second
	defaultCacheSize = 4096
	defaultCacheTTL  = 24 * time.Hour
)

var errNoCreationDate = errors.New("no creation date in whois record")

// dateLayouts are the creation date formats seen across registries.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
	"2006/01/02",
	"02.01.2006",
}

type Config struct {
	// Server is a WHOIS server. Empty follows IANA referrals.
	Server  string
	Timeout time.Duration
	// YoungDays is the age below which a domain is flagged young.
	YoungDays int
	CacheSize int
	CacheTTL  time.Duration
}

// Checker resolves registration dates over WHOIS. Results are cached per
// domain and concurrent lookups of one domain share a query.
type Checker struct {
	young int
	cache *expirable.LRU[string, risk.Registration]
	group singleflight.Group
	now   func() time.Time
	// fetch returns the raw WHOIS record of domain.
	fetch func(domain string) (string, error)
}

func New(cfg Config) *Checker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	young := cfg.YoungDays
	if young <= 0 {
		young = DefaultYoungDays
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	client := whois.NewClient().SetTimeout(timeout)
	var servers []string
	if cfg.Server != "" {
		servers = []string{cfg.Server}
	}
	return &Checker{
		young: young,
		cache: expirable.NewLRU[string, risk.Registration](size, nil, ttl),
		now:   time.Now,
		fetch: func(domain string) (string, error) {
			return client.Whois(domain, servers...)
		},
	}
}

// Lookup returns the registration of host's domain. Subdomains fall back to
// their parents until a record parses. IP hosts yield nil.
func (c *Checker) Lookup(ctx context.Context, host string) (*risk.Registration, error) {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return nil, nil
	}
	host = strings.TrimPrefix(host, "www.")

	reg, ok := c.cache.Get(host)
	if !ok {
		v, err, _ := c.group.Do(host, func() (any, error) {
			return c.query(ctx, host)
		})
		if err != nil {
			return nil, err
		}
		reg = v.(risk.Registration)
		c.cache.Add(host, reg)
	}

	reg.AgeDays = int(c.now().Sub(reg.CreatedAt).Hours() / 24)
	reg.Young = reg.AgeDays < c.young
	return &reg, nil
}

func (c *Checker) query(ctx context.Context, host string) (risk.Registration, error) {
	var lastErr error
	for domain := host; strings.Contains(domain, "."); domain = domain[strings.Index(domain, ".")+1:] {
		if err := ctx.Err(); err != nil {
			return risk.Registration{}, err
		}
		created, err := c.created(domain)
		if err == nil {
			return risk.Registration{Domain: domain, CreatedAt: created}, nil
		}
		lastErr = err
	}
	return risk.Registration{}, fmt.Errorf("whois %s: %w", host, lastErr)
}

func (c *Checker) created(domain string) (time.Time, error) {
	raw, err := c.fetch(domain)
	if err != nil {
		return time.Time{}, err
	}
	info, err := whoisparser.Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	if info.Domain == nil {
		return time.Time{}, errNoCreationDate
	}
	return parseDate(info.Domain.CreatedDate)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errNoCreationDate
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized creation date %q", s)
}
