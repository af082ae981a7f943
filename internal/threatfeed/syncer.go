package threatfeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

const (
	maxFeedSize         = 100 * 1024 * 1024
	DefaultSyncInterval = 6 * time.Hour
)

var (
	errNotModified = errors.New("not modified")
	errTruncated   = errors.New("feed exceeds maximum size")
)

// Feed is one remote blocklist.
type Feed struct {
	Name   string
	URL    string
	Format string
}

type SyncerConfig struct {
	Feeds []Feed
	// LocalLists are domain-list files read on every sync.
	LocalLists   []string
	SyncInterval time.Duration
	Timeout      time.Duration
}

// Syncer refreshes a Store from its feeds. A feed that fails keeps its last
// good host list.
type Syncer struct {
	store    *Store
	feeds    []Feed
	locals   []string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	etags    map[string]string
	lastGood map[string][]string
	seeded   bool
	trigger  chan struct{}
}

// NewSyncer creates a Syncer. logger may be nil.
func NewSyncer(store *Store, cfg SyncerConfig, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Syncer{
		store:    store,
		feeds:    cfg.Feeds,
		locals:   cfg.LocalLists,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		etags:    make(map[string]string),
		lastGood: make(map[string][]string),
		trigger:  make(chan struct{}, 1),
	}
}

// LocalLists returns the configured local list paths.
func (s *Syncer) LocalLists() []string { return s.locals }

// Trigger asks Run to sync as soon as possible. Requests made while one is
// already pending are coalesced.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run syncs immediately, then every interval and on Trigger, until ctx is
// canceled.
func (s *Syncer) Run(ctx context.Context) {
	s.Sync(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.store.SaveToDisk(); err != nil {
				s.logger.Warn("threat feed cache save failed", "error", err)
			}
			return
		case <-ticker.C:
			s.Sync(ctx)
		case <-s.trigger:
			s.Sync(ctx)
		}
	}
}

// Sync fetches every feed and local list once and replaces the store
// contents. Sync is not safe for concurrent use.
func (s *Syncer) Sync(ctx context.Context) {
	prune := s.seedFromStore()

	merged := make(map[string]Entry)
	anyOK := false
	add := func(key string, hosts []string) {
		now := time.Now().UTC()
		for _, h := range hosts {
			if _, ok := merged[h]; !ok {
				merged[h] = Entry{Feed: key, AddedAt: now}
			}
		}
	}

	for _, feed := range s.feeds {
		hosts, err := s.fetch(ctx, feed)
		switch {
		case err == nil:
			s.lastGood[feed.Name] = hosts
			anyOK = true
			s.logger.Info("threat feed synced", "feed", feed.Name, "hosts", len(hosts))
		case errors.Is(err, errNotModified):
			hosts = s.lastGood[feed.Name]
			anyOK = true
		default:
			hosts = s.lastGood[feed.Name]
			s.logger.Warn("threat feed fetch failed; keeping cached hosts",
				"feed", feed.Name, "url", sanitizeURL(feed.URL), "error", err)
		}
		add(feed.Name, hosts)
	}

	for _, path := range s.locals {
		key := "local:" + path
		hosts, err := readLocal(path)
		if err != nil {
			hosts = s.lastGood[key]
			s.logger.Warn("local blocklist unreadable; keeping cached hosts", "path", path, "error", err)
		} else {
			s.lastGood[key] = hosts
			anyOK = true
		}
		add(key, hosts)
	}

	// Every source failing on a cold start must not wipe the disk cache.
	if !anyOK && len(merged) == 0 && s.hasSources() && !prune {
		return
	}
	s.store.Update(merged)
	if err := s.store.SaveToDisk(); err != nil {
		s.logger.Warn("threat feed cache save failed", "error", err)
	}
}

// seedFromStore adopts hosts loaded from disk as the last good lists of
// feeds that are still configured. It reports whether the store holds hosts
// of feeds that are no longer configured.
func (s *Syncer) seedFromStore() bool {
	if s.seeded {
		return false
	}
	s.seeded = true
	configured := make(map[string]bool, len(s.feeds)+len(s.locals))
	for _, f := range s.feeds {
		configured[f.Name] = true
	}
	for _, p := range s.locals {
		configured["local:"+p] = true
	}
	stale := false
	for feed, hosts := range s.store.Snapshot() {
		if configured[feed] {
			s.lastGood[feed] = hosts
		} else {
			stale = true
		}
	}
	return stale
}

func (s *Syncer) hasSources() bool {
	return len(s.feeds) > 0 || len(s.locals) > 0
}

func (s *Syncer) fetch(ctx context.Context, feed Feed) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, err
	}
	if etag, ok := s.etags[feed.Name]; ok {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, errNotModified
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	// One byte past the cap tells a full feed from a truncated one.
	lr := &io.LimitedReader{R: resp.Body, N: maxFeedSize + 1}
	hosts, err := ParserForFormat(feed.Format).Parse(lr)
	if err != nil {
		return nil, err
	}
	if lr.N == 0 {
		return nil, errTruncated
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		s.etags[feed.Name] = etag
	}
	return hosts, nil
}

func readLocal(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DomainListParser{}.Parse(f)
}

// sanitizeURL keeps scheme and host; feed paths may embed tokens.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	return u.Scheme + "://" + u.Host
}
