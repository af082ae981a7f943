// Package threatfeed keeps a local blocklist of hosts synced from public
// threat feeds such as URLhaus and matches URLs against it.
package threatfeed

import (
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/linkguard/linkguard/internal/risk"
)

const cacheFileName = "feeds.cache"

// Entry records which feed listed a host and when it was first seen.
type Entry struct {
	Feed    string
	AddedAt time.Time
}

// Store is an in-memory host set with an optional on-disk cache. It is safe
// for concurrent use.
type Store struct {
	mu        sync.RWMutex
	hosts     map[string]Entry
	allowlist map[string]struct{}
	cacheDir  string
}

// NewStore creates an empty Store. An allowlisted host or parent domain ends
// the lookup without a match.
func NewStore(cacheDir string, allowlist []string) *Store {
	al := make(map[string]struct{}, len(allowlist))
	for _, h := range allowlist {
		if h = normalizeHost(h); h != "" {
			al[h] = struct{}{}
		}
	}
	return &Store{
		hosts:     make(map[string]Entry),
		allowlist: al,
		cacheDir:  cacheDir,
	}
}

// Check reports the feed listing host or its closest listed parent domain.
// IP addresses only match exactly.
func (s *Store) Check(host string) (risk.FeedMatch, bool) {
	host = normalizeHost(host)
	if host == "" {
		return risk.FeedMatch{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, candidate := range candidates(host) {
		if _, ok := s.allowlist[candidate]; ok {
			return risk.FeedMatch{}, false
		}
		if e, ok := s.hosts[candidate]; ok {
			return risk.FeedMatch{Feed: e.Feed, Domain: candidate}, true
		}
	}
	return risk.FeedMatch{}, false
}

// candidates lists host followed by its parent domains, stopping before the
// bare TLD.
func candidates(host string) []string {
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return []string{host}
	}
	out := []string{host}
	for d := host; ; {
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
		if !strings.Contains(d, ".") {
			break
		}
		out = append(out, d)
	}
	return out
}

// Update replaces the whole host set.
func (s *Store) Update(hosts map[string]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts = hosts
}

func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts)
}

// Snapshot groups the current hosts by feed.
func (s *Store) Snapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grouped := make(map[string][]string)
	for h, e := range s.hosts {
		grouped[e.Feed] = append(grouped[e.Feed], h)
	}
	return grouped
}

// SaveToDisk writes the host set to the cache directory, if one is set.
func (s *Store) SaveToDisk() error {
	if s.cacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return fmt.Errorf("mkdir feed cache: %w", err)
	}

	s.mu.RLock()
	hosts := s.hosts
	s.mu.RUnlock()

	path := filepath.Join(s.cacheDir, cacheFileName)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create feed cache: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(hosts); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode feed cache: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFromDisk restores a host set saved by SaveToDisk. A missing cache is
// not an error.
func (s *Store) LoadFromDisk() error {
	if s.cacheDir == "" {
		return nil
	}
	f, err := os.Open(filepath.Join(s.cacheDir, cacheFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var hosts map[string]Entry
	if err := gob.NewDecoder(f).Decode(&hosts); err != nil {
		return fmt.Errorf("decode feed cache: %w", err)
	}
	s.Update(hosts)
	return nil
}
