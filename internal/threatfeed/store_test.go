package threatfeed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkguard/linkguard/internal/risk"
)

func storeWith(allowlist []string, hosts ...string) *Store {
	s := NewStore("", allowlist)
	m := make(map[string]Entry, len(hosts))
	for _, h := range hosts {
		m[h] = Entry{Feed: "urlhaus", AddedAt: time.Now()}
	}
	s.Update(m)
	return s
}

func TestStore_Check(t *testing.T) {
	s := storeWith(nil, "evil.com", "122.114.193.75")

	tests := []struct {
		host  string
		want  risk.FeedMatch
		match bool
	}{
		{"evil.com", risk.FeedMatch{Feed: "urlhaus", Domain: "evil.com"}, true},
		{"a.b.c.Evil.COM.", risk.FeedMatch{Feed: "urlhaus", Domain: "evil.com"}, true},
		{"122.114.193.75", risk.FeedMatch{Feed: "urlhaus", Domain: "122.114.193.75"}, true},
		{"notevil.com", risk.FeedMatch{}, false},
		{"com", risk.FeedMatch{}, false},
		{"", risk.FeedMatch{}, false},
	}
	for _, tc := range tests {
		got, ok := s.Check(tc.host)
		assert.Equal(t, tc.match, ok, tc.host)
		assert.Equal(t, tc.want, got, tc.host)
	}
}

func TestStore_IPDoesNotMatchByParent(t *testing.T) {
	s := storeWith(nil, "193.75")
	_, ok := s.Check("122.114.193.75")
	assert.False(t, ok)
}

func TestStore_Allowlist(t *testing.T) {
	s := storeWith([]string{"cdn.evil.com", "Safe.ORG."}, "evil.com", "safe.org")

	_, ok := s.Check("cdn.evil.com")
	assert.False(t, ok)
	_, ok = s.Check("x.cdn.evil.com")
	assert.False(t, ok, "allowlisted parent ends the walk")
	_, ok = s.Check("safe.org")
	assert.False(t, ok)
	_, ok = s.Check("www.evil.com")
	assert.True(t, ok)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := storeWith(nil, "evil.com")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Check("sub.evil.com")
		}()
		go func() {
			defer wg.Done()
			s.Update(map[string]Entry{"evil.com": {Feed: "f"}})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, s.Size())
}

func TestStore_DiskRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	s.Update(map[string]Entry{"evil.com": {Feed: "urlhaus", AddedAt: time.Now().UTC()}})
	require.NoError(t, s.SaveToDisk())

	restored := NewStore(dir, nil)
	require.NoError(t, restored.LoadFromDisk())
	m, ok := restored.Check("evil.com")
	require.True(t, ok)
	assert.Equal(t, "urlhaus", m.Feed)
	assert.Equal(t, map[string][]string{"urlhaus": {"evil.com"}}, restored.Snapshot())
}

func TestStore_LoadFromDisk_Missing(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	require.NoError(t, s.LoadFromDisk())
	assert.Zero(t, s.Size())

	require.NoError(t, NewStore("", nil).SaveToDisk())
}
