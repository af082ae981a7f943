package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkguard/linkguard/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestAppendAndQueryVerdicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC)

	id := "7d1f3c1e-0000-4000-8000-000000000001"
	err := s.AppendVerdict(ctx, store.Record{
		ID:        id,
		Timestamp: base,
		Kind:      store.KindPredict,
		URL:       "http://www.stock888.cn/",
		Host:      "stock888.cn",
		Label:     "Malicious",
		Risk:      "malicious",
		Score:     0.8,
		Payload:   json.RawMessage(`{"prediction":"Malicious"}`),
	})
	require.NoError(t, err)

	err = s.AppendVerdict(ctx, store.Record{
		Timestamp: base.Add(time.Minute),
		Kind:      store.KindDownload,
		URL:       "https://example.org/doc.pdf",
		Host:      "example.org",
		Label:     "downloadable",
		Risk:      "low_risk",
	})
	require.NoError(t, err)

	all, err := s.QueryVerdicts(ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, store.KindDownload, all[0].Kind, "newest first")
	assert.NotEmpty(t, all[0].ID, "id assigned when missing")
	assert.Equal(t, "{}", string(all[0].Payload))

	got, err := s.QueryVerdicts(ctx, store.Query{Kind: store.KindPredict})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "stock888.cn", got[0].Host)
	assert.Equal(t, "malicious", got[0].Risk)
	assert.InDelta(t, 0.8, got[0].Score, 1e-12)
	assert.True(t, base.Equal(got[0].Timestamp))
	assert.JSONEq(t, `{"prediction":"Malicious"}`, string(got[0].Payload))

	got, err = s.QueryVerdicts(ctx, store.Query{HostLike: "%example%"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "low_risk", got[0].Risk)

	since := base.Add(30 * time.Second)
	got, err = s.QueryVerdicts(ctx, store.Query{Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.QueryVerdicts(ctx, store.Query{Asc: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, store.KindPredict, got[0].Kind)
}

func TestAppendVerdict_MissingKind(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendVerdict(context.Background(), store.Record{URL: "u"})
	require.Error(t, err)
}

func TestQueryVerdicts_ClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.QueryVerdicts(context.Background(), store.Query{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
