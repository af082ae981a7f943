package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkguard/linkguard/internal/store"
)

func TestBrokerPublishAndSubscribe(t *testing.T) {
	b := NewBroker(10, nil)
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	rec := store.Record{Kind: store.KindPredict, URL: "http://a.example/"}
	require.NoError(t, b.AppendVerdict(context.Background(), rec))

	select {
	case got := <-ch:
		assert.Equal(t, rec, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record")
	}
}

func TestBrokerFiltersByKind(t *testing.T) {
	b := NewBroker(10, nil)
	downloads := b.Subscribe(store.KindDownload)
	defer b.Unsubscribe(downloads)

	_ = b.AppendVerdict(context.Background(), store.Record{Kind: store.KindPredict})
	_ = b.AppendVerdict(context.Background(), store.Record{Kind: store.KindDownload, URL: "http://a.example/x.exe"})

	require.Len(t, downloads, 1)
	got := <-downloads
	assert.Equal(t, "http://a.example/x.exe", got.URL)
}

func TestBrokerDropsWhenSlowSubscriber(t *testing.T) {
	b := NewBroker(1, nil)
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	rec := store.Record{Kind: store.KindPredict}
	_ = b.AppendVerdict(context.Background(), rec)
	_ = b.AppendVerdict(context.Background(), rec)

	assert.Len(t, ch, 1)
	assert.Equal(t, int64(1), b.DroppedCount())
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(1, nil)
	ch := b.Subscribe("")
	assert.Equal(t, 1, b.Subscribers())
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.Subscribers())

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBrokerCloseEndsSubscriptions(t *testing.T) {
	b := NewBroker(1, nil)
	ch := b.Subscribe("")
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, ok := <-ch
	assert.False(t, ok)
	b.Unsubscribe(ch)

	late := b.Subscribe("")
	_, ok = <-late
	assert.False(t, ok)
	assert.NoError(t, b.AppendVerdict(context.Background(), store.Record{}))
}
