package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/cache"
)

func TestInMemoryRoundTrip(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v")))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "persistent-key", []byte("persistent-value")))
	require.NoError(t, s.Close())

	s, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "persistent-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent-value"), got)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestCancelledContext(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Set(ctx, "k", []byte("v")), context.Canceled)
}

func TestCloseTwice(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestBacksCompletionCache(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	key := cache.Key{Document: "file:///main.go", Fingerprint: "abc"}
	want := codelet.Result{Text: "return nil", Latency: 80 * time.Millisecond, Tokens: 3, Source: codelet.SourceInference}

	cache.New(cache.WithStore(s)).Set(ctx, key, want)

	fresh := cache.New(cache.WithStore(s))
	got, ok := fresh.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestDeletePrefix(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for _, k := range []string{"a\x001", "a\x002", "ab\x001"} {
		require.NoError(t, s.Set(ctx, k, []byte("v")))
	}

	require.NoError(t, s.DeletePrefix(ctx, "a\x00"))
	_, err = s.Get(ctx, "a\x001")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = s.Get(ctx, "ab\x001")
	assert.NoError(t, err)

	require.NoError(t, s.DeletePrefix(ctx, ""))
	_, err = s.Get(ctx, "ab\x001")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestClearRemovesEntriesFromEarlierProcess(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := cache.Key{Document: "file:///main.go", Fingerprint: "abc"}

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	cache.New(cache.WithStore(s)).Set(ctx, key, codelet.Result{Text: "stale"})
	require.NoError(t, s.Close())

	s, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	c := cache.New(cache.WithStore(s))
	c.Clear(ctx)
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}
