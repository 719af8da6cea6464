package cache

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IliaW/url-watcher/config"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemcache struct {
	items  map[string]*memcache.Item
	getErr error
	setErr error
	closed bool
}

func newFakeMemcache() *fakeMemcache {
	return &fakeMemcache{items: make(map[string]*memcache.Item)}
}

func (f *fakeMemcache) Get(key string) (*memcache.Item, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	it, ok := f.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return it, nil
}

func (f *fakeMemcache) Set(item *memcache.Item) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.items[item.Key] = item
	return nil
}

func (f *fakeMemcache) Delete(key string) error {
	if _, ok := f.items[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.items, key)
	return nil
}

func (f *fakeMemcache) Close() error {
	f.closed = true
	return nil
}

func newTestClient(fake *fakeMemcache) *MemcachedClient {
	return &MemcachedClient{
		client: fake,
		cfg:    &config.CacheConfig{NotifiedTtl: time.Hour},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestMarkAndCheckNotified(t *testing.T) {
	fake := newFakeMemcache()
	mc := newTestClient(fake)

	assert.False(t, mc.CheckIfNotified("https://example.test/page", "d1"))
	require.NoError(t, mc.MarkNotified("https://example.test/page", "d1"))
	assert.True(t, mc.CheckIfNotified("https://example.test/page", "d1"))
	assert.False(t, mc.CheckIfNotified("https://example.test/page", "d2"))
	assert.False(t, mc.CheckIfNotified("https://example.test/other", "d1"))

	item := fake.items[notifiedKey("https://example.test/page", "d1")]
	require.NotNil(t, item)
	assert.Equal(t, int32(3600), item.Expiration)
}

func TestForget(t *testing.T) {
	fake := newFakeMemcache()
	mc := newTestClient(fake)

	require.NoError(t, mc.MarkNotified("https://example.test/page", "d1"))
	require.NoError(t, mc.Forget("https://example.test/page", "d1"))
	assert.False(t, mc.CheckIfNotified("https://example.test/page", "d1"))
	assert.NoError(t, mc.Forget("https://example.test/page", "d1"), "missing key is not an error")
}

func TestCheckIfNotified_ErrorMeansNotNotified(t *testing.T) {
	fake := newFakeMemcache()
	fake.getErr = errors.New("server down")

	assert.False(t, newTestClient(fake).CheckIfNotified("https://example.test/page", "d1"))
}

func TestMarkNotified_Error(t *testing.T) {
	fake := newFakeMemcache()
	fake.setErr = errors.New("server down")

	assert.Error(t, newTestClient(fake).MarkNotified("https://example.test/page", "d1"))
}

func TestNotifiedKey(t *testing.T) {
	long := "https://example.test/" + string(make([]byte, 1000))
	key := notifiedKey(long, "digest")

	assert.LessOrEqual(t, len(key), 250)
	assert.NotContains(t, key, " ")
	assert.Equal(t, key, notifiedKey(long, "digest"))
}

func TestClose(t *testing.T) {
	fake := newFakeMemcache()
	newTestClient(fake).Close()

	assert.True(t, fake.closed)
}
