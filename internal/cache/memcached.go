package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IliaW/url-watcher/config"
	"github.com/bradfitz/gomemcache/memcache"
)

// CachedClient remembers a change between its notification and the persistence of the new
// snapshot, so a restart inside that window does not notify twice.
type CachedClient interface {
	CheckIfNotified(url, digest string) bool
	MarkNotified(url, digest string) error
	Forget(url, digest string) error
	Close()
}

type memcacheAPI interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Delete(key string) error
	Close() error
}

type MemcachedClient struct {
	client memcacheAPI
	cfg    *config.CacheConfig
	log    *slog.Logger
}

func NewMemcachedClient(cacheConfig *config.CacheConfig, log *slog.Logger) (*MemcachedClient, error) {
	log.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	servers := strings.Split(cacheConfig.Servers, ",")
	if err := ss.SetServers(servers...); err != nil {
		return nil, fmt.Errorf("failed to set memcached servers: %w", err)
	}
	client := memcache.NewFromSelector(ss)
	log.Info("pinging the memcached.")
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("connection to the memcached is failed: %w", err)
	}
	log.Info("connected to memcached!")

	return &MemcachedClient{
		client: client,
		cfg:    cacheConfig,
		log:    log,
	}, nil
}

// CheckIfNotified treats every cache error as "not notified": a duplicate mail is better than a lost one.
func (mc *MemcachedClient) CheckIfNotified(url, digest string) bool {
	key := notifiedKey(url, digest)
	it, err := mc.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			mc.log.Debug("cache not found.", slog.String("key", key))
			return false
		}
		mc.log.Error("failed to check if notified.", slog.String("key", key), slog.String("url", url),
			slog.String("err", err.Error()))
		return false
	}
	if string(it.Value) == "" {
		mc.log.Warn("cache found but the value is empty.", slog.String("key", key))
		return false
	}

	return true
}

func (mc *MemcachedClient) MarkNotified(url, digest string) error {
	key := notifiedKey(url, digest)
	item := &memcache.Item{
		Key:        key,
		Value:      []byte(url),
		Expiration: int32(mc.cfg.NotifiedTtl.Seconds()),
	}
	if err := mc.client.Set(item); err != nil {
		mc.log.Error("failed to mark change as notified.", slog.String("key", key), slog.String("url", url),
			slog.String("err", err.Error()))
		return err
	}
	mc.log.Debug("change marked as notified.", slog.String("key", key), slog.String("url", url))

	return nil
}

// Forget is called once the snapshot holding the change is persisted.
func (mc *MemcachedClient) Forget(url, digest string) error {
	key := notifiedKey(url, digest)
	if err := mc.client.Delete(key); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		mc.log.Error("failed to forget notified change.", slog.String("key", key), slog.String("url", url),
			slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (mc *MemcachedClient) Close() {
	mc.log.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		mc.log.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

// Memcached keys are limited to 250 bytes without spaces, hence the hash.
func notifiedKey(url, digest string) string {
	return fmt.Sprintf("%s-notified", hashURL(url+"\n"+digest))
}

func hashURL(url string) string {
	hash := sha256.New()
	hash.Write([]byte(url))
	return hex.EncodeToString(hash.Sum(nil))
}
