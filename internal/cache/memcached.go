package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const (
	indexSuffix     = "__index__"
	maxIndexRetries = 10
	// Relative expirations above 30 days are read by memcached as unix timestamps.
	maxRelativeExp = 30 * 24 * 60 * 60
)

var errIndexContention = errors.New("memcached: key index update contention")

// MemcachedBackend implements Backend on memcached. Keys are stored as "<namespace>:<key>".
// Memcached cannot enumerate keys, so the backend keeps a key index item per namespace,
// updated with compare-and-swap.
type MemcachedBackend struct {
	client    *memcache.Client
	namespace string
	retention time.Duration
}

// NewMemcachedBackend creates a MemcachedBackend. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero. retention is the memcached item expiration; zero keeps
// items until evicted, which lets stale snapshots stay readable.
func NewMemcachedBackend(addrs, namespace string, timeout time.Duration, maxIdleConns int, retention time.Duration) (*MemcachedBackend, error) {
	if namespace == "" {
		return nil, errors.New("memcached backend: empty namespace")
	}
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedBackend{client: client, namespace: namespace, retention: retention}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (m *MemcachedBackend) key(k string) string {
	return m.namespace + ":" + k
}

func (m *MemcachedBackend) indexKey() string {
	return m.key(indexSuffix)
}

func (m *MemcachedBackend) expiration() int32 {
	secs := int64(m.retention.Seconds())
	switch {
	case secs <= 0:
		return 0
	case secs > maxRelativeExp:
		return int32(time.Now().Unix() + secs)
	default:
		return int32(secs)
	}
}

// Get returns (nil, false, nil) on a cache miss.
func (m *MemcachedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	item, err := m.client.Get(m.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set stores the value, then records the key in the namespace index.
func (m *MemcachedBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := m.client.Set(&memcache.Item{
		Key:        m.key(key),
		Value:      value,
		Expiration: m.expiration(),
	})
	if err != nil {
		return err
	}
	return m.updateIndex(func(set map[string]struct{}) bool {
		if _, ok := set[key]; ok {
			return false
		}
		set[key] = struct{}{}
		return true
	})
}

func (m *MemcachedBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.client.Delete(m.key(key)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return m.updateIndex(func(set map[string]struct{}) bool {
		if _, ok := set[key]; !ok {
			return false
		}
		delete(set, key)
		return true
	})
}

// Keys returns the indexed keys in lexical order. Keys whose items memcached has evicted
// are still listed until a Delete prunes them.
func (m *MemcachedBackend) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set, _, err := m.readIndex()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear deletes every indexed key and the index itself. Other namespaces on the same
// servers are untouched.
func (m *MemcachedBackend) Clear(ctx context.Context) error {
	keys, err := m.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.client.Delete(m.key(k)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return err
		}
	}
	if err := m.client.Delete(m.indexKey()); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (m *MemcachedBackend) Ping() error {
	return m.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (m *MemcachedBackend) Close() error {
	return m.client.Close()
}

// readIndex returns the index set and its item (nil when the index does not exist yet).
// A corrupt index reads as empty and is rewritten by the next update.
func (m *MemcachedBackend) readIndex() (map[string]struct{}, *memcache.Item, error) {
	item, err := m.client.Get(m.indexKey())
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return map[string]struct{}{}, nil, nil
		}
		return nil, nil, err
	}
	var keys []string
	set := make(map[string]struct{})
	if err := json.Unmarshal(item.Value, &keys); err == nil {
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}
	return set, item, nil
}

// updateIndex applies mutate under compare-and-swap. mutate returns false when nothing changed.
func (m *MemcachedBackend) updateIndex(mutate func(set map[string]struct{}) bool) error {
	for attempt := 0; attempt < maxIndexRetries; attempt++ {
		set, item, err := m.readIndex()
		if err != nil {
			return err
		}
		if !mutate(set) {
			return nil
		}
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		raw, err := json.Marshal(keys)
		if err != nil {
			return err
		}
		if item == nil {
			err = m.client.Add(&memcache.Item{Key: m.indexKey(), Value: raw, Expiration: m.expiration()})
		} else {
			item.Value = raw
			item.Expiration = m.expiration()
			err = m.client.CompareAndSwap(item)
		}
		if errors.Is(err, memcache.ErrNotStored) || errors.Is(err, memcache.ErrCASConflict) {
			continue
		}
		return err
	}
	return errIndexContention
}
