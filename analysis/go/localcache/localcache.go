// Package localcache implements the node-local cache tier: a bbolt file on
// disk fronted by an in-memory LRU. Entries carry their own expiry so the
// file survives restarts without re-validation, and a background sweep keeps
// the file bounded.
package localcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	bolt "go.etcd.io/bbolt"

	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
	"github.com/elonfeng/dinq-analyze-sub001/go/dlog"
	"github.com/elonfeng/dinq-analyze-sub001/go/metrics"
	"github.com/elonfeng/dinq-analyze-sub001/go/now"
)

const (
	// bucketEntries is the bbolt bucket holding cache entries.
	bucketEntries = "entries"

	// formatVersion prefixes every stored value. Entries with an unknown
	// version are treated as misses and rewritten on the next Set.
	formatVersion = byte(1)

	// headerLen is version byte + created + expires, both int64 unix nanos.
	headerLen = 1 + 8 + 8

	// DefaultMemEntries is the default in-memory LRU size.
	DefaultMemEntries = 1024

	// DefaultSweepInterval is how often expired entries are evicted from
	// disk.
	DefaultSweepInterval = 10 * time.Minute
)

type memEntry struct {
	payload map[string]interface{}
	expires time.Time
}

// Cache is the two-tier local cache. Safe for concurrent use.
type Cache struct {
	db  *bolt.DB
	mem *lru.Cache

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New opens (or creates) the cache file at path. memEntries bounds the
// in-memory tier; <= 0 selects DefaultMemEntries.
func New(ctx context.Context, path string, memEntries int) (*Cache, error) {
	if memEntries <= 0 {
		memEntries = DefaultMemEntries
	}
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, derr.Wrapf(err, "opening local cache %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketEntries))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, derr.Wrapf(err, "creating bucket in %s", path)
	}
	mem, err := lru.New(memEntries)
	if err != nil {
		_ = db.Close()
		return nil, derr.Wrap(err)
	}
	c := &Cache{
		db:     db,
		mem:    mem,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go c.sweepLoop(ctx, DefaultSweepInterval)
	return c, nil
}

func encodeEntry(payload map[string]interface{}, created, expires time.Time) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(formatVersion)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(created.UnixNano()))
	buf.Write(ts[:])
	binary.BigEndian.PutUint64(ts[:], uint64(expires.UnixNano()))
	buf.Write(ts[:])
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(payload); err != nil {
		return nil, derr.Wrap(err)
	}
	if err := zw.Close(); err != nil {
		return nil, derr.Wrap(err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (map[string]interface{}, time.Time, error) {
	if len(b) < headerLen || b[0] != formatVersion {
		return nil, time.Time{}, derr.Fmt("unknown local cache entry format")
	}
	expires := time.Unix(0, int64(binary.BigEndian.Uint64(b[9:17])))
	zr, err := gzip.NewReader(bytes.NewReader(b[headerLen:]))
	if err != nil {
		return nil, time.Time{}, derr.Wrap(err)
	}
	defer func() {
		_ = zr.Close()
	}()
	var payload map[string]interface{}
	if err := json.NewDecoder(zr).Decode(&payload); err != nil && err != io.EOF {
		return nil, time.Time{}, derr.Wrap(err)
	}
	return payload, expires, nil
}

// expiresFromEntry returns only the expiry, without decompressing.
func expiresFromEntry(b []byte) (time.Time, bool) {
	if len(b) < headerLen || b[0] != formatVersion {
		return time.Time{}, false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b[9:17]))), true
}

// GetJSON returns the cached payload for key, or nil, nil on miss or expiry.
func (c *Cache) GetJSON(ctx context.Context, key string) (map[string]interface{}, error) {
	ts := now.Now(ctx)
	if v, ok := c.mem.Get(key); ok {
		e := v.(*memEntry)
		if ts.Before(e.expires) {
			metrics.GetCounter("localcache_hit", map[string]string{"tier": "mem"}).Inc()
			return e.payload, nil
		}
		c.mem.Remove(key)
	}
	var payload map[string]interface{}
	var expires time.Time
	if err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketEntries)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var err error
		payload, expires, err = decodeEntry(raw)
		return err
	}); err != nil {
		return nil, derr.Wrapf(err, "reading local cache entry %s", key)
	}
	if payload == nil || !ts.Before(expires) {
		metrics.GetCounter("localcache_miss", nil).Inc()
		return nil, nil
	}
	c.mem.Add(key, &memEntry{payload: payload, expires: expires})
	metrics.GetCounter("localcache_hit", map[string]string{"tier": "disk"}).Inc()
	return payload, nil
}

// SetJSON stores the payload under key with expiry now + ttl.
func (c *Cache) SetJSON(ctx context.Context, key string, payload map[string]interface{}, ttl time.Duration) error {
	ts := now.Now(ctx)
	expires := ts.Add(ttl)
	raw, err := encodeEntry(payload, ts, expires)
	if err != nil {
		return err
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEntries)).Put([]byte(key), raw)
	}); err != nil {
		return derr.Wrapf(err, "writing local cache entry %s", key)
	}
	c.mem.Add(key, &memEntry{payload: payload, expires: expires})
	return nil
}

// Delete removes the entry for key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mem.Remove(key)
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEntries)).Delete([]byte(key))
	})
}

// Sweep removes expired and undecodable entries from disk. Returns the number
// of entries removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	ts := now.Now(ctx)
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEntries))
		cur := b.Cursor()
		var stale [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			expires, ok := expiresFromEntry(v)
			if !ok || !ts.Before(expires) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, derr.Wrapf(err, "sweeping local cache")
	}
	return removed, nil
}

func (c *Cache) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(c.doneCh)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			removed, err := c.Sweep(ctx)
			if err != nil {
				dlog.Errorf("Local cache sweep failed: %s", err)
			} else if removed > 0 {
				dlog.Infof("Local cache sweep evicted %d entries", removed)
			}
		}
	}
}

// Close stops the sweep loop and closes the underlying file.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
	return c.db.Close()
}
