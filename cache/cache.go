// Package cache remembers the outputs of successful tasks so that a repeat of
// the same work on an unchanged input can be skipped.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry describes a prior successful output.
type Entry struct {
	OutputPath string    `json:"outputPath"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"modTime"`
	TaskID     string    `json:"taskId"`
	StoredAt   time.Time `json:"storedAt"`
}

// Key hashes the input path, its modification time and the normalized params.
// Params are sorted by key, so map order does not matter, and every field is
// length-prefixed.
func Key(inputPath string, mtime time.Time, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	field := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	field(inputPath)
	field(strconv.FormatInt(mtime.UnixNano(), 10))
	for _, k := range keys {
		field(k)
		field(params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Matches reports whether an output file with the given size and
// modification time is still the one this entry recorded.
func (e Entry) Matches(size int64, mtime time.Time) bool {
	return e.Size == size && e.ModTime.Equal(mtime)
}

// ResultCache is bounded to a fixed number of entries and evicts the least
// recently used entry when full. At most one entry points at a given output
// path.
type ResultCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, Entry]
}

func New(maxEntries int) (*ResultCache, error) {
	c, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &ResultCache{entries: c}, nil
}

func (c *ResultCache) Get(key string) (Entry, bool) {
	return c.entries.Get(key)
}

// Put stores e under key and drops any other entry for the same output
// path, since that file now holds e's result.
func (c *ResultCache) Put(key string, e Entry) {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.OutputPath != "" {
		for _, k := range c.entries.Keys() {
			if old, ok := c.entries.Peek(k); ok && k != key && old.OutputPath == e.OutputPath {
				c.entries.Remove(k)
			}
		}
	}
	c.entries.Add(key, e)
}

// Remove drops an entry whose output no longer exists.
func (c *ResultCache) Remove(key string) {
	c.entries.Remove(key)
}

func (c *ResultCache) Len() int {
	return c.entries.Len()
}
