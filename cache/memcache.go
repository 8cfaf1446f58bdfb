package cache

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemCacheConfig configures an in-process cache.
type MemCacheConfig struct {
	Logger *slog.Logger
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

type memEntry struct {
	value     string
	list      []string
	set       map[string]struct{}
	expiresAt time.Time
}

// MemCache is a mutex-guarded in-process Cache. Expired keys are evicted
// lazily on access.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	logger  *slog.Logger
	now     func() time.Time
	closed  bool

	brpopWarn sync.Once
}

// NewMemCache creates an empty in-process cache.
func NewMemCache(cfg MemCacheConfig) *MemCache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemCache{
		entries: make(map[string]*memEntry),
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

var errMemCacheClosed = errors.New("cache: memory cache is closed")

// lookup returns a live entry. Caller must hold c.mu.
func (c *MemCache) lookup(key string) *memEntry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return e
}

func (c *MemCache) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errMemCacheClosed
	}
	return nil
}

// Get returns the string value stored at key.
func (c *MemCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := c.begin(ctx); err != nil {
		return "", false, err
	}
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil || e.list != nil || e.set != nil {
		return "", false, nil
	}
	return e.value, true, nil
}

// MGet returns values for the keys that exist.
func (c *MemCache) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	out := make(map[string]string, len(keys))
	for _, key := range keys {
		e := c.lookup(key)
		if e == nil || e.list != nil || e.set != nil {
			continue
		}
		out[key] = e.value
	}
	return out, nil
}

// Set stores a string value; ttl zero keeps it until deleted.
func (c *MemCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.begin(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// SetEX stores a string value with an expiry.
func (c *MemCache) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("cache: setex requires a positive ttl")
	}
	return c.Set(ctx, key, value, ttl)
}

// Expire updates the ttl of an existing key.
func (c *MemCache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := c.begin(ctx); err != nil {
		return false, err
	}
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil {
		return false, nil
	}
	if ttl <= 0 {
		delete(c.entries, key)
		return true, nil
	}
	e.expiresAt = c.now().Add(ttl)
	return true, nil
}

// Del removes keys.
func (c *MemCache) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := c.begin(ctx); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	var removed int64
	for _, key := range keys {
		if c.lookup(key) != nil {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Keys returns live keys matching pattern in sorted order.
func (c *MemCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	var out []string
	for key := range c.entries {
		if c.lookup(key) == nil {
			continue
		}
		if re.MatchString(key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// LPush prepends values in argument order, so the last value ends up first.
func (c *MemCache) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	if err := c.begin(ctx); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil {
		e = &memEntry{list: []string{}}
		c.entries[key] = e
	}
	if e.list == nil {
		return 0, errWrongType
	}
	for _, v := range values {
		e.list = append([]string{v}, e.list...)
	}
	return int64(len(e.list)), nil
}

// LRem removes occurrences of value.
func (c *MemCache) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	if err := c.begin(ctx); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil {
		return 0, nil
	}
	if e.list == nil {
		return 0, errWrongType
	}

	limit := count
	if limit < 0 {
		limit = -limit
	}
	var removed int64
	kept := make([]string, 0, len(e.list))
	if count >= 0 {
		for _, v := range e.list {
			if v == value && (limit == 0 || removed < limit) {
				removed++
				continue
			}
			kept = append(kept, v)
		}
	} else {
		for i := len(e.list) - 1; i >= 0; i-- {
			v := e.list[i]
			if v == value && removed < limit {
				removed++
				continue
			}
			kept = append([]string{v}, kept...)
		}
	}
	if len(kept) == 0 {
		delete(c.entries, key)
	} else {
		e.list = kept
	}
	return removed, nil
}

// LLen returns the list length.
func (c *MemCache) LLen(ctx context.Context, key string) (int64, error) {
	if err := c.begin(ctx); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil {
		return 0, nil
	}
	if e.list == nil {
		return 0, errWrongType
	}
	return int64(len(e.list)), nil
}

// SAdd adds set members.
func (c *MemCache) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if err := c.begin(ctx); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil {
		e = &memEntry{set: make(map[string]struct{})}
		c.entries[key] = e
	}
	if e.set == nil {
		return 0, errWrongType
	}
	var added int64
	for _, m := range members {
		if _, ok := e.set[m]; ok {
			continue
		}
		e.set[m] = struct{}{}
		added++
	}
	return added, nil
}

// SMembers returns set members sorted for deterministic output.
func (c *MemCache) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil {
		return []string{}, nil
	}
	if e.set == nil {
		return nil, errWrongType
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// BRPop never blocks on the embedded backend. It returns immediately with
// false and logs a warning the first time it is called.
func (c *MemCache) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	c.brpopWarn.Do(func() {
		c.logger.Warn("cache: blocking pop is not supported by the memory cache; returning immediately",
			slog.String("key", key),
			slog.Duration("timeout", timeout),
		)
	})
	return "", false, nil
}

// Close marks the cache closed and drops all entries.
func (c *MemCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries = make(map[string]*memEntry)
	return nil
}

var errWrongType = errors.New("cache: operation against a key holding the wrong kind of value")

var _ Cache = (*MemCache)(nil)

// globToRegexp translates a Redis-style glob. Unlike path.Match, '*' also
// matches '/', which tool names contain.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	inClass := false
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch {
		case ch == '\\' && i+1 < len(pattern):
			i++
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		case inClass:
			if ch == ']' {
				inClass = false
			}
			b.WriteByte(ch)
		case ch == '[':
			inClass = true
			b.WriteByte(ch)
			if i+1 < len(pattern) && pattern[i+1] == '^' {
				i++
				b.WriteByte('^')
			}
		case ch == '*':
			b.WriteString(".*")
		case ch == '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
