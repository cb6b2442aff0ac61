package lockqueue

import (
	"context"
	"path/filepath"
	"sync"
	"time"
)

type memEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// MemoryBackend implements Backend in-process, for single-instance
// deployments and tests. Expiry is checked lazily on access rather than via
// background sweeping, which is sufficient since every caller already reads
// a key before trusting it.
type MemoryBackend struct {
	mu     sync.Mutex
	kv     map[string]memEntry
	lists  map[string][]string // head is index 0, matching LPush/RPop FIFO
}

// NewMemoryBackend constructs an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		kv:    make(map[string]memEntry),
		lists: make(map[string][]string),
	}
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv[key] = b.newEntry(value, ttl)
	return nil
}

func (b *MemoryBackend) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.kv[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	b.kv[key] = b.newEntry(value, ttl)
	return true, nil
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.kv[key]
	if !ok || e.expired(time.Now()) {
		delete(b.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}

func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

func (b *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var out []string
	for k, e := range b.kv {
		if e.expired(now) {
			continue
		}
		if matched, _ := filepath.Match(pattern, k); matched {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *MemoryBackend) LPush(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[key] = append([]string{value}, b.lists[key]...)
	return nil
}

func (b *MemoryBackend) RPop(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	tail := l[len(l)-1]
	b.lists[key] = l[:len(l)-1]
	return tail, true, nil
}

func (b *MemoryBackend) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lists[key]
	n := int64(len(l))
	if n == 0 {
		return []string{}, nil
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (b *MemoryBackend) LLen(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.lists[key])), nil
}

func (b *MemoryBackend) DeleteList(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int64(len(b.lists[key]))
	delete(b.lists, key)
	return n, nil
}

func (b *MemoryBackend) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.kv[key]; ok && !e.expired(time.Now()) {
		return "", false, nil
	}
	token, err := randomToken()
	if err != nil {
		return "", false, err
	}
	b.kv[key] = b.newEntry(token, ttl)
	return token, true, nil
}

func (b *MemoryBackend) ReleaseLock(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.kv[key]
	if !ok || e.expired(time.Now()) || e.value != token {
		return false, nil
	}
	delete(b.kv, key)
	return true, nil
}

func (b *MemoryBackend) newEntry(value string, ttl time.Duration) memEntry {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	return e
}
