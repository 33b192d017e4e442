package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockNotObtained is returned when another holder owns the lock.
var ErrLockNotObtained = errors.New("lock not obtained")

// TokenCache stores short-lived credentials shared between server instances.
type TokenCache interface {
	GetToken(ctx context.Context, key string) (string, bool, error)
	SetToken(ctx context.Context, key string, token string, ttl time.Duration) error
}

// Locker serializes work across server instances.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type Lock interface {
	Release(ctx context.Context) error
}

// MemoryTokenCache is process-local and is the default when Redis is not configured.
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]memoryToken
}

type memoryToken struct {
	value     string
	expiresAt time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{entries: map[string]memoryToken{}}
}

func (c *MemoryTokenCache) GetToken(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (c *MemoryTokenCache) SetToken(_ context.Context, key string, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryToken{value: token, expiresAt: time.Now().Add(ttl)}
	return nil
}

// LocalLocker serializes callers within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]chan struct{}{}}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, _ time.Duration) (Lock, error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return localLock{ch: ch}, nil
	case <-ctx.Done():
		return nil, ErrLockNotObtained
	}
}

type localLock struct {
	ch chan struct{}
}

func (l localLock) Release(_ context.Context) error {
	<-l.ch
	return nil
}
