package ephemeral

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// timedEntry is a value with its expiry instant.
type timedEntry struct {
	value     string
	expiresAt time.Time
}

func (e timedEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryStore is the in-process backend. All operations take a single mutex,
// which is what makes ConsumeIfEqual and IncrWithTTL atomic. A janitor
// goroutine sweeps expired entries so the map does not grow without bound.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]timedEntry

	stop chan struct{}
	done chan struct{}
}

// NewMemoryStore creates a store and starts its cleanup goroutine.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]timedEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.cleanupLoop(time.Minute)
	return s
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ephemeral: ttl must be positive, got %v", ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = timedEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(s.entries, key)
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) ConsumeIfEqual(ctx context.Context, key, expect string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(s.entries, key)
		return false, nil
	}
	if entry.value != expect {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("ephemeral: ttl must be positive, got %v", ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var count int64
	if entry, ok := s.entries[key]; ok && !entry.expired(now) {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("ephemeral: key %q holds a non-integer value", key)
		}
		count = parsed
	}
	count++
	s.entries[key] = timedEntry{value: strconv.FormatInt(count, 10), expiresAt: now.Add(ttl)}
	return count, nil
}

func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the cleanup goroutine and waits for it to exit.
func (s *MemoryStore) Close() error {
	close(s.stop)
	<-s.done
	return nil
}
