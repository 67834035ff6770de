package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Expired windows are removed by
// Cleanup, which Start runs periodically.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowState
	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

type windowState struct {
	count int
	start time.Time
	end   time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*windowState),
	}
}

// Increment implements Store
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.windows[key]
	if !exists || !now.Before(state.end) {
		state = &windowState{start: now, end: now.Add(window)}
		s.windows[key] = state
	}
	state.count++
	return state.count, state.end, nil
}

// Peek implements Store
func (s *MemoryStore) Peek(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.windows[key]
	if !exists || !now.Before(state.end) {
		return 0, now.Add(window), nil
	}
	return state.count, state.end, nil
}

// Cleanup removes windows that ended before now
func (s *MemoryStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, state := range s.windows {
		if !now.Before(state.end) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Start runs Cleanup every interval until Stop or ctx cancellation.
func (s *MemoryStore) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				s.Cleanup(now)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the cleanup loop and waits for it to exit
func (s *MemoryStore) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
}
