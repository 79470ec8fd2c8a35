package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
	"github.com/velomart/commerce-security-core/internal/domain"
)

type memoryWindow struct {
	count   int
	resetAt time.Time
}

type memoryFailState struct {
	count        int
	firstAt      time.Time
	blockedUntil time.Time
}

// MemorySecurityStore is the in-process fallback behind the failover
// wrapper: a rate limiter and failed-login tracker with the same semantics
// as the Redis adapters, scoped to one instance. A background sweeper
// drops lapsed entries; reads never trust a stale entry, so sweeping is
// memory hygiene only.
type MemorySecurityStore struct {
	clock domain.Clock

	mu      sync.Mutex
	windows map[string]*memoryWindow
	fails   map[string]*memoryFailState

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMemorySecurityStore returns a started store. sweepEvery <= 0 uses
// domain.MemoryStoreSweepInterval. Callers must Close it.
func NewMemorySecurityStore(clock domain.Clock, sweepEvery time.Duration) *MemorySecurityStore {
	if sweepEvery <= 0 {
		sweepEvery = domain.MemoryStoreSweepInterval
	}
	s := &MemorySecurityStore{
		clock:   clock,
		windows: make(map[string]*memoryWindow),
		fails:   make(map[string]*memoryFailState),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
	return s
}

// Close stops the sweeper. Safe to call more than once.
func (s *MemorySecurityStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Allow charges one request against key's fixed window.
func (s *MemorySecurityStore) Allow(_ context.Context, key string, limit int, window time.Duration) (app.Decision, error) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++

	d := app.Decision{
		Allowed:   w.count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-w.count),
		ResetAt:   w.resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = w.resetAt.Sub(now)
	}
	return d, nil
}

// Fail charges one credential failure against key.
func (s *MemorySecurityStore) Fail(_ context.Context, key string) (app.FailedLoginState, error) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.fails[key]
	if st != nil && st.blockedUntil.After(now) {
		return app.FailedLoginState{
			Count:      st.count,
			Blocked:    true,
			RetryAfter: st.blockedUntil.Sub(now),
		}, nil
	}

	if st == nil || now.Sub(st.firstAt) >= domain.FailedLoginWindow {
		st = &memoryFailState{count: 1, firstAt: now}
		s.fails[key] = st
	} else {
		st.count++
	}

	if st.count >= domain.MaxFailedLogins {
		st.blockedUntil = now.Add(domain.LoginBlockDuration)
		return app.FailedLoginState{
			Count:      st.count,
			Blocked:    true,
			RetryAfter: domain.LoginBlockDuration,
		}, nil
	}
	st.blockedUntil = time.Time{}
	return app.FailedLoginState{Count: st.count}, nil
}

// Check reports key's state without charging it.
func (s *MemorySecurityStore) Check(_ context.Context, key string) (app.FailedLoginState, error) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.fails[key]
	if st == nil {
		return app.FailedLoginState{}, nil
	}
	if st.blockedUntil.After(now) {
		return app.FailedLoginState{
			Count:      st.count,
			Blocked:    true,
			RetryAfter: st.blockedUntil.Sub(now),
		}, nil
	}
	if now.Sub(st.firstAt) >= domain.FailedLoginWindow {
		return app.FailedLoginState{}, nil
	}
	return app.FailedLoginState{Count: st.count}, nil
}

// Clear drops key's failure state.
func (s *MemorySecurityStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.fails, key)
	return nil
}

func (s *MemorySecurityStore) sweep() {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
		}
	}
	for key, st := range s.fails {
		if !st.blockedUntil.After(now) && now.Sub(st.firstAt) >= domain.FailedLoginWindow {
			delete(s.fails, key)
		}
	}
}
