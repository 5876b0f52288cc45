// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"
)

// SessionStore owns all conversation state. Sessions are created on first
// access, mutated only through Append/SetSlots, and evicted after the
// idle TTL. A session is a single-writer resource: Acquire serializes
// concurrent turns for the same id.
type SessionStore interface {
	// Get returns a copy of the session, creating it if absent.
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Append records a completed turn and the domain hint. The turn
	// sequence is append-only.
	Append(ctx context.Context, sessionID string, turn Turn, domainHint string) error
	// SetSlots merges slot values into the session.
	SetSlots(ctx context.Context, sessionID string, slots map[string]string) error
	// Acquire takes the session's writer lock. It returns a release
	// function, or a SessionBusy TurnError when the session is mid-turn
	// and the store is configured to reject rather than queue.
	Acquire(ctx context.Context, sessionID string) (func(), error)
	// EvictExpired removes sessions idle past the TTL and reports how
	// many were dropped.
	EvictExpired(ctx context.Context) int
}

// DefaultSessionTTL is the idle timeout after which a session's state is
// dropped. Losing a session is recoverable: the next request starts a
// fresh conversation.
const DefaultSessionTTL = 30 * time.Minute

// InMemorySessionStore keeps sessions in a mutex-guarded map with lazy
// TTL eviction on access plus an optional periodic sweep.
type InMemorySessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	locks       map[string]*sync.Mutex
	ttl         time.Duration
	queueOnBusy bool
	now         func() time.Time
}

// NewInMemorySessionStore creates a store with the given idle TTL
// (zero selects the default). queueOnBusy chooses the single-writer
// policy: queue a second turn behind the first (voice/chat continuity)
// or reject it with SessionBusy (console/API).
func NewInMemorySessionStore(ttl time.Duration, queueOnBusy bool) *InMemorySessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &InMemorySessionStore{
		sessions:    make(map[string]*Session),
		locks:       make(map[string]*sync.Mutex),
		ttl:         ttl,
		queueOnBusy: queueOnBusy,
		now:         time.Now,
	}
}

// StartSweeper runs a periodic eviction sweep until ctx is cancelled.
func (s *InMemorySessionStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.EvictExpired(ctx); n > 0 {
					log.Printf("[SessionStore] Swept %d expired sessions", n)
				}
			}
		}
	}()
}

func (s *InMemorySessionStore) expired(sess *Session) bool {
	return s.now().Sub(sess.LastActivity) > s.ttl
}

// Get returns a copy of the session, creating a fresh one if the id is
// unknown or the stored session has expired (lazy eviction).
func (s *InMemorySessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if ok && s.expired(sess) {
		delete(s.sessions, sessionID)
		ok = false
	}
	if !ok {
		now := s.now()
		sess = &Session{
			ID:           sessionID,
			Slots:        make(map[string]string),
			CreatedAt:    now,
			LastActivity: now,
		}
		s.sessions[sessionID] = sess
	}
	return sess.Clone(), nil
}

// Append records a completed turn. Every turn is appended exactly once,
// whatever its outcome.
func (s *InMemorySessionStore) Append(ctx context.Context, sessionID string, turn Turn, domainHint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		now := s.now()
		sess = &Session{
			ID:        sessionID,
			Slots:     make(map[string]string),
			CreatedAt: now,
		}
		s.sessions[sessionID] = sess
	}
	sess.Turns = append(sess.Turns, turn)
	if domainHint != "" {
		sess.DomainHint = domainHint
	}
	sess.LastActivity = s.now()
	return nil
}

// SetSlots merges slot values into the session.
func (s *InMemorySessionStore) SetSlots(ctx context.Context, sessionID string, slots map[string]string) error {
	if len(slots) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	for k, v := range slots {
		sess.Slots[k] = v
	}
	return nil
}

// Acquire takes the per-session writer lock. Turns for different
// sessions proceed independently; a second turn for the same session
// queues or is rejected with SessionBusy depending on configuration.
func (s *InMemorySessionStore) Acquire(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	s.mu.Unlock()

	if !s.queueOnBusy {
		if !lock.TryLock() {
			return nil, NewTurnError(ErrCodeSessionBusy, "session %s is already processing a turn", sessionID)
		}
		return lock.Unlock, nil
	}

	acquired := make(chan struct{})
	go func() {
		lock.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return lock.Unlock, nil
	case <-ctx.Done():
		// The waiter goroutine will still take the lock eventually;
		// hand it straight back so the session does not stay locked.
		go func() {
			<-acquired
			lock.Unlock()
		}()
		return nil, NewTurnError(ErrCodeSessionBusy, "session %s stayed busy: %v", sessionID, ctx.Err())
	}
}

// EvictExpired drops sessions idle past the TTL. Sessions whose writer
// lock is held are skipped: a turn is still in flight, and dropping the
// lock entry would let a second writer in through a fresh mutex.
func (s *InMemorySessionStore) EvictExpired(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if !s.expired(sess) {
			continue
		}
		if lock, ok := s.locks[id]; ok {
			if !lock.TryLock() {
				continue
			}
			lock.Unlock()
		}
		delete(s.sessions, id)
		delete(s.locks, id)
		evicted++
	}
	return evicted
}
