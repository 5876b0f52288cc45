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
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSessionStore keeps sessions in Redis so multiple orchestrator
// instances share conversation state. The idle TTL is enforced by key
// expiry; the single-writer discipline is a SET NX lease per session.
type RedisSessionStore struct {
	client      *redis.Client
	ttl         time.Duration
	queueOnBusy bool
	leaseTTL    time.Duration
}

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(redisURL string, ttl time.Duration, queueOnBusy bool) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	// The lease must outlive the worst case turn: the turn deadline
	// plus the detached persistence window, with headroom. A lease
	// that expires mid-turn lets a second writer into the session.
	return &RedisSessionStore{
		client:      client,
		ttl:         ttl,
		queueOnBusy: queueOnBusy,
		leaseTTL:    5 * time.Minute,
	}, nil
}

func (s *RedisSessionStore) sessionKey(sessionID string) string {
	return "opscenter:session:" + sessionID
}

func (s *RedisSessionStore) leaseKey(sessionID string) string {
	return "opscenter:session-lease:" + sessionID
}

// Get loads the session, creating a fresh one when the key is missing or
// expired. A lost session is not an error.
func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Result()
	if err == redis.Nil {
		now := time.Now().UTC()
		return &Session{
			ID:           sessionID,
			Slots:        make(map[string]string),
			CreatedAt:    now,
			LastActivity: now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session data: %w", err)
	}
	if sess.Slots == nil {
		sess.Slots = make(map[string]string)
	}
	return &sess, nil
}

// Append loads, mutates, and rewrites the session under the caller-held
// lease, refreshing the idle TTL.
func (s *RedisSessionStore) Append(ctx context.Context, sessionID string, turn Turn, domainHint string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	sess.Turns = append(sess.Turns, turn)
	if domainHint != "" {
		sess.DomainHint = domainHint
	}
	sess.LastActivity = time.Now().UTC()

	return s.save(ctx, sess)
}

// SetSlots merges slot values into the session.
func (s *RedisSessionStore) SetSlots(ctx context.Context, sessionID string, slots map[string]string) error {
	if len(slots) == 0 {
		return nil
	}
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	for k, v := range slots {
		sess.Slots[k] = v
	}
	return s.save(ctx, sess)
}

func (s *RedisSessionStore) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Acquire takes a SET NX lease on the session. The lease TTL guards
// against a crashed instance holding a session hostage. In queue mode
// acquisition polls until the lease frees or ctx expires.
func (s *RedisSessionStore) Acquire(ctx context.Context, sessionID string) (func(), error) {
	key := s.leaseKey(sessionID)
	for {
		ok, err := s.client.SetNX(ctx, key, "1", s.leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire session lease: %w", err)
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				s.client.Del(releaseCtx, key)
			}
			return release, nil
		}
		if !s.queueOnBusy {
			return nil, NewTurnError(ErrCodeSessionBusy, "session %s is already processing a turn", sessionID)
		}
		select {
		case <-ctx.Done():
			return nil, NewTurnError(ErrCodeSessionBusy, "session %s stayed busy: %v", sessionID, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// EvictExpired is a no-op: Redis key expiry enforces the idle TTL.
func (s *RedisSessionStore) EvictExpired(ctx context.Context) int {
	return 0
}
