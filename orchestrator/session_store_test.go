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
	"testing"
	"time"
)

func TestSessionStore_GetCreatesOnFirstAccess(t *testing.T) {
	store := NewInMemorySessionStore(time.Hour, false)

	sess, err := store.Get(context.Background(), "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != "s-1" || len(sess.Turns) != 0 {
		t.Fatalf("Expected fresh session, got %+v", sess)
	}
	if sess.CreatedAt.IsZero() || sess.LastActivity.IsZero() {
		t.Error("Timestamps must be set on creation")
	}
}

func TestSessionStore_AppendIsAppendOnly(t *testing.T) {
	store := NewInMemorySessionStore(time.Hour, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		turn := Turn{Request: "req", Reply: "rep", Outcome: OutcomeDone}
		if err := store.Append(ctx, "s-1", turn, "backup"); err != nil {
			t.Fatal(err)
		}
		sess, _ := store.Get(ctx, "s-1")
		if len(sess.Turns) != i+1 {
			t.Fatalf("Expected %d turns after append %d, got %d", i+1, i+1, len(sess.Turns))
		}
	}

	sess, _ := store.Get(ctx, "s-1")
	if sess.DomainHint != "backup" {
		t.Errorf("Expected domain hint recorded, got %q", sess.DomainHint)
	}
}

func TestSessionStore_EmptyHintDoesNotClearPrevious(t *testing.T) {
	store := NewInMemorySessionStore(time.Hour, false)
	ctx := context.Background()

	store.Append(ctx, "s-1", Turn{Outcome: OutcomeDone}, "patch-management")
	store.Append(ctx, "s-1", Turn{Outcome: OutcomeFailed}, "")

	sess, _ := store.Get(ctx, "s-1")
	if sess.DomainHint != "patch-management" {
		t.Errorf("A turn without routing must keep the old hint, got %q", sess.DomainHint)
	}
}

func TestSessionStore_GetReturnsCopy(t *testing.T) {
	store := NewInMemorySessionStore(time.Hour, false)
	ctx := context.Background()
	store.Append(ctx, "s-1", Turn{Outcome: OutcomeDone}, "")

	sess, _ := store.Get(ctx, "s-1")
	sess.Slots["injected"] = "value"
	sess.Turns[0].Outcome = OutcomeFailed

	again, _ := store.Get(ctx, "s-1")
	if _, ok := again.Slots["injected"]; ok {
		t.Error("Mutating a returned session must not affect the store")
	}
	if again.Turns[0].Outcome != OutcomeDone {
		t.Error("Stored turns must be isolated from caller mutation")
	}
}

func TestSessionStore_SetSlotsMerges(t *testing.T) {
	store := NewInMemorySessionStore(time.Hour, false)
	ctx := context.Background()
	store.Get(ctx, "s-1")

	store.SetSlots(ctx, "s-1", map[string]string{"instance_id": "i-111", "state": "running"})
	store.SetSlots(ctx, "s-1", map[string]string{"instance_id": "i-222"})

	sess, _ := store.Get(ctx, "s-1")
	if sess.Slots["instance_id"] != "i-222" || sess.Slots["state"] != "running" {
		t.Errorf("Expected merged slots, got %+v", sess.Slots)
	}
}

func TestSessionStore_LazyTTLEviction(t *testing.T) {
	store := NewInMemorySessionStore(30*time.Minute, false)
	ctx := context.Background()

	current := time.Now()
	store.now = func() time.Time { return current }

	store.Append(ctx, "s-1", Turn{Outcome: OutcomeDone}, "backup")

	// Just under the TTL: state survives.
	current = current.Add(29 * time.Minute)
	sess, _ := store.Get(ctx, "s-1")
	if len(sess.Turns) != 1 {
		t.Fatal("Session should survive below the TTL")
	}

	// Get refreshed nothing; expire past the TTL from last activity.
	current = current.Add(2 * time.Minute)
	sess, _ = store.Get(ctx, "s-1")
	if len(sess.Turns) != 0 {
		t.Error("Expected a fresh session after idle expiry")
	}
}

func TestSessionStore_EvictExpiredSweep(t *testing.T) {
	store := NewInMemorySessionStore(10*time.Minute, false)
	ctx := context.Background()

	current := time.Now()
	store.now = func() time.Time { return current }

	store.Get(ctx, "old")
	current = current.Add(15 * time.Minute)
	store.Get(ctx, "fresh")

	if n := store.EvictExpired(ctx); n != 1 {
		t.Fatalf("Expected 1 eviction, got %d", n)
	}
	sess, _ := store.Get(ctx, "fresh")
	if sess.LastActivity.IsZero() {
		t.Error("Fresh session must survive the sweep")
	}
}

func TestSessionStore_SweepSkipsSessionsMidTurn(t *testing.T) {
	store := NewInMemorySessionStore(10*time.Minute, false)
	ctx := context.Background()

	current := time.Now()
	store.now = func() time.Time { return current }

	store.Get(ctx, "s-1")
	release, err := store.Acquire(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}

	// The session idles past the TTL while its turn is still running.
	current = current.Add(15 * time.Minute)
	if n := store.EvictExpired(ctx); n != 0 {
		t.Fatalf("Expected the in-flight session spared, evicted %d", n)
	}

	// The writer lock must survive the sweep: a second turn for the
	// same session is still rejected.
	_, err = store.Acquire(ctx, "s-1")
	if terr := AsTurnError(err); err == nil || terr.Code != ErrCodeSessionBusy {
		t.Fatalf("Expected SessionBusy while the first turn holds the lock, got %v", err)
	}

	release()
	if n := store.EvictExpired(ctx); n != 1 {
		t.Fatalf("Expected eviction once the turn released, got %d", n)
	}
}

func TestSessionStore_QueueModeGivesUpOnContext(t *testing.T) {
	store := NewInMemorySessionStore(time.Hour, true)

	release, err := store.Acquire(context.Background(), "s-1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = store.Acquire(ctx, "s-1")
	if terr := AsTurnError(err); err == nil || terr.Code != ErrCodeSessionBusy {
		t.Fatalf("Expected SessionBusy after context expiry, got %v", err)
	}

	// The abandoned waiter must not leave the session locked.
	release()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	release2, err := store.Acquire(ctx2, "s-1")
	if err != nil {
		t.Fatalf("Expected acquire after release, got %v", err)
	}
	release2()
}

func TestSessionStore_RejectModeReturnsSessionBusy(t *testing.T) {
	store := NewInMemorySessionStore(time.Hour, false)
	ctx := context.Background()

	release, err := store.Acquire(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Acquire(ctx, "s-1")
	terr := AsTurnError(err)
	if err == nil || terr.Code != ErrCodeSessionBusy {
		t.Fatalf("Expected SessionBusy, got %v", err)
	}

	// A different session is unaffected.
	release2, err := store.Acquire(ctx, "s-2")
	if err != nil {
		t.Fatal(err)
	}
	release2()

	release()
	if _, err := store.Acquire(ctx, "s-1"); err != nil {
		t.Fatalf("Expected acquire to succeed after release, got %v", err)
	}
}

func TestSessionStore_QueueModeSerializes(t *testing.T) {
	store := NewInMemorySessionStore(time.Hour, true)
	ctx := context.Background()

	release, err := store.Acquire(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		r2, err := store.Acquire(ctx, "s-1")
		if err != nil {
			t.Error(err)
		} else {
			r2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Second acquire must block while the first holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Second acquire should proceed after release")
	}
}
