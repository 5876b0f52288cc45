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
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// TurnTrace is the full audit record of one turn: the classification
// result, every action attempted (including results withheld from the
// caller by the outbound policy check), the verdicts, and timings.
type TurnTrace struct {
	ID              string              `json:"id"`
	SessionID       string              `json:"session_id"`
	TurnID          string              `json:"turn_id"`
	Timestamp       time.Time           `json:"timestamp"`
	Request         string              `json:"request"`
	Reply           string              `json:"reply"`
	Outcome         TurnOutcome         `json:"outcome"`
	ErrorCode       ErrorCode           `json:"error_code,omitempty"`
	Domain          string              `json:"domain,omitempty"`
	InboundVerdict  Verdict             `json:"inbound_verdict"`
	OutboundVerdict Verdict             `json:"outbound_verdict"`
	Intent          *IntentResult       `json:"intent,omitempty"`
	Actions         []*ActionResult     `json:"actions,omitempty"`
	PhaseTimings    map[TurnPhase]int64 `json:"phase_timings_ms,omitempty"`
	DurationMs      int64               `json:"duration_ms"`
}

// AuditSink receives turn traces. Emission is fire-and-forget: a slow or
// unavailable sink must never block or fail a turn.
type AuditSink interface {
	Emit(trace *TurnTrace)
	Close()
}

// NoopAuditSink discards traces. Used when no audit backend is
// configured.
type NoopAuditSink struct{}

func (NoopAuditSink) Emit(trace *TurnTrace) {}
func (NoopAuditSink) Close()                {}

// PostgresAuditSink writes traces to Postgres through a buffered queue
// and a batch writer. A full queue drops the oldest-pending write rather
// than blocking the turn.
type PostgresAuditSink struct {
	db           *sql.DB
	queue        chan *TurnTrace
	batchSize    int
	flushEvery   time.Duration
	onDrop       func()
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	closeOnce    sync.Once
}

// SetDropCallback installs a hook invoked whenever a trace is dropped
// because the queue is saturated.
func (s *PostgresAuditSink) SetDropCallback(fn func()) { s.onDrop = fn }

// NewPostgresAuditSink connects to the audit database and starts the
// background writer. A connection failure degrades to a logging-only
// sink instead of failing startup.
func NewPostgresAuditSink(databaseURL string) *PostgresAuditSink {
	sink := &PostgresAuditSink{
		queue:        make(chan *TurnTrace, 10000),
		batchSize:    100,
		flushEvery:   5 * time.Second,
		shutdownChan: make(chan struct{}),
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Printf("[Audit] Failed to open audit database: %v", err)
	} else if err := createAuditTable(db); err != nil {
		log.Printf("[Audit] Failed to create audit table: %v", err)
		db.Close()
	} else {
		sink.db = db
	}

	sink.wg.Add(1)
	go sink.processQueue()
	return sink
}

func createAuditTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turn_audit (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			outcome TEXT NOT NULL,
			error_code TEXT,
			domain TEXT,
			duration_ms BIGINT,
			trace JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turn_audit_session ON turn_audit (session_id, created_at);
	`)
	return err
}

// Emit queues a trace without blocking. Traces are dropped (with a log
// line) when the queue is saturated.
func (s *PostgresAuditSink) Emit(trace *TurnTrace) {
	if trace.ID == "" {
		trace.ID = uuid.New().String()
	}
	select {
	case s.queue <- trace:
	default:
		log.Printf("[Audit] Queue full, dropping trace for turn %s", trace.TurnID)
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// Close flushes pending traces and stops the writer.
func (s *PostgresAuditSink) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdownChan)
		s.wg.Wait()
		if s.db != nil {
			s.db.Close()
		}
	})
}

func (s *PostgresAuditSink) processQueue() {
	defer s.wg.Done()

	batch := make([]*TurnTrace, 0, s.batchSize)
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case trace := <-s.queue:
			batch = append(batch, trace)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.shutdownChan:
			for {
				select {
				case trace := <-s.queue:
					batch = append(batch, trace)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *PostgresAuditSink) writeBatch(batch []*TurnTrace) {
	if s.db == nil {
		// Degraded mode: keep an operator-readable record in the logs.
		for _, trace := range batch {
			data, _ := json.Marshal(trace)
			log.Printf("[Audit] %s", data)
		}
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("[Audit] Failed to begin batch: %v", err)
		return
	}
	stmt, err := tx.Prepare(`
		INSERT INTO turn_audit (id, session_id, turn_id, created_at, outcome, error_code, domain, duration_ms, trace)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		log.Printf("[Audit] Failed to prepare batch insert: %v", err)
		tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, trace := range batch {
		data, err := json.Marshal(trace)
		if err != nil {
			log.Printf("[Audit] Failed to serialize trace %s: %v", trace.ID, err)
			continue
		}
		if _, err := stmt.Exec(trace.ID, trace.SessionID, trace.TurnID, trace.Timestamp,
			string(trace.Outcome), string(trace.ErrorCode), trace.Domain, trace.DurationMs, data); err != nil {
			log.Printf("[Audit] Failed to insert trace %s: %v", trace.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[Audit] Failed to commit batch of %d: %v", len(batch), err)
		return
	}
}
