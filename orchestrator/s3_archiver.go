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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// s3Putter is the slice of the S3 client the archiver uses.
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3TraceArchiver tees turn traces to an inner sink and periodically
// flushes them to S3 as JSONL objects for long-term retention. Flush
// failures are logged and the traces dropped; archival never blocks a
// turn.
type S3TraceArchiver struct {
	inner      AuditSink
	client     s3Putter
	bucket     string
	prefix     string
	flushEvery time.Duration
	maxBuffer  int

	mu      sync.Mutex
	pending []*TurnTrace

	shutdownChan chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// NewS3TraceArchiver wraps inner with S3 archival to the given bucket.
func NewS3TraceArchiver(inner AuditSink, client *s3.Client, bucket, prefix string) *S3TraceArchiver {
	a := &S3TraceArchiver{
		inner:        inner,
		client:       client,
		bucket:       bucket,
		prefix:       prefix,
		flushEvery:   time.Minute,
		maxBuffer:    1000,
		shutdownChan: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.flushLoop()
	return a
}

// Emit forwards to the inner sink and buffers the trace for archival.
func (a *S3TraceArchiver) Emit(trace *TurnTrace) {
	a.inner.Emit(trace)

	a.mu.Lock()
	if len(a.pending) < a.maxBuffer {
		a.pending = append(a.pending, trace)
	}
	a.mu.Unlock()
}

// Close flushes the buffer and closes the inner sink.
func (a *S3TraceArchiver) Close() {
	a.closeOnce.Do(func() {
		close(a.shutdownChan)
		a.wg.Wait()
		a.inner.Close()
	})
}

func (a *S3TraceArchiver) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.shutdownChan:
			a.flush()
			return
		}
	}
}

func (a *S3TraceArchiver) flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, trace := range batch {
		if err := enc.Encode(trace); err != nil {
			log.Printf("[Archiver] Failed to encode trace %s: %v", trace.ID, err)
		}
	}

	key := fmt.Sprintf("%s%s/traces-%s.jsonl",
		a.prefix, time.Now().UTC().Format("2006/01/02"), uuid.New().String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/jsonl"),
	})
	if err != nil {
		log.Printf("[Archiver] Failed to archive %d traces to s3://%s/%s: %v",
			len(batch), a.bucket, key, err)
		return
	}
	log.Printf("[Archiver] Archived %d traces to s3://%s/%s", len(batch), a.bucket, key)
}
