// Package queue defines the at-least-once, ordered-per-partition delivery
// abstraction the Execution Engine consumes, plus an in-memory
// implementation used by tests. The Postgres-backed implementation lives in
// internal/postgres.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/tideworks/conductor/internal/domain"
)

// RunQueueMessage is the wire shape of a queued run (spec §6). Validation is
// exact: any missing or mistyped field makes the message unparseable and the
// caller acks/drops it.
type RunQueueMessage struct {
	RunID       string       `json:"runId"`
	RepoID      string       `json:"repoId"`
	IssueNumber int          `json:"issueNumber"`
	RequestedAt time.Time    `json:"requestedAt"`
	PrMode      domain.PrMode `json:"prMode"`
	Requestor   string       `json:"requestor"`
}

// Delivery is one claimed, not-yet-acked message. DeliveryCount counts this
// as the Nth delivery attempt (starting at 1).
type Delivery struct {
	Message       RunQueueMessage
	DeliveryCount int

	handle any // implementation-specific claim token
}

// Queue is the interface the Execution Engine depends on. Implementations
// provide at-least-once delivery with ordering preserved only within a
// partition (partition key = run id).
type Queue interface {
	// Enqueue publishes msg, partitioned by msg.RunID.
	Enqueue(ctx context.Context, msg RunQueueMessage) error

	// Claim attempts to claim the next visible message. Returns ok=false
	// (no error) when nothing is currently claimable.
	Claim(ctx context.Context) (d *Delivery, ok bool, err error)

	// Ack permanently removes a claimed message.
	Ack(ctx context.Context, d *Delivery) error

	// Retry makes a claimed message visible again after a backoff,
	// incrementing its delivery count.
	Retry(ctx context.Context, d *Delivery, backoff time.Duration) error
}

// Memory is an in-memory Queue for unit tests. It honors the
// same claimed-but-not-acked visibility semantics as the Postgres
// implementation so tests can simulate redelivery.
type Memory struct {
	mu      sync.Mutex
	entries *list.List // of *memEntry, insertion order within a partition is preserved by append-only enqueue
}

type memEntry struct {
	msg           RunQueueMessage
	visibleAt     time.Time
	deliveryCount int
	claimed       bool
}

// NewMemory builds an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{entries: list.New()}
}

// Enqueue appends msg to the tail of the queue.
func (m *Memory) Enqueue(_ context.Context, msg RunQueueMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.PushBack(&memEntry{msg: msg, visibleAt: time.Now()})
	return nil
}

// Claim returns the oldest visible, unclaimed message, marking it claimed.
func (m *Memory) Claim(ctx context.Context) (*Delivery, bool, error) {
	return m.claimAt(time.Now())
}

// claimAt is Claim with an injectable clock, so visibility-timeout expiry
// can be evaluated at any instant without sleeping.
func (m *Memory) claimAt(t time.Time) (*Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for e := m.entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*memEntry)
		if entry.visibleAt.After(t) {
			continue
		}
		entry.claimed = true
		// Same 60s in-flight window as the Postgres queue: an unacked claim
		// becomes claimable again once it passes.
		entry.visibleAt = t.Add(60 * time.Second)
		entry.deliveryCount++
		return &Delivery{Message: entry.msg, DeliveryCount: entry.deliveryCount, handle: e}, true, nil
	}
	return nil, false, nil
}

// Ack removes a claimed element from the queue.
func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := d.handle.(*list.Element); ok {
		m.entries.Remove(el)
	}
	return nil
}

// Retry makes a claimed element visible again after backoff.
func (m *Memory) Retry(_ context.Context, d *Delivery, backoff time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := d.handle.(*list.Element); ok {
		entry := el.Value.(*memEntry)
		entry.claimed = false
		entry.visibleAt = time.Now().Add(backoff)
	}
	return nil
}

// Len reports the number of messages still in the queue (claimed or not),
// for tests.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}
