// Package memqueue is the in-process Queue adapter: a keyed table with
// lease expiry and delayed-message visibility tracked by timestamp
// comparison, exactly as spec'd for single-process deployments. It is
// the one adapter required to enforce the attempt cap itself (see
// DESIGN.md open-question resolution #3) since it has no separate
// dead-letter-threshold concept of its own to lean on.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/hookrelay/hookrelay/internal/idgen"
	"github.com/hookrelay/hookrelay/internal/queue"
)

type entry struct {
	envelope  queue.Envelope
	receipt   string
	visibleAt time.Time // zero means visible now
	deleted   bool
}

// Queue is a process-local, mutex-guarded job queue. Safe for concurrent use.
type Queue struct {
	mu          sync.Mutex
	entries     map[string]*entry // keyed by envelope id
	maxAttempts int
	connected   bool
}

var _ queue.Queue = (*Queue)(nil)

type Option func(*Queue)

func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		entries:     make(map[string]*entry),
		maxAttempts: 25,
		connected:   true,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Kind() string { return "memory" }

func (q *Queue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

func (q *Queue) Send(ctx context.Context, job queue.FanoutJob, delayUntil *time.Time) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.connected {
		return "", queue.ErrNotConnected
	}

	env := queue.Envelope{
		ID:         idgen.EnvelopeID(),
		Data:       job,
		Timestamp:  time.Now().UTC(),
		Attempts:   0,
		DelayUntil: delayUntil,
	}
	e := &entry{envelope: env}
	if delayUntil != nil {
		e.visibleAt = *delayUntil
	}
	q.entries[env.ID] = e
	return env.ID, nil
}

func (q *Queue) Receive(ctx context.Context, max int, visibilityTimeout time.Duration) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.connected {
		return nil, queue.ErrNotConnected
	}

	now := time.Now().UTC()
	var out []queue.Message
	for _, e := range q.entries {
		if len(out) >= max {
			break
		}
		if e.deleted {
			continue
		}
		if !e.visibleAt.IsZero() && e.visibleAt.After(now) {
			continue
		}
		if e.envelope.Attempts >= q.maxAttempts {
			continue
		}

		e.envelope.Attempts++
		e.receipt = idgen.Receipt()
		e.visibleAt = now.Add(visibilityTimeout)
		out = append(out, queue.Message{Envelope: e.envelope, Receipt: e.receipt})
	}
	return out, nil
}

func (q *Queue) Delete(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.receipt == receipt && !e.deleted {
			e.deleted = true
			return nil
		}
	}
	return queue.ErrMessageNotFound
}

// ChangeVisibility extends (or, with timeout==0, clears) a message's
// invisibility window. If the message has already exhausted
// maxAttempts, a non-zero timeout is rejected with
// ErrAttemptsExceeded: the caller must dead-letter instead of
// redelivering.
func (q *Queue) ChangeVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.receipt != receipt || e.deleted {
			continue
		}
		if timeout == 0 {
			e.visibleAt = time.Time{}
			return nil
		}
		if e.envelope.Attempts >= q.maxAttempts {
			return queue.ErrAttemptsExceeded
		}
		e.visibleAt = time.Now().UTC().Add(timeout)
		return nil
	}
	return queue.ErrMessageNotFound
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	var s queue.Stats
	for _, e := range q.entries {
		if e.deleted {
			continue
		}
		switch {
		case !e.visibleAt.IsZero() && e.visibleAt.After(now) && e.envelope.DelayUntil != nil && e.envelope.DelayUntil.After(now):
			s.Delayed++
		case !e.visibleAt.IsZero() && e.visibleAt.After(now):
			s.InFlight++
		default:
			s.Visible++
		}
	}
	return s, nil
}

func (q *Queue) Purge(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]*entry)
	return nil
}

func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connected = false
	return nil
}
