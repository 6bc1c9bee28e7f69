package queue

import (
	"context"
	"sync"
)

// MemoryDispatcher is the in-process Dispatcher used by tests and by the
// single-node dev profile. It mirrors the Redis semantics: dedup on
// idempotency key, one stored job per distinct key.
type MemoryDispatcher struct {
	mu   sync.Mutex
	seen map[string]bool
	jobs map[string][]Job
}

// Job is a captured dispatch, exposed for test assertions.
type Job struct {
	QueueName      string
	IdempotencyKey string
	Payload        any
}

// NewMemoryDispatcher creates an empty in-memory dispatcher.
func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{
		seen: make(map[string]bool),
		jobs: make(map[string][]Job),
	}
}

// Enqueue implements Dispatcher.
func (d *MemoryDispatcher) Enqueue(_ context.Context, queueName string, payload any, idempotencyKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dedupKey := queueName + ":" + idempotencyKey
	if d.seen[dedupKey] {
		return nil
	}
	d.seen[dedupKey] = true
	d.jobs[queueName] = append(d.jobs[queueName], Job{
		QueueName:      queueName,
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
	})
	return nil
}

// Jobs returns the captured jobs for a queue.
func (d *MemoryDispatcher) Jobs(queueName string) []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Job(nil), d.jobs[queueName]...)
}

// Len returns the total number of distinct jobs across all queues.
func (d *MemoryDispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, js := range d.jobs {
		n += len(js)
	}
	return n
}
