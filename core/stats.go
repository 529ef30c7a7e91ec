package core

import (
	"sort"
	"time"
)

// WorkerStats contains runtime statistics for a worker.
type WorkerStats struct {
	// ID of the worker
	ID uint32

	// Name of the worker
	Name string

	// Current state
	State WorkerState

	// Messages currently in mailbox
	Pending int

	// Mailbox capacity
	Capacity int

	// Live references (handles, in-flight messages, goroutine)
	Refs int32

	// Messages enqueued and dequeued so far
	Sent     uint64
	Received uint64

	// Time when the worker was created
	CreatedAt time.Time
}

// Stats returns statistics for the main context and every worker record,
// ordered by id.
func (rt *Runtime) Stats() []WorkerStats {
	rt.mu.RLock()
	records := make([]*worker, 0, len(rt.workers)+1)
	records = append(records, rt.main.w)
	for _, w := range rt.workers {
		records = append(records, w)
	}
	rt.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].id < records[j].id })

	stats := make([]WorkerStats, len(records))
	for i, w := range records {
		stats[i] = WorkerStats{
			ID:        w.id,
			Name:      w.name,
			State:     w.State(),
			Pending:   w.mailbox.Len(),
			Capacity:  w.mailbox.Capacity(),
			Refs:      w.refs.Load(),
			Sent:      w.mailbox.Pushed(),
			Received:  w.mailbox.Popped(),
			CreatedAt: w.created,
		}
	}
	return stats
}
