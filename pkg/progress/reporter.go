// Package progress renders run progress from worker completion events.
// Workers publish into a bounded channel and never touch the display:
// a single consumer goroutine owns all output state.
package progress

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// Event is one worker completion: entry id, bytes transferred and the
// outcome it reached.
type Event struct {
	ID      string
	Outcome string
	Bytes   int64
}

type Reporter struct {
	log    log.Logger
	total  int
	events chan Event
	done   chan struct{}

	processed *atomic.Int64
	bytes     *atomic.Int64
	dropped   *atomic.Int64
}

// NewReporter creates a reporter for a run of total entries. The
// buffer bounds the publish queue; events beyond it are dropped rather
// than blocking a worker.
func NewReporter(total int, buffer int, logger log.Logger) *Reporter {
	if buffer <= 0 {
		buffer = total + 1
	}

	return &Reporter{
		log:       logger,
		total:     total,
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
		processed: atomic.NewInt64(0),
		bytes:     atomic.NewInt64(0),
		dropped:   atomic.NewInt64(0),
	}
}

// Start launches the consumer goroutine.
func (r *Reporter) Start() {
	go r.consume()
}

// Publish enqueues an event without ever blocking the caller.
func (r *Reporter) Publish(e Event) {
	select {
	case r.events <- e:
	default:
		r.dropped.Inc()
	}
}

func (r *Reporter) consume() {
	defer close(r.done)

	for e := range r.events {
		processed := r.processed.Inc()
		transferred := r.bytes.Add(e.Bytes)

		level.Info(r.log).Log(
			"msg", fmt.Sprintf("processed %d / %d", processed, r.total),
			"id", e.ID,
			"outcome", e.Outcome,
			"bytes_total", transferred,
		)
	}
}

// Stop drains remaining events and waits for the consumer to finish.
func (r *Reporter) Stop() {
	close(r.events)
	<-r.done

	if dropped := r.dropped.Load(); dropped > 0 {
		level.Debug(r.log).Log("msg", "progress events dropped", "count", dropped)
	}
}

// Processed returns how many completion events were consumed.
func (r *Reporter) Processed() int64 {
	return r.processed.Load()
}

// Bytes returns the total bytes reported so far.
func (r *Reporter) Bytes() int64 {
	return r.bytes.Load()
}
