// Package dispatch hands completed request streams to a worker pool with
// an optional concurrency cap and FIFO overflow queue (spec §4.6). The
// teacher (celeris) dispatches every completed stream with a bare
// `go func() { ... }()` — see internal/stream/stream.go's handleHeaders/
// handleData/handleContinuation — with no cap and no queue at all. This
// package replaces that with github.com/panjf2000/ants/v2, a dependency
// already present indirectly in the teacher's own dependency graph (via
// gnet) but never exercised by any celeris source file.
package dispatch

import (
	"log"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/duplexhttp/h2conn/metrics"
)

// Task is one unit of dispatched work: a completed stream ready for
// application-layer processing.
type Task func()

// Dispatcher implements spec §4.6: if maxConcurrentStreamExecution >=
// MAX_CONCURRENT_STREAMS, every task is submitted directly (no cap); else a
// streamConcurrency counter and FIFO overflow queue gate admission into the
// pool.
type Dispatcher struct {
	mu sync.Mutex

	pool *ants.Pool

	capLimit    int
	uncapped    bool
	concurrency int
	overflow    []Task
	logger      *log.Logger
}

// New creates a Dispatcher. poolSize bounds the underlying goroutine pool;
// cap is maxConcurrentStreamExecution from spec §6's config table. If
// cap <= 0 or cap >= maxConcurrentStreams, admission is uncapped (spec
// §4.6's "dispatch every stream processor directly, no cap").
func New(poolSize int, maxConcurrentStreamExecution int, maxConcurrentStreams int, logger *log.Logger) (*Dispatcher, error) {
	pool, err := ants.NewPool(poolSize, ants.WithPanicHandler(func(recovered interface{}) {
		if logger != nil {
			logger.Printf("dispatch: recovered panic in worker: %v", recovered)
		}
	}))
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		pool:     pool,
		capLimit: maxConcurrentStreamExecution,
		uncapped: maxConcurrentStreamExecution <= 0 || maxConcurrentStreamExecution >= maxConcurrentStreams,
		logger:   logger,
	}, nil
}

// Release tears down the underlying pool. Call when the connection closes.
func (d *Dispatcher) Release() {
	d.pool.Release()
}

// Submit implements headersEnd's dispatch step from spec §4.6. recovery
// from a panicking task converts it into a caller-visible error via
// onPanic, matching celeris's sendRSTStreamAndMarkClosed pattern for
// application failures (see SPEC_FULL.md §12).
func (d *Dispatcher) Submit(task Task, onPanic func(recovered interface{})) {
	if d.uncapped {
		d.submitToPool(task, onPanic)
		return
	}

	d.mu.Lock()
	if d.concurrency < d.capLimit {
		d.concurrency++
		d.mu.Unlock()
		d.submitToPool(d.wrapCompletion(task, onPanic), onPanic)
		return
	}
	d.overflow = append(d.overflow, task)
	depth := len(d.overflow)
	d.mu.Unlock()
	metrics.DispatchQueueDepth.Set(float64(depth))
}

// wrapCompletion wires executeQueuedStream's decrement-and-resubmit logic
// (spec §4.6) around task.
func (d *Dispatcher) wrapCompletion(task Task, onPanic func(recovered interface{})) Task {
	return func() {
		defer d.completeAndResubmit(onPanic)
		task()
	}
}

func (d *Dispatcher) completeAndResubmit(onPanic func(recovered interface{})) {
	d.mu.Lock()
	d.concurrency--
	var next Task
	if d.concurrency < d.capLimit && len(d.overflow) > 0 {
		next = d.overflow[0]
		d.overflow = d.overflow[1:]
		d.concurrency++
	}
	depth := len(d.overflow)
	d.mu.Unlock()
	metrics.DispatchQueueDepth.Set(float64(depth))

	if next != nil {
		d.submitToPool(d.wrapCompletion(next, onPanic), onPanic)
	}
}

func (d *Dispatcher) submitToPool(task Task, onPanic func(recovered interface{})) {
	err := d.pool.Submit(func() {
		if onPanic != nil {
			defer func() {
				if r := recover(); r != nil {
					onPanic(r)
				}
			}()
		}
		task()
	})
	if err != nil {
		if d.logger != nil {
			d.logger.Printf("dispatch: pool submit failed, running inline: %v", err)
		}
		task()
	}
}

// QueueDepth reports the current FIFO overflow queue length (ambient
// metrics use this for a gauge).
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.overflow)
}

// Concurrency reports the current number of in-flight capped tasks.
func (d *Dispatcher) Concurrency() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.concurrency
}
