// Package executor implements the work executor: a bounded concurrency
// dispatcher that runs coordinator handlers with per-operation retry
// policies, guaranteeing at most one in-flight job per message_id key and
// coalescing later submissions for an already in-flight key.
package executor

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	"golang.org/x/sync/semaphore"

	"github.com/atomicbridge/htlc-relayer/internal/retry"
)

var log = logging.Logger("executor")

// Job is a unit of work keyed by message_id, tagged with the named
// operation whose retry policy governs it.
type Job struct {
	Key       string
	Operation string
	Fn        func(ctx context.Context) error

	// OnFailure, if set, is invoked once the retry policy for Operation is
	// exhausted (or should_retry refuses a further attempt). This is how
	// the Executor "demotes the swap to failed"
	// propagation policy, without the Executor itself knowing anything
	// about swaps or the Status Store.
	OnFailure func(err error)
}

// Executor is the bounded-concurrency, per-key-serializing dispatcher.
type Executor struct {
	sem   *semaphore.Weighted
	table retry.Table

	mu       sync.Mutex
	inflight map[string]bool
	queued   map[string]Job
	wg       sync.WaitGroup

	rootCtx context.Context
	cancel  context.CancelFunc
}

// New constructs an Executor with the given concurrency limit and retry
// policy table.
func New(concurrencyLimit int, table retry.Table) *Executor {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 4 // default concurrency limit
	}
	if table == nil {
		table = retry.DefaultTable()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		sem:      semaphore.NewWeighted(int64(concurrencyLimit)),
		table:    table,
		inflight: make(map[string]bool),
		queued:   make(map[string]Job),
		rootCtx:  ctx,
		cancel:   cancel,
	}
}

// Submit enqueues a job. If a job with the same Key is already running, the
// new job is coalesced: it replaces any previously-queued job for that key
// and runs once the in-flight job finishes.
func (e *Executor) Submit(job Job) {
	e.mu.Lock()
	if e.inflight[job.Key] {
		e.queued[job.Key] = job
		e.mu.Unlock()
		return
	}
	e.inflight[job.Key] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(job)
}

// InFlightCount returns the number of keys with a currently running job —
// used by tests asserting the single-in-flight-job-per-key invariant.
func (e *Executor) InFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Executor) run(job Job) {
	defer e.wg.Done()

	for {
		if err := e.sem.Acquire(e.rootCtx, 1); err != nil {
			log.Warnf("executor shutting down, dropping job for key=%s: %s", job.Key, err)
			e.mu.Lock()
			delete(e.inflight, job.Key)
			delete(e.queued, job.Key)
			e.mu.Unlock()
			return
		}

		policy := e.table.Policy(job.Operation)
		err := retry.Do(e.rootCtx, policy, job.Fn)
		e.sem.Release(1)

		if err != nil {
			log.Errorf("job failed for key=%s op=%s: %s", job.Key, job.Operation, err)
			if job.OnFailure != nil {
				job.OnFailure(err)
			}
		}

		e.mu.Lock()
		next, ok := e.queued[job.Key]
		if ok {
			delete(e.queued, job.Key)
			e.mu.Unlock()
			job = next
			continue
		}
		delete(e.inflight, job.Key)
		e.mu.Unlock()
		return
	}
}

// Drain waits for all in-flight and coalesced jobs to finish, or until
// timeout elapses. It returns
// true if drain completed cleanly, false if the timeout fired first.
func (e *Executor) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop cancels the root context, causing no-longer-scheduled jobs to be
// dropped rather than retried.
func (e *Executor) Stop() {
	e.cancel()
}
