package async

import (
	"container/list"
	"context"
	"runtime"
	"sync"

	"github.com/ground-x/blmsg/log"
)

var logger = log.NewModuleLogger(log.Async)

// Task is the unit of work an Executor runs. ctx is cancelled when the
// operation's handle is cancelled or the executor is disposed.
type Task func(ctx context.Context, op *OperationState) error

// submission pairs an OperationState with the task that executes it and the
// channel its completion is reported on.
type submission struct {
	op     *OperationState
	task   Task
	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
	err    error
}

// Handle is returned by Submit; it lets the caller cancel a still-pending
// or in-flight operation and observe completion.
type Handle struct {
	sub *submission
}

// Cancel requests cancellation of the operation. Cooperative: the running
// task observes ctx.Done() at its own checkpoints.
func (h *Handle) Cancel() {
	h.sub.op.RequestCancel()
	h.sub.cancel()
}

// Wait blocks until the operation completes (successfully, with an error,
// or via cancellation) and returns its error.
func (h *Handle) Wait() error {
	<-h.sub.done
	return h.sub.err
}

// Executor is the async fabric of spec.md §4.C2: a fixed-size worker pool
// draining a FIFO of ready submissions, at most maxConcurrent of which run
// at once. Submissions beyond that cap buffer in the FIFO rather than
// blocking the submitter — bounded memory regardless of ingress rate, not a
// bounded channel (which would instead apply backpressure to Submit).
type Executor struct {
	maxConcurrent int

	mu       sync.Mutex
	cond     *sync.Cond
	ready    *list.List // of *submission
	inFlight int
	closed   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewExecutor starts workers goroutines (runtime.NumCPU() if workers <= 0)
// and lets at most maxConcurrent operations run at once across the whole
// pool (maxConcurrent <= 0 means workers).
func NewExecutor(workers, maxConcurrent int) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		maxConcurrent: maxConcurrent,
		ready:         list.New(),
		ctx:           ctx,
		cancel:        cancel,
	}
	e.cond = sync.NewCond(&e.mu)
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Submit enqueues op to run task, returning a handle. The executor never
// releases op itself; returning it to its StatePool with Put, whatever the
// outcome, is left to the caller.
func (e *Executor) Submit(op *OperationState, task Task) *Handle {
	subCtx, cancel := context.WithCancel(e.ctx)
	sub := &submission{
		op:     op,
		task:   task,
		ctx:    subCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		sub.err = context.Canceled
		close(sub.done)
		return &Handle{sub: sub}
	}
	e.ready.PushBack(sub)
	e.cond.Signal()
	e.mu.Unlock()

	return &Handle{sub: sub}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		sub := e.next()
		if sub == nil {
			return
		}
		e.run(sub)
	}
}

// next blocks until a ready submission is available and the in-flight
// count is below maxConcurrent, or the executor is closed.
func (e *Executor) next() *submission {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed && e.ready.Len() == 0 {
			return nil
		}
		if e.ready.Len() > 0 && e.inFlight < e.maxConcurrent {
			front := e.ready.Front()
			e.ready.Remove(front)
			e.inFlight++
			return front.Value.(*submission)
		}
		e.cond.Wait()
	}
}

func (e *Executor) run(sub *submission) {
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.cond.Broadcast()
		e.mu.Unlock()
	}()

	if sub.op.Cancelled() {
		sub.err = context.Canceled
		close(sub.done)
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("operation task panicked", "recover", r)
				err = context.Canceled
			}
		}()
		return sub.task(sub.ctx, sub.op)
	}()
	sub.err = err
	close(sub.done)
}

// Dispose cancels all pending submissions, waits for in-flight work to
// finish, and stops the worker pool. Safe to call once.
func (e *Executor) Dispose() {
	e.mu.Lock()
	e.closed = true
	for el := e.ready.Front(); el != nil; el = el.Next() {
		sub := el.Value.(*submission)
		sub.op.RequestCancel()
		sub.cancel()
		sub.err = context.Canceled
		close(sub.done)
	}
	e.ready.Init()
	e.cond.Broadcast()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// InFlight returns the current number of concurrently executing operations
// (test/monitoring hook backing spec.md §8's "never exceeds maxConcurrent"
// property).
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// Pending returns the current length of the ready FIFO.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready.Len()
}
