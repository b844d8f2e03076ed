package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/support/xsync"
)

// WorkerMode of the device work queues.
type WorkerMode int

const (
	// Asynchronous mode: tasks are queued and executed in order by one goroutine per queue, Push returns
	// immediately.
	Asynchronous WorkerMode = iota

	// Synchronous mode: tasks are executed inline by the caller of Push.
	Synchronous
)

// String implements fmt.Stringer.
func (m WorkerMode) String() string {
	switch m {
	case Asynchronous:
		return "async"
	case Synchronous:
		return "sync"
	}
	return fmt.Sprintf("WorkerMode(%d)", int(m))
}

// ParseWorkerMode parses "sync" or "async".
func ParseWorkerMode(name string) (WorkerMode, error) {
	switch name {
	case "async", "asynchronous":
		return Asynchronous, nil
	case "sync", "synchronous":
		return Synchronous, nil
	}
	return Asynchronous, errors.Errorf("unknown worker mode %q, valid values are \"sync\" or \"async\"", name)
}

// Task is an operation executed by a device queue.
type Task func() error

// Future is the result of a pushed Task.
type Future struct {
	done *xsync.Latch
	err  error
}

func newFuture() *Future {
	return &Future{done: xsync.NewLatch()}
}

func completedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.err = err
	f.done.Trigger()
}

// Wait for the task to complete and returns its error.
//
// If ctx is done before, it returns the context error: the task itself is not cancelled, it will still execute.
func (f *Future) Wait(ctx context.Context) error {
	if err := f.done.WaitContext(ctx); err != nil {
		return errors.Wrap(err, "waiting for device task")
	}
	return f.err
}

// Done returns a channel closed when the task completes.
func (f *Future) Done() <-chan struct{} {
	return f.done.WaitChan()
}

// IsDone returns whether the task has completed.
func (f *Future) IsDone() bool {
	return f.done.Test()
}

// Executor runs the tasks of a device. Each queue is served by its own goroutine, so tasks pushed to the same
// queue execute in submission order. There are no ordering guarantees across queues.
//
// Pushed tasks can't be cancelled.
type Executor struct {
	deviceID ID
	mode     WorkerMode

	mu      sync.RWMutex
	closed  bool
	queues  []chan queuedTask
	running sync.WaitGroup
}

type queuedTask struct {
	task   Task
	future *Future
}

// NewExecutor creates the executor for the device with numQueues queues of the given depth.
func NewExecutor(deviceID ID, mode WorkerMode, numQueues, depth int) *Executor {
	e := &Executor{
		deviceID: deviceID,
		mode:     mode,
		queues:   make([]chan queuedTask, numQueues),
	}
	for queueID := range e.queues {
		e.queues[queueID] = make(chan queuedTask, depth)
		if mode == Asynchronous {
			e.running.Add(1)
			go e.serve(queueID)
		}
	}
	return e
}

// Mode returns the worker mode of the executor.
func (e *Executor) Mode() WorkerMode { return e.mode }

// NumQueues returns the number of queues of the executor.
func (e *Executor) NumQueues() int { return len(e.queues) }

func (e *Executor) serve(queueID int) {
	defer e.running.Done()
	for qt := range e.queues[queueID] {
		qt.future.complete(runTask(qt.task))
	}
	klog.V(2).Infof("device %d: queue %d closed", e.deviceID, queueID)
}

func runTask(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.WithMessage(e, "device task panicked")
			} else {
				err = errors.Errorf("device task panicked: %v", r)
			}
		}
	}()
	return task()
}

// Push the task to the given queue. In synchronous mode the task is executed before Push returns.
//
// Push blocks while the queue is full.
func (e *Executor) Push(queueID int, task Task) *Future {
	if queueID < 0 || queueID >= len(e.queues) {
		return completedFuture(errs.InvalidArgumentf("device %d: invalid queue id %d, device has %d queues",
			e.deviceID, queueID, len(e.queues)))
	}
	if e.mode == Synchronous {
		return completedFuture(runTask(task))
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return completedFuture(errors.Errorf("device %d: executor is closed", e.deviceID))
	}
	future := newFuture()
	e.queues[queueID] <- queuedTask{task: task, future: future}
	klog.V(3).Infof("device %d: task pushed to queue %d", e.deviceID, queueID)
	return future
}

// Synchronize waits for all tasks pushed so far to the given queue to complete.
func (e *Executor) Synchronize(ctx context.Context, queueID int) error {
	return e.Push(queueID, func() error { return nil }).Wait(ctx)
}

// SynchronizeAll waits for all tasks pushed so far to all queues to complete.
func (e *Executor) SynchronizeAll(ctx context.Context) error {
	for queueID := range e.queues {
		if err := e.Synchronize(ctx, queueID); err != nil {
			return err
		}
	}
	return nil
}

// Close the executor: pending tasks are executed, new tasks are rejected. It waits for the queues to drain.
// It's safe to call Close more than once.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, q := range e.queues {
		close(q)
	}
	e.mu.Unlock()
	e.running.Wait()
}
