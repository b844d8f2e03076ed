package xsync

import (
	"context"
	"sync"
)

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered. Once triggered it never changes state,
// it's forever triggered.
type Latch struct {
	mu       sync.Mutex
	waitChan chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		waitChan: make(chan struct{}),
	}
}

// Trigger latch. It's idempotent: calling it more than once has no effect.
func (l *Latch) Trigger() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockedTest() {
		return
	}
	close(l.waitChan)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.waitChan
}

// WaitContext waits for the latch to be triggered or for the context to be done, in which case it returns
// the context error.
func (l *Latch) WaitContext(ctx context.Context) error {
	select {
	case <-l.waitChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockedTest()
}

func (l *Latch) lockedTest() bool {
	select {
	case <-l.waitChan:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that one can use on a `select` to check when the latch triggers.
// The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.waitChan
}
