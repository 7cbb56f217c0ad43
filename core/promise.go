package core

import (
	"context"
	"sync"
)

// Promise is a single-shot completion primitive. A promise may be completed
// by the reply path, the caller's cancellation, or a timeout; the first
// completion wins and all later attempts are no-ops.
type Promise struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewPromise returns an uncompleted promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Complete fulfills the promise with a value. Returns true iff this call won
// the completion race.
func (p *Promise) Complete(v any) bool {
	won := false
	p.once.Do(func() {
		p.value = v
		won = true
		close(p.done)
	})
	return won
}

// Fail completes the promise with an error. Returns true iff this call won
// the completion race.
func (p *Promise) Fail(err error) bool {
	won := false
	p.once.Do(func() {
		p.err = err
		won = true
		close(p.done)
	})
	return won
}

// Done is closed once the promise has completed.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Completed reports whether the promise has completed.
func (p *Promise) Completed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. It must only be called after Done is closed.
func (p *Promise) Result() (any, error) {
	return p.value, p.err
}

// Await blocks until the promise completes or the context is canceled.
func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// linkCancellation fails the promise when ctx trips before the promise
// completes. The returned stop function releases the watcher.
func linkCancellation(ctx context.Context, p *Promise) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.Fail(ctx.Err())
		case <-p.done:
		case <-stop:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
