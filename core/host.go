package core

import (
	"context"
	"fmt"
	"time"
)

// actorEntry is the host for one actor: its mailbox, pump, lifecycle
// promises, and cancellation handle. At most one pump runs per entry, and
// the pump terminates only after the stop promise completes.
type actorEntry struct {
	handle  Handle
	name    string
	impl    Actor
	mailbox *Mailbox

	started *Promise
	stopped *Promise

	ctx    context.Context
	cancel context.CancelFunc

	sys *System
}

func newActorEntry(sys *System, h Handle, name string, impl Actor, mailboxCapacity int) *actorEntry {
	ctx, cancel := context.WithCancel(context.Background())
	return &actorEntry{
		handle:  h,
		name:    name,
		impl:    impl,
		mailbox: NewMailbox(mailboxCapacity),
		started: NewPromise(),
		stopped: NewPromise(),
		ctx:     ctx,
		cancel:  cancel,
		sys:     sys,
	}
}

func (e *actorEntry) ref() *Ref {
	return &Ref{system: e.sys, handle: e.handle}
}

// enqueue admits mail. It succeeds unless the actor has been destroyed; the
// metrics queue length is incremented before the write.
func (e *actorEntry) enqueue(ctx context.Context, env Envelope, reply *Promise) error {
	e.sys.metrics.OnEnqueue(e.handle)
	if err := e.mailbox.Enqueue(ctx, mailboxItem{env: env, reply: reply}); err != nil {
		e.sys.metrics.OnDequeue(e.handle)
		if err == ErrMailboxClosed {
			err = fmt.Errorf("%w: %s", ErrActorStopped, e.handle)
		}
		if reply != nil {
			reply.Fail(err)
		}
		return err
	}
	return nil
}

// run is the mailbox pump. It executes the start hook, then drains the
// mailbox in batches until cancellation, then fails the promises of any
// undelivered mail, runs the stop hook, and completes the stop promise.
func (e *actorEntry) run() {
	defer e.finish()

	if err := e.runStart(); err != nil {
		e.started.Fail(err)
		return
	}
	e.started.Complete(nil)

	for {
		batch, err := e.mailbox.Receive(e.ctx)
		if err != nil {
			return
		}
		for i := range batch {
			e.process(batch[i])
		}
	}
}

func (e *actorEntry) runStart() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s start panic: %v", e.handle, r)
		}
	}()
	return e.impl.OnStart(e.ctx, e.ref())
}

// process dispatches one item inside a trace scope and a stopwatch. Handler
// errors surface to the response promise and the error hook; they never
// terminate the pump.
func (e *actorEntry) process(it mailboxItem) {
	e.sys.metrics.OnDequeue(e.handle)

	hctx := WithTraceID(e.ctx, it.env.TraceID)
	if e.sys.metrics.TraceEnabled(e.handle) {
		e.sys.logger.Info("actor trace",
			"handle", e.handle,
			"message_id", it.env.MessageID,
			"from", it.env.From,
			"call_type", it.env.CallType.String(),
			"trace_id", it.env.TraceID)
	}

	start := time.Now()
	result, err := e.invoke(hctx, it.env)
	e.sys.metrics.OnProcessed(e.handle, time.Since(start), err != nil)

	if err != nil {
		if it.reply != nil {
			it.reply.Fail(err)
		}
		if hook, ok := e.impl.(ErrorHook); ok {
			hook.OnReceiveError(hctx, it.env, err)
		} else {
			e.sys.logger.Error("actor handler error",
				"handle", e.handle,
				"name", e.name,
				"message_id", it.env.MessageID,
				"error", err)
		}
		return
	}
	if it.reply != nil {
		it.reply.Complete(result)
	}
}

func (e *actorEntry) invoke(ctx context.Context, env Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panic: %v", e.handle, r)
		}
	}()
	return e.impl.Receive(ctx, env)
}

// finish closes the mailbox, cancels unserviced mail, runs the stop hook,
// and completes the stop promise. Mail whose enqueue linearized before
// shutdown is never silently dropped: each pending reply fails with
// ErrActorStopped.
func (e *actorEntry) finish() {
	for _, it := range e.mailbox.Close() {
		e.sys.metrics.OnDequeue(e.handle)
		if it.reply != nil {
			it.reply.Fail(fmt.Errorf("%w: %s", ErrActorStopped, e.handle))
		}
	}

	e.runStop()
	e.stopped.Complete(nil)
}

func (e *actorEntry) runStop() {
	defer func() {
		if r := recover(); r != nil {
			e.sys.logger.Error("actor stop panic",
				"handle", e.handle, "name", e.name, "panic", fmt.Sprint(r))
		}
	}()
	e.impl.OnStop(context.WithoutCancel(e.ctx))
}
