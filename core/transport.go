package core

import (
	"context"
	"sync"
)

// LocalDeliverer is the slice of the actor system the in-process transport
// needs: the local-delivery entry point.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, env Envelope, reply *Promise) error
}

// LocalTransportOptions selects the delivery mode.
type LocalTransportOptions struct {
	// ShortCircuit delivers straight into the target mailbox on the
	// caller's goroutine. When false, envelopes hop through a
	// single-reader dispatch queue.
	ShortCircuit bool

	// QueueDepth sizes the dispatch queue in queued mode. Defaults to 1024.
	QueueDepth int
}

// LocalTransport is the in-process transport. Both modes preserve the
// invariant that a Call's response promise eventually completes.
type LocalTransport struct {
	delivery     LocalDeliverer
	shortCircuit bool

	queue chan dispatchItem

	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}
}

type dispatchItem struct {
	ctx   context.Context
	env   Envelope
	reply *Promise
}

// NewLocalTransport creates an in-process transport bound to a deliverer.
func NewLocalTransport(delivery LocalDeliverer, opts LocalTransportOptions) *LocalTransport {
	t := &LocalTransport{
		delivery:     delivery,
		shortCircuit: opts.ShortCircuit,
		closed:       make(chan struct{}),
		drained:      make(chan struct{}),
	}
	if !t.shortCircuit {
		depth := opts.QueueDepth
		if depth <= 0 {
			depth = 1024
		}
		t.queue = make(chan dispatchItem, depth)
		go t.pump()
	} else {
		close(t.drained)
	}
	return t
}

// Send implements Transport.
func (t *LocalTransport) Send(ctx context.Context, env Envelope, reply *Promise) error {
	if t.shortCircuit {
		return t.delivery.DeliverLocal(ctx, env, reply)
	}
	select {
	case t.queue <- dispatchItem{ctx: ctx, env: env, reply: reply}:
		return nil
	case <-ctx.Done():
		if reply != nil {
			reply.Fail(ctx.Err())
		}
		return ctx.Err()
	case <-t.closed:
		if reply != nil {
			reply.Fail(ErrTransportClosed)
		}
		return ErrTransportClosed
	}
}

// pump is the single reader of the dispatch queue. An envelope whose
// caller's cancellation fired before dispatch is discarded after its
// promise is completed with the cancellation.
func (t *LocalTransport) pump() {
	defer close(t.drained)
	for {
		select {
		case it := <-t.queue:
			t.dispatch(it)
		case <-t.closed:
			for {
				select {
				case it := <-t.queue:
					if it.reply != nil {
						it.reply.Fail(ErrTransportClosed)
					}
				default:
					return
				}
			}
		}
	}
}

func (t *LocalTransport) dispatch(it dispatchItem) {
	if err := it.ctx.Err(); err != nil {
		if it.reply != nil {
			it.reply.Fail(err)
		}
		return
	}
	t.delivery.DeliverLocal(it.ctx, it.env, it.reply)
}

// Close implements Transport. In queued mode it drains the dispatch queue,
// failing any undelivered promises.
func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	<-t.drained
	return nil
}
