package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingDeliverer records deliveries and can hold the dispatch pump.
type blockingDeliverer struct {
	mu        sync.Mutex
	delivered []uint64
	hold      chan struct{}
	entered   chan struct{}
}

func (d *blockingDeliverer) DeliverLocal(_ context.Context, env Envelope, reply *Promise) error {
	if d.entered != nil {
		select {
		case d.entered <- struct{}{}:
		default:
		}
	}
	if d.hold != nil {
		<-d.hold
	}
	d.mu.Lock()
	d.delivered = append(d.delivered, env.MessageID)
	d.mu.Unlock()
	if reply != nil {
		reply.Complete("ok")
	}
	return nil
}

func (d *blockingDeliverer) ids() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.delivered...)
}

func TestShortCircuitDeliversOnCallerGoroutine(t *testing.T) {
	d := &blockingDeliverer{}
	tr := NewLocalTransport(d, LocalTransportOptions{ShortCircuit: true})
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), Envelope{MessageID: 1, To: 5}, nil))
	assert.Equal(t, []uint64{1}, d.ids())
}

func TestQueuedModeDelivers(t *testing.T) {
	d := &blockingDeliverer{}
	tr := NewLocalTransport(d, LocalTransportOptions{ShortCircuit: false})
	defer tr.Close()

	reply := NewPromise()
	require.NoError(t, tr.Send(context.Background(), Envelope{MessageID: 2, To: 5, CallType: CallTypeCall}, reply))

	res, err := reply.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, []uint64{2}, d.ids())
}

func TestQueuedModeCancelBeforeDispatch(t *testing.T) {
	d := &blockingDeliverer{
		hold:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	tr := NewLocalTransport(d, LocalTransportOptions{ShortCircuit: false})
	defer tr.Close()

	// Occupy the pump with a first envelope.
	require.NoError(t, tr.Send(context.Background(), Envelope{MessageID: 1, To: 5}, nil))
	<-d.entered

	// Queue a second envelope, then trip its cancellation before the pump
	// reaches it.
	ctx, cancel := context.WithCancel(context.Background())
	reply := NewPromise()
	require.NoError(t, tr.Send(ctx, Envelope{MessageID: 2, To: 5, CallType: CallTypeCall}, reply))
	cancel()
	close(d.hold)

	_, err := reply.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	// The canceled envelope was discarded, not delivered.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(d.ids()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []uint64{1}, d.ids())
}

func TestQueuedModeCloseFailsUndelivered(t *testing.T) {
	d := &blockingDeliverer{
		hold:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	tr := NewLocalTransport(d, LocalTransportOptions{ShortCircuit: false})

	require.NoError(t, tr.Send(context.Background(), Envelope{MessageID: 1, To: 5}, nil))
	<-d.entered

	reply := NewPromise()
	require.NoError(t, tr.Send(context.Background(), Envelope{MessageID: 2, To: 5, CallType: CallTypeCall}, reply))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(d.hold)
	}()
	require.NoError(t, tr.Close())

	<-reply.Done()
	_, err := reply.Result()
	if err != nil {
		assert.ErrorIs(t, err, ErrTransportClosed)
	}
}

func TestPromiseSingleShot(t *testing.T) {
	p := NewPromise()
	assert.True(t, p.Complete(1))
	assert.False(t, p.Complete(2))
	assert.False(t, p.Fail(context.Canceled))

	v, err := p.Result()
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}
