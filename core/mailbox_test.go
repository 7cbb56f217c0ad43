package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id uint64) mailboxItem {
	return mailboxItem{env: Envelope{MessageID: id}}
}

func TestMailboxFIFO(t *testing.T) {
	m := NewMailbox(0)
	ctx := context.Background()

	for i := uint64(1); i <= 100; i++ {
		require.NoError(t, m.Enqueue(ctx, item(i)))
	}

	var got []uint64
	for len(got) < 100 {
		batch, err := m.Receive(ctx)
		require.NoError(t, err)
		for _, it := range batch {
			got = append(got, it.env.MessageID)
		}
	}

	for i, id := range got {
		assert.Equal(t, uint64(i+1), id)
	}
}

func TestMailboxReceiveBlocksUntilEnqueue(t *testing.T) {
	m := NewMailbox(0)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Enqueue(ctx, item(7))
	}()

	batch, err := m.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(7), batch[0].env.MessageID)
}

func TestMailboxReceiveHonorsContext(t *testing.T) {
	m := NewMailbox(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailboxBoundedEnqueueWaits(t *testing.T) {
	m := NewMailbox(2)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, item(1)))
	require.NoError(t, m.Enqueue(ctx, item(2)))

	// The third enqueue waits for a slot rather than dropping.
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := m.Enqueue(waitCtx, item(3))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- m.Enqueue(ctx, item(3))
	}()

	batch, err := m.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue never completed after dequeue")
	}
}

func TestMailboxCloseFailsEnqueueAndReturnsRemainder(t *testing.T) {
	m := NewMailbox(0)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, item(1)))
	require.NoError(t, m.Enqueue(ctx, item(2)))

	rest := m.Close()
	require.Len(t, rest, 2)
	assert.Equal(t, uint64(1), rest[0].env.MessageID)

	assert.ErrorIs(t, m.Enqueue(ctx, item(3)), ErrMailboxClosed)
	_, err := m.Receive(ctx)
	assert.ErrorIs(t, err, ErrMailboxClosed)

	// Close is idempotent.
	assert.Nil(t, m.Close())
}
