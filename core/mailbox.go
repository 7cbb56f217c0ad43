package core

import (
	"context"
	"sync"
)

// mailboxItem pairs an envelope with its optional response promise.
type mailboxItem struct {
	env   Envelope
	reply *Promise
}

// Mailbox is a single-reader, multi-writer FIFO. The default is unbounded;
// a bounded variant makes Enqueue wait for a free slot rather than dropping.
// The reader observes items in the exact order successful enqueues
// linearize.
type Mailbox struct {
	mu     sync.Mutex
	items  []mailboxItem
	closed bool

	// wake carries at most one pending wakeup for the reader.
	wake chan struct{}

	// slots is the capacity semaphore; nil when unbounded.
	slots chan struct{}
}

// NewMailbox returns a mailbox. capacity <= 0 means unbounded; otherwise
// Enqueue blocks while capacity items are queued.
func NewMailbox(capacity int) *Mailbox {
	m := &Mailbox{wake: make(chan struct{}, 1)}
	if capacity > 0 {
		m.slots = make(chan struct{}, capacity)
	}
	return m
}

// Enqueue appends an item. On a bounded mailbox it waits for a free slot,
// honoring ctx. Fails with ErrMailboxClosed once the mailbox is closed.
func (m *Mailbox) Enqueue(ctx context.Context, it mailboxItem) error {
	if m.slots != nil {
		select {
		case m.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.releaseSlot()
		return ErrMailboxClosed
	}
	m.items = append(m.items, it)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns all currently queued items, waiting until at least one is
// available. It returns an error when ctx is canceled or the mailbox is
// closed and empty.
func (m *Mailbox) Receive(ctx context.Context) ([]mailboxItem, error) {
	for {
		// Cancellation outranks queued work: once the reader's context
		// trips, remaining items are the caller's to drain via Close.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.mu.Lock()
		if len(m.items) > 0 {
			batch := m.items
			m.items = nil
			m.mu.Unlock()
			for range batch {
				m.releaseSlot()
			}
			return batch, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrMailboxClosed
		}

		select {
		case <-m.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close rejects further writes and returns every undelivered item so the
// host can fail their response promises. Idempotent; later calls return nil.
func (m *Mailbox) Close() []mailboxItem {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	rest := m.items
	m.items = nil
	m.mu.Unlock()

	for range rest {
		m.releaseSlot()
	}
	// Wake a blocked reader so it observes the close.
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return rest
}

// Len returns the number of queued items.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Mailbox) releaseSlot() {
	if m.slots == nil {
		return
	}
	select {
	case <-m.slots:
	default:
	}
}
