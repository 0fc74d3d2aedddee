package monitor

import (
	"context"
	"sync"

	"codeberg.org/mutker/hwmonitor/internal/errors"
)

// broadcast is a bounded multi-consumer event ring. Publishing overwrites
// the oldest slot and never blocks; every Receiver keeps its own cursor.
type broadcast struct {
	mu     sync.Mutex
	buf    []Event
	head   uint64 // sequence number of the next publish
	notify chan struct{}
}

func newBroadcast(capacity int) *broadcast {
	if capacity <= 0 {
		capacity = DefaultBroadcastCapacity
	}
	return &broadcast{
		buf:    make([]Event, capacity),
		notify: make(chan struct{}),
	}
}

func (b *broadcast) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf[b.head%uint64(len(b.buf))] = e
	b.head++

	// Wake every blocked receiver
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *broadcast) subscribe() *Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()

	return &Receiver{
		b:      b,
		next:   b.head,
		closed: make(chan struct{}),
	}
}

func (b *broadcast) oldestLocked() uint64 {
	capacity := uint64(len(b.buf))
	if b.head <= capacity {
		return 0
	}
	return b.head - capacity
}

// Receiver observes every event published after it subscribed, unless it
// falls more than the ring capacity behind. In that case it skips to the
// oldest retained event and Lagged reports how many were missed.
type Receiver struct {
	b      *broadcast
	next   uint64
	lagged uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// TryRecv returns the next event without blocking.
func (r *Receiver) TryRecv() (Event, bool) {
	e, ok, _ := r.poll()
	return e, ok
}

// Recv blocks until an event is available, ctx is done or the receiver is
// closed.
func (r *Receiver) Recv(ctx context.Context) (Event, error) {
	for {
		select {
		case <-r.closed:
			return nil, errors.New().WithMessage(ErrReceiverClosed, "receiver closed")
		default:
		}

		e, ok, notify := r.poll()
		if ok {
			return e, nil
		}

		select {
		case <-notify:
		case <-r.closed:
			return nil, errors.New().WithMessage(ErrReceiverClosed, "receiver closed")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Lagged returns the number of events this receiver missed.
func (r *Receiver) Lagged() uint64 {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return r.lagged
}

// Close detaches the receiver; pending and future Recv calls return
// ErrReceiverClosed.
func (r *Receiver) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

func (r *Receiver) poll() (Event, bool, <-chan struct{}) {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.next == b.head {
		return nil, false, b.notify
	}

	if oldest := b.oldestLocked(); r.next < oldest {
		r.lagged += oldest - r.next
		r.next = oldest
	}

	e := b.buf[r.next%uint64(len(b.buf))]
	r.next++
	return e, true, nil
}
