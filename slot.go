package refreshable

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync"
)

// subscriberBacklog is the number of pending updates buffered per
// subscriber before the oldest buffered update is dropped in favour of the
// newest one. The exact size is unspecified by the contract this package
// implements; 16 is chosen as a generous default for a value that changes
// on the order of once per cadence.
const subscriberBacklog = 16

// Update is one item delivered on a Stream.
type Update[T any] struct {
	// Value is the CachedValue as of this update.
	Value CachedValue[T]

	// Dropped counts how many earlier updates were discarded from this
	// subscriber's backlog (because it was not keeping up) before Value.
	// It is almost always zero.
	Dropped uint64
}

// subscriber is the write side of one Stream. mu serializes deliver against
// Close so that a write can never be sent on sub.ch after it has been
// closed: both deliver and Close take mu before touching the channel or
// the closed flag.
type subscriber[T any] struct {
	mu      sync.Mutex
	ch      chan Update[T]
	dropped uint64
	closed  bool
}

// Stream is a lazy, per-subscriber sequence of every Slot write since
// subscription, starting with the value current at subscription time.
type Stream[T any] struct {
	sub      *subscriber[T]
	unsub    func()
	closedAt int32
}

// C returns the channel of updates. It is closed when Close is called.
func (s *Stream[T]) C() <-chan Update[T] {
	return s.sub.ch
}

// Close stops delivery and releases the subscription. It is safe to call
// more than once.
func (s *Stream[T]) Close() {
	if !atomic.CompareAndSwapInt32(&s.closedAt, 0, 1) {
		return
	}

	s.unsub()

	s.sub.mu.Lock()
	s.sub.closed = true
	close(s.sub.ch)
	s.sub.mu.Unlock()
}

// Slot owns the current CachedValue for one Controller and broadcasts
// every write to subscribed Streams. It is the sole synchronization point
// over the value: writes are totally ordered, and every subscriber
// observes that same order starting from the value in effect when it
// subscribed.
type Slot[T any] struct {
	mu     sync.RWMutex
	value  CachedValue[T]
	subs   *xsync.Map
	nextID uint64
}

// subscriberKey formats a subscriber id as the string key xsync.Map wants.
func subscriberKey(id uint64) string {
	return strconv.FormatUint(id, 36)
}

// NewSlot creates a Slot holding the given initial value.
func NewSlot[T any](initial CachedValue[T]) *Slot[T] {
	return &Slot[T]{
		value: initial,
		subs:  xsync.NewMap(),
	}
}

// Read returns the current snapshot.
func (s *Slot[T]) Read() CachedValue[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.value
}

// Write atomically replaces the current value and publishes it to every
// subscribed Stream.
func (s *Slot[T]) Write(v CachedValue[T]) {
	s.mu.Lock()
	s.value = v

	// Snapshot subscriber pointers and deliver while still holding the
	// lock, so that a concurrent Subscribe either fully precedes or fully
	// follows this write, and concurrent writes reach every subscriber in
	// the same order. deliver never blocks, so the lock is held briefly.
	var targets []*subscriber[T]
	s.subs.Range(func(_ string, v interface{}) bool {
		targets = append(targets, v.(*subscriber[T]))
		return true
	})

	for _, sub := range targets {
		deliver(sub, v)
	}

	s.mu.Unlock()
}

// deliver sends v to sub, dropping the oldest buffered update and
// signalling the drop count if the subscriber's backlog is full. It is a
// no-op if sub has already been closed, and holds sub.mu for its entire
// body so it can never race a concurrent Stream.Close into sending on a
// closed channel.
func deliver[T any](sub *subscriber[T], v CachedValue[T]) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}

	for {
		select {
		case sub.ch <- Update[T]{Value: v, Dropped: sub.dropped}:
			sub.dropped = 0
			return
		default:
		}

		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
	}
}

// Subscribe returns a Stream that begins with the value in effect now and
// yields every subsequent write, in write order, with no losses up to the
// backlog bound documented on subscriberBacklog.
func (s *Slot[T]) Subscribe() *Stream[T] {
	s.mu.Lock()
	current := s.value

	id := s.nextID
	s.nextID++
	key := subscriberKey(id)

	sub := &subscriber[T]{ch: make(chan Update[T], subscriberBacklog)}
	sub.ch <- Update[T]{Value: current}
	s.subs.Store(key, sub)
	s.mu.Unlock()

	return &Stream[T]{
		sub: sub,
		unsub: func() {
			s.subs.Delete(key)
		},
	}
}
