package log

import (
	"io"
	"sync"
)

const defaultBuffer = 256

// Broadcaster fans out every published value to all registered subscriber
// channels. It is safe for concurrent use. Publish never blocks: a subscriber
// whose buffer is full misses the value.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	buffer      int
	subscribers map[chan T]struct{}
}

// NewBroadcaster returns a Broadcaster whose subscriber channels hold up to
// buffer values. A buffer <= 0 selects the default.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster[T]{
		buffer:      buffer,
		subscribers: make(map[chan T]struct{}),
	}
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe registers a new subscriber. Call Unsubscribe when done.
func (b *Broadcaster[T]) Subscribe() chan T {
	ch := make(chan T, b.buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it. Unknown channels
// are ignored.
func (b *Broadcaster[T]) Unsubscribe(ch chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// LineBroadcaster is the io.Writer handed to the slog handler; each write
// (one log line) is copied to every subscriber.
type LineBroadcaster struct {
	*Broadcaster[[]byte]
}

func NewLineBroadcaster() *LineBroadcaster {
	return &LineBroadcaster{Broadcaster: NewBroadcaster[[]byte](defaultBuffer)}
}

func (b *LineBroadcaster) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	b.Publish(buf)
	return len(p), nil
}

var _ io.Writer = (*LineBroadcaster)(nil)
