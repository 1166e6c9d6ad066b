// Package logbuf provides a bounded append-only capture buffer for process
// output streams, with fan-out to live subscribers.
package logbuf

import (
	"context"
	"sync"
)

// DefaultCap is the retained-byte limit used when no cap is given.
const DefaultCap = 256 * 1024

const subscriberBacklog = 64

// Buffer captures one output stream. Writes are retained up to a byte cap,
// dropping the oldest bytes first, and are fanned out to subscribers.
// Writes never block on slow subscribers; a subscriber that falls more than
// subscriberBacklog chunks behind loses the oldest pending chunks.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	max    int
	subs   map[chan []byte]struct{}
	closed bool
}

func New(capBytes int) *Buffer {
	if capBytes <= 0 {
		capBytes = DefaultCap
	}
	return &Buffer{
		max:  capBytes,
		subs: map[chan []byte]struct{}{},
	}
}

// Write implements io.Writer. The input is copied, so callers may reuse p.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	b.mu.Lock()
	b.data = append(b.data, chunk...)
	if over := len(b.data) - b.max; over > 0 {
		b.data = b.data[over:]
	}
	for ch := range b.subs {
		select {
		case ch <- chunk:
		default:
			// drop the oldest pending chunk to make room
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- chunk:
			default:
			}
		}
	}
	b.mu.Unlock()
	return len(p), nil
}

// Snapshot returns a copy of the retained bytes.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Subscribe registers a live reader. The returned channel receives every chunk
// written after the call and is closed when the buffer is closed or the
// context is done. The cancel func releases the subscription early.
func (b *Buffer) Subscribe(ctx context.Context) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBacklog)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel
}

// Close marks the stream finished and closes all subscriber channels.
// Snapshot remains readable after Close.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
