/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package oplog

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrBufferClosed is returned from Pop once the buffer is closed and drained.
var ErrBufferClosed = errors.New("oplog buffer closed")

// Buffer is the ordered staging area between the donor fetcher and the batch
// assembler. Entries enter in donor-optime order and leave in the same order.
// Closing the buffer (with or without an error) is terminal: consumers drain
// whatever remains, then observe the closure.
type Buffer struct {
	ch   chan Entry
	done chan struct{}

	mu         sync.Mutex
	closed     bool
	closeErr   error
	lastPushed OpTime
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		ch:   make(chan Entry, capacity),
		done: make(chan struct{}),
	}
}

// Push appends entries to the buffer, blocking while it is full. Entries must
// arrive in non-decreasing donor optime order.
func (b *Buffer) Push(entries ...Entry) error {
	for _, entry := range entries {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return errors.Wrap(b.closureError(), "push on closed oplog buffer")
		}
		if !b.lastPushed.IsZero() && entry.OpTime.Before(b.lastPushed) {
			b.mu.Unlock()
			return errors.Errorf("out-of-order donor entry %s pushed after %s", entry.OpTime, b.lastPushed)
		}
		b.lastPushed = entry.OpTime
		b.mu.Unlock()

		select {
		case b.ch <- entry:
		case <-b.done:
			return errors.Wrap(b.closureError(), "push on closed oplog buffer")
		}
	}
	return nil
}

// Pop blocks until an entry is available, the buffer closes, or ctx is done.
func (b *Buffer) Pop(ctx context.Context) (Entry, error) {
	select {
	case entry := <-b.ch:
		return entry, nil
	default:
	}
	select {
	case entry := <-b.ch:
		return entry, nil
	case <-b.done:
		// Drain whatever was buffered before the close.
		select {
		case entry := <-b.ch:
			return entry, nil
		default:
			return Entry{}, b.closureError()
		}
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// TryPop returns the next entry without blocking. ok is false when the buffer
// is momentarily empty; err is non-nil once the buffer is closed and drained.
func (b *Buffer) TryPop() (entry Entry, ok bool, err error) {
	select {
	case entry = <-b.ch:
		return entry, true, nil
	default:
	}
	select {
	case <-b.done:
		return Entry{}, false, b.closureError()
	default:
		return Entry{}, false, nil
	}
}

// Close marks the end of the donor stream.
func (b *Buffer) Close() {
	b.CloseWithError(nil)
}

// CloseWithError closes the buffer carrying a terminal error for consumers.
// Closing an already-closed buffer is a no-op; the first error wins.
func (b *Buffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.closeErr = err
	close(b.done)
}

func (b *Buffer) closureError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeErr != nil {
		return b.closeErr
	}
	return ErrBufferClosed
}

// LastPushed returns the optime of the most recently pushed entry.
func (b *Buffer) LastPushed() OpTime {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPushed
}
