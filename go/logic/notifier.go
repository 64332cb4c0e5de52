/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"context"
	"sync"

	"github.com/openmigrate/oplog-relay/go/oplog"
)

type progressResult struct {
	pair oplog.OpTimePair
	err  error
}

// ProgressNotifier publishes the pipeline's high-water mark after each batch
// and resolves callers waiting for a donor optime to have been applied. A
// wait for an optime the pipeline already passed resolves immediately with
// the current mark, which may be later than the one asked for.
type ProgressNotifier struct {
	mu            sync.Mutex
	lastPublished oplog.OpTimePair
	published     bool
	waiters       map[oplog.OpTime][]chan progressResult
	terminalErr   error
	terminated    bool
}

func NewProgressNotifier() *ProgressNotifier {
	return &ProgressNotifier{
		waiters: make(map[oplog.OpTime][]chan progressResult),
	}
}

// Publish records that every donor entry up to and including pair.Donor has
// been applied and mirrored, and wakes the waiters that mark satisfies.
func (n *ProgressNotifier) Publish(pair oplog.OpTimePair) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.terminated {
		return
	}
	n.lastPublished = pair
	n.published = true
	for donorOpTime, waiters := range n.waiters {
		if donorOpTime.Compare(pair.Donor) <= 0 {
			for _, waiter := range waiters {
				waiter <- progressResult{pair: pair}
			}
			delete(n.waiters, donorOpTime)
		}
	}
}

// Terminate resolves every pending and future wait with err. err may be nil
// for a clean shutdown, in which case waits resolve with the last published
// mark.
func (n *ProgressNotifier) Terminate(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.terminated {
		return
	}
	n.terminated = true
	n.terminalErr = err
	for donorOpTime, waiters := range n.waiters {
		for _, waiter := range waiters {
			waiter <- progressResult{pair: n.lastPublished, err: err}
		}
		delete(n.waiters, donorOpTime)
	}
}

// LastPublished returns the current high-water mark and whether one has been
// published yet.
func (n *ProgressNotifier) LastPublished() (oplog.OpTimePair, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastPublished, n.published
}

// WaitForOpTime blocks until the pipeline has applied and mirrored all donor
// entries up to donorOpTime, and returns the mark that satisfied the wait.
func (n *ProgressNotifier) WaitForOpTime(ctx context.Context, donorOpTime oplog.OpTime) (oplog.OpTimePair, error) {
	n.mu.Lock()
	if n.terminated {
		pair, err := n.lastPublished, n.terminalErr
		n.mu.Unlock()
		return pair, err
	}
	if n.published && donorOpTime.Compare(n.lastPublished.Donor) <= 0 {
		pair := n.lastPublished
		n.mu.Unlock()
		return pair, nil
	}
	waiter := make(chan progressResult, 1)
	n.waiters[donorOpTime] = append(n.waiters[donorOpTime], waiter)
	n.mu.Unlock()

	select {
	case result := <-waiter:
		return result.pair, result.err
	case <-ctx.Done():
		n.abandonWaiter(donorOpTime, waiter)
		return oplog.OpTimePair{}, ctx.Err()
	}
}

func (n *ProgressNotifier) abandonWaiter(donorOpTime oplog.OpTime, waiter chan progressResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	waiters := n.waiters[donorOpTime]
	for i, w := range waiters {
		if w == waiter {
			n.waiters[donorOpTime] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(n.waiters[donorOpTime]) == 0 {
		delete(n.waiters, donorOpTime)
	}
}
