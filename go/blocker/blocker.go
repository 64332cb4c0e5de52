/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package blocker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// State is the blocker's position in its one-way state machine.
type State int

const (
	StateUninitialized State = iota
	StateBlocking
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateBlocking:
		return "blocking"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return "uninitialized"
}

// Blocker gates one tenant's reads and writes while its migration is in
// flight. The orchestration task is the only writer; client operations take
// the read lock, so arbitrarily many can consult the blocker concurrently.
//
// An operation caught at or after the block timestamp while Blocking does
// not fail: its check parks until commit or abort resolves the outcome.
type Blocker struct {
	migrationID uuid.UUID
	tenantID    string

	mu                sync.RWMutex
	state             State
	blockTimestamp    *primitive.Timestamp
	commitTimestamp   *primitive.Timestamp
	rejectReadsBefore *primitive.Timestamp
	// resolved closes when the state reaches Committed or Aborted, waking
	// every parked check to re-evaluate.
	resolved chan struct{}
}

func NewBlocker(migrationID uuid.UUID, tenantID string) *Blocker {
	return &Blocker{
		migrationID: migrationID,
		tenantID:    tenantID,
		state:       StateUninitialized,
		resolved:    make(chan struct{}),
	}
}

func (b *Blocker) MigrationID() uuid.UUID { return b.migrationID }
func (b *Blocker) TenantID() string       { return b.tenantID }

func (b *Blocker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Blocker) BlockTimestamp() *primitive.Timestamp {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.blockTimestamp
}

// startBlocking, setBlockTimestamp, commit and abort are driven by the
// Registry on behalf of the orchestration task; they are not exported.

func (b *Blocker) startBlocking() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateUninitialized {
		b.state = StateBlocking
	}
}

func (b *Blocker) setBlockTimestamp(ts primitive.Timestamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockTimestamp = &ts
}

func (b *Blocker) commit(commitTimestamp primitive.Timestamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateBlocking {
		return
	}
	b.state = StateCommitted
	b.commitTimestamp = &commitTimestamp
	// Snapshots from before the block point never existed here. Reads in
	// the window between the block and commit points remain answerable.
	b.rejectReadsBefore = b.blockTimestamp
	close(b.resolved)
}

func (b *Blocker) abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateBlocking && b.state != StateUninitialized {
		return
	}
	b.state = StateAborted
	close(b.resolved)
}

// restore rebuilds the blocker directly into a persisted state, bypassing
// the normal transition path. Used only by restart recovery.
func (b *Blocker) restore(state State, blockTs, commitTs, rejectReadsBefore *primitive.Timestamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	b.blockTimestamp = blockTs
	b.commitTimestamp = commitTs
	b.rejectReadsBefore = rejectReadsBefore
	if state == StateCommitted || state == StateAborted {
		close(b.resolved)
	}
}

// CheckIfCanWrite decides whether a write at ts may proceed. While Blocking
// with the timestamp at or after the block point, the call parks until the
// migration resolves; it then returns nil on abort or ErrMigrationCommitted
// on commit.
func (b *Blocker) CheckIfCanWrite(ctx context.Context, ts primitive.Timestamp) error {
	for {
		b.mu.RLock()
		state := b.state
		blockTs := b.blockTimestamp
		commitTs := b.commitTimestamp
		resolved := b.resolved
		b.mu.RUnlock()

		switch state {
		case StateUninitialized:
			return nil
		case StateBlocking:
			if blockTs == nil || primitive.CompareTimestamp(ts, *blockTs) < 0 {
				return nil
			}
			select {
			case <-resolved:
			case <-ctx.Done():
				return ctx.Err()
			}
			// Re-evaluate under the resolved state.
			continue
		case StateCommitted:
			if commitTs != nil && primitive.CompareTimestamp(ts, *commitTs) >= 0 {
				return ErrMigrationCommitted
			}
			return nil
		case StateAborted:
			return nil
		}
		return nil
	}
}

// CheckIfCanRead decides whether a read may proceed. A nil readTimestamp is
// a read of current data, gated the same way as a write; a set timestamp is
// a snapshot read at that point.
func (b *Blocker) CheckIfCanRead(ctx context.Context, readTimestamp *primitive.Timestamp) error {
	for {
		b.mu.RLock()
		state := b.state
		blockTs := b.blockTimestamp
		commitTs := b.commitTimestamp
		rejectBefore := b.rejectReadsBefore
		resolved := b.resolved
		b.mu.RUnlock()

		switch state {
		case StateUninitialized:
			return nil
		case StateBlocking:
			if blockTs == nil {
				return nil
			}
			if readTimestamp != nil && primitive.CompareTimestamp(*readTimestamp, *blockTs) < 0 {
				return nil
			}
			select {
			case <-resolved:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		case StateCommitted:
			if readTimestamp == nil {
				// Current-data reads follow the data; it has moved.
				return ErrMigrationCommitted
			}
			if rejectBefore != nil && primitive.CompareTimestamp(*readTimestamp, *rejectBefore) < 0 {
				return ErrSnapshotTooOld
			}
			if commitTs != nil && primitive.CompareTimestamp(*readTimestamp, *commitTs) >= 0 {
				return ErrMigrationCommitted
			}
			return nil
		case StateAborted:
			if readTimestamp != nil && blockTs != nil &&
				primitive.CompareTimestamp(*readTimestamp, *blockTs) >= 0 {
				// The blocked window never became durable history.
				return ErrMigrationConflict
			}
			return nil
		}
		return nil
	}
}

// CheckIfCanBuildIndex gates index builds: unconditionally rejected while a
// migration is actively blocking, since a build racing the clone would
// diverge donor and recipient. Otherwise it mirrors the write check.
func (b *Blocker) CheckIfCanBuildIndex(ctx context.Context, ts primitive.Timestamp) error {
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()
	if state == StateBlocking {
		return ErrMigrationConflict
	}
	return b.CheckIfCanWrite(ctx, ts)
}
