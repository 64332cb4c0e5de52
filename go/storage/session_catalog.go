/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package storage

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/openmigrate/oplog-relay/go/oplog"
)

// ErrTransactionTooOld is returned when a session observes a write or
// transaction number lower than one it already recorded.
var ErrTransactionTooOld = errors.New("transaction number is older than the session's active transaction")

// SessionRecord is the per logical-session transaction record: the highest
// write/transaction number seen, the recipient optime of the session's last
// local write, and the statements executed under the current number.
type SessionRecord struct {
	TxnNumber int64
	// LastWriteOpTime is the recipient optime of the session's last local
	// write; LastDonorOpTime is the donor optime of the last entry this
	// migration processed for the session.
	LastWriteOpTime oplog.OpTime
	LastDonorOpTime oplog.OpTime
	Committed       bool

	executed map[int32]struct{}
}

// SessionCatalog tracks SessionRecords for every logical session touched by
// the migration. Each session's record is only ever mutated by the single
// worker owning that session's queue, but distinct sessions mutate
// concurrently, hence the lock.
type SessionCatalog struct {
	mu      sync.Mutex
	records map[string]*SessionRecord
}

func NewSessionCatalog() *SessionCatalog {
	return &SessionCatalog{records: make(map[string]*SessionRecord)}
}

// Lookup returns a copy of the session's record.
func (c *SessionCatalog) Lookup(sessionID string) (SessionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[sessionID]
	if !ok {
		return SessionRecord{}, false
	}
	return SessionRecord{
		TxnNumber:       rec.TxnNumber,
		LastWriteOpTime: rec.LastWriteOpTime,
		LastDonorOpTime: rec.LastDonorOpTime,
		Committed:       rec.Committed,
	}, true
}

// StatementExecuted reports whether stmtID already executed under the
// session's given write number.
func (c *SessionCatalog) StatementExecuted(sessionID string, txnNumber int64, stmtID int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[sessionID]
	if !ok || rec.TxnNumber != txnNumber {
		return false
	}
	_, executed := rec.executed[stmtID]
	return executed
}

// BeginOrContinue establishes txnNumber as the session's active write number.
// A lower number than the active one is ErrTransactionTooOld; a higher one
// resets the executed-statement history.
func (c *SessionCatalog) BeginOrContinue(sessionID string, txnNumber int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.getOrCreate(sessionID)
	if txnNumber < rec.TxnNumber {
		return errors.Wrapf(ErrTransactionTooOld, "session %s has active number %d, got %d", sessionID, rec.TxnNumber, txnNumber)
	}
	if txnNumber > rec.TxnNumber {
		rec.TxnNumber = txnNumber
		rec.Committed = false
		rec.executed = make(map[int32]struct{})
		// A new write number starts a new prev-write chain.
		rec.LastWriteOpTime = oplog.ZeroOpTime
	}
	return nil
}

// BeginTransactionUnconditionally installs txnNumber regardless of what the
// session recorded before, discarding statement history. Used when replaying
// a donor transaction commit whose strict monotonicity the caller already
// verified.
func (c *SessionCatalog) BeginTransactionUnconditionally(sessionID string, txnNumber int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.getOrCreate(sessionID)
	if txnNumber != rec.TxnNumber {
		rec.LastWriteOpTime = oplog.ZeroOpTime
	}
	rec.TxnNumber = txnNumber
	rec.Committed = false
	rec.executed = make(map[int32]struct{})
}

// OnWriteCompleted records a completed local write for the session: the
// statements it covered, the recipient optime it landed at, and the donor
// optime it mirrors.
func (c *SessionCatalog) OnWriteCompleted(sessionID string, txnNumber int64, stmtIDs []int32, lastWrite, donorOpTime oplog.OpTime, committed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.getOrCreate(sessionID)
	if rec.TxnNumber != txnNumber {
		rec.TxnNumber = txnNumber
		rec.executed = make(map[int32]struct{})
	}
	for _, stmtID := range stmtIDs {
		rec.executed[stmtID] = struct{}{}
	}
	rec.LastWriteOpTime = lastWrite
	if donorOpTime.After(rec.LastDonorOpTime) {
		rec.LastDonorOpTime = donorOpTime
	}
	rec.Committed = committed
}

// Invalidate discards the session's in-memory statement history, forcing the
// next lookup to start from the durable record. Called on transaction
// boundary completion.
func (c *SessionCatalog) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[sessionID]; ok {
		rec.executed = make(map[int32]struct{})
	}
}

func (c *SessionCatalog) getOrCreate(sessionID string) *SessionRecord {
	rec, ok := c.records[sessionID]
	if !ok {
		rec = &SessionRecord{executed: make(map[int32]struct{})}
		c.records[sessionID] = rec
	}
	return rec
}
