/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package storage

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/openmigrate/oplog-relay/go/oplog"
)

// LocalLog is the recipient's own oplog as seen by the history rewriter.
// Slots are reserved up front for a whole batch so that writers can fill
// them in parallel; a reserved slot that is never written (resume token
// no-ops) is simply left as a gap.
type LocalLog interface {
	// ReserveSlots hands out n monotonically increasing recipient optimes.
	ReserveSlots(n int) []oplog.OpTime
	// WriteAt stores entry at a previously reserved slot. Safe for
	// concurrent use across distinct slots.
	WriteAt(slot oplog.OpTime, entry oplog.Entry) error
}

// MemoryLog is the in-process LocalLog used by the engine and its tests.
// Durability belongs to the storage engine, which is out of scope here.
type MemoryLog struct {
	term int64

	mu      sync.Mutex
	lastTs  primitive.Timestamp
	entries map[oplog.OpTime]oplog.Entry
}

func NewMemoryLog(term int64) *MemoryLog {
	return &MemoryLog{
		term:    term,
		entries: make(map[oplog.OpTime]oplog.Entry),
	}
}

func (l *MemoryLog) ReserveSlots(n int) []oplog.OpTime {
	l.mu.Lock()
	defer l.mu.Unlock()
	slots := make([]oplog.OpTime, 0, n)
	for i := 0; i < n; i++ {
		l.lastTs.I++
		if l.lastTs.I == 0 {
			l.lastTs.T++
			l.lastTs.I = 1
		}
		slots = append(slots, oplog.OpTime{Timestamp: l.lastTs, Term: l.term})
	}
	return slots
}

func (l *MemoryLog) WriteAt(slot oplog.OpTime, entry oplog.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot.IsZero() {
		return errors.New("cannot write local oplog entry at the zero optime")
	}
	if _, ok := l.entries[slot]; ok {
		return errors.Errorf("local oplog slot %s written twice", slot)
	}
	entry.OpTime = slot
	l.entries[slot] = entry
	return nil
}

// SetLastTimestamp fast-forwards slot allocation, used when resuming after
// the clone handed us an already-advanced recipient position.
func (l *MemoryLog) SetLastTimestamp(ts primitive.Timestamp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if primitive.CompareTimestamp(ts, l.lastTs) > 0 {
		l.lastTs = ts
	}
}

// Entries returns all written entries in optime order.
func (l *MemoryLog) Entries() []oplog.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := make([]oplog.Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		all = append(all, entry)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].OpTime.Before(all[j].OpTime)
	})
	return all
}

// EntriesForSession returns written entries carrying the given session id,
// in optime order.
func (l *MemoryLog) EntriesForSession(sessionID string) []oplog.Entry {
	var matched []oplog.Entry
	for _, entry := range l.Entries() {
		if entry.SessionID == sessionID {
			matched = append(matched, entry)
		}
	}
	return matched
}
