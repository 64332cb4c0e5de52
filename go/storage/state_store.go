/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package storage

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/openmigrate/oplog-relay/go/oplog"
)

// Blocker phase values as persisted in the migration state document. These
// map 1:1 onto the access blocker's state machine.
const (
	PhaseUninitialized = "uninitialized"
	PhaseBlocking      = "blocking"
	PhaseCommitted     = "committed"
	PhaseAborted       = "aborted"
)

// ErrStateDocNotFound is returned when no document exists for a migration id.
var ErrStateDocNotFound = errors.New("migration state document not found")

// MigrationStateDocument is the one persisted record per migration attempt.
// It carries everything needed to reconstruct the access blocker after a
// process restart.
type MigrationStateDocument struct {
	MigrationUUID uuid.UUID
	Protocol      string
	TenantID      string

	Phase                      string
	BlockTimestamp             *primitive.Timestamp
	RejectReadsBeforeTimestamp *primitive.Timestamp
	CommitTimestamp            *primitive.Timestamp

	StartApplyingAfterOpTime     oplog.OpTime
	CloneFinishedRecipientOpTime oplog.OpTime

	// ImportCompleted marks that cloned data reached a consistent point; a
	// committed migration must have it.
	ImportCompleted bool

	// ExpireAt schedules garbage collection once set.
	ExpireAt *time.Time
}

// StateStore persists migration state documents. The on-disk format belongs
// to the store; callers only rely on the document fields round-tripping.
type StateStore interface {
	Upsert(doc *MigrationStateDocument) error
	Load(migrationUUID uuid.UUID) (*MigrationStateDocument, error)
	// LoadActive returns documents for migrations not yet scheduled for
	// garbage collection, in no particular order.
	LoadActive() ([]*MigrationStateDocument, error)
	Remove(migrationUUID uuid.UUID) error
}

// MemoryStateStore keeps state documents in process, for tests and for
// single-node deployments that accept losing migration state on restart.
type MemoryStateStore struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*MigrationStateDocument
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{docs: make(map[uuid.UUID]*MigrationStateDocument)}
}

func (s *MemoryStateStore) Upsert(doc *MigrationStateDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *doc
	s.docs[doc.MigrationUUID] = &copied
	return nil
}

func (s *MemoryStateStore) Load(migrationUUID uuid.UUID) (*MigrationStateDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[migrationUUID]
	if !ok {
		return nil, errors.Wrapf(ErrStateDocNotFound, "migration %s", migrationUUID)
	}
	copied := *doc
	return &copied, nil
}

func (s *MemoryStateStore) LoadActive() ([]*MigrationStateDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*MigrationStateDocument
	for _, doc := range s.docs {
		if doc.ExpireAt != nil {
			continue
		}
		copied := *doc
		active = append(active, &copied)
	}
	return active, nil
}

func (s *MemoryStateStore) Remove(migrationUUID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, migrationUUID)
	return nil
}
