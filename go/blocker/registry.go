/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package blocker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/openmigrate/oplog-relay/go/base"
	"github.com/openmigrate/oplog-relay/go/oplog"
	"github.com/openmigrate/oplog-relay/go/storage"
)

// aborted blockers linger this long before garbage collection so in-flight
// readers observe the abort rather than a vanished migration.
const abortedBlockerRetention = 5 * time.Minute

// Registry holds the active blocker of every tenant under migration and
// applies the orchestration task's phase transitions, persisting each one
// before it becomes visible to client checks.
type Registry struct {
	log   base.Logger
	store storage.StateStore

	mu       sync.RWMutex
	blockers map[string]*Blocker
}

func NewRegistry(log base.Logger, store storage.StateStore) *Registry {
	return &Registry{
		log:      log,
		store:    store,
		blockers: make(map[string]*Blocker),
	}
}

// Get returns the tenant's blocker, if one is registered.
func (r *Registry) Get(tenantID string) (*Blocker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blockers[tenantID]
	return b, ok
}

// ForNamespace resolves the blocker governing a namespace, if any. Client
// read/write paths call this on every operation; a miss means no migration
// touches the namespace.
func (r *Registry) ForNamespace(ns string) (*Blocker, bool) {
	tenantID := oplog.TenantFromNamespace(ns)
	if tenantID == "" {
		return nil, false
	}
	return r.Get(tenantID)
}

// EnterBlocking registers a blocker for the tenant and moves it to Blocking.
// A tenant already under an unresolved migration conflicts.
func (r *Registry) EnterBlocking(tenantID string, migrationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.blockers[tenantID]; ok && existing.State() != StateAborted {
		if existing.MigrationID() == migrationID {
			return nil
		}
		return errors.Wrapf(ErrMigrationConflict, "tenant %s is already migrating as %s", tenantID, existing.MigrationID())
	}

	doc := &storage.MigrationStateDocument{
		MigrationUUID: migrationID,
		TenantID:      tenantID,
		Phase:         storage.PhaseBlocking,
	}
	if err := r.store.Upsert(doc); err != nil {
		return errors.Wrapf(err, "persisting blocking state for tenant %s", tenantID)
	}

	b := NewBlocker(migrationID, tenantID)
	b.startBlocking()
	r.blockers[tenantID] = b
	r.log.Infof("tenant %s entered blocking for migration %s", tenantID, migrationID)
	return nil
}

// SetBlockTimestamp installs the point from which the tenant's writes are
// held while the migration converges.
func (r *Registry) SetBlockTimestamp(tenantID string, ts primitive.Timestamp) error {
	b, doc, err := r.activeBlockerAndDoc(tenantID)
	if err != nil {
		return err
	}
	doc.BlockTimestamp = &ts
	if err := r.store.Upsert(doc); err != nil {
		return errors.Wrapf(err, "persisting block timestamp for tenant %s", tenantID)
	}
	b.setBlockTimestamp(ts)
	r.log.Infof("tenant %s blocking at %v", tenantID, ts)
	return nil
}

// MarkImportCompleted records that the tenant's cloned data reached a
// consistent point. Committing requires this marker.
func (r *Registry) MarkImportCompleted(tenantID string) error {
	_, doc, err := r.activeBlockerAndDoc(tenantID)
	if err != nil {
		return err
	}
	doc.ImportCompleted = true
	if err := r.store.Upsert(doc); err != nil {
		return errors.Wrapf(err, "persisting import completion for tenant %s", tenantID)
	}
	return nil
}

// Commit resolves the tenant's migration as committed at the given
// timestamp. Parked operations re-evaluate against the commit point.
func (r *Registry) Commit(tenantID string, commitTimestamp primitive.Timestamp) error {
	b, doc, err := r.activeBlockerAndDoc(tenantID)
	if err != nil {
		return err
	}
	if !doc.ImportCompleted {
		return errors.Errorf("tenant %s cannot commit before its data import completes", tenantID)
	}
	doc.Phase = storage.PhaseCommitted
	doc.CommitTimestamp = &commitTimestamp
	// Snapshots older than the block point never existed on this node.
	doc.RejectReadsBeforeTimestamp = doc.BlockTimestamp
	if err := r.store.Upsert(doc); err != nil {
		return errors.Wrapf(err, "persisting commit for tenant %s", tenantID)
	}
	b.commit(commitTimestamp)
	r.log.Infof("tenant %s migration committed at %v", tenantID, commitTimestamp)
	return nil
}

// Abort resolves the tenant's migration as aborted. Parked operations
// proceed as if no migration had run.
func (r *Registry) Abort(tenantID string) error {
	b, doc, err := r.activeBlockerAndDoc(tenantID)
	if err != nil {
		return err
	}
	doc.Phase = storage.PhaseAborted
	expire := time.Now().Add(abortedBlockerRetention)
	doc.ExpireAt = &expire
	if err := r.store.Upsert(doc); err != nil {
		return errors.Wrapf(err, "persisting abort for tenant %s", tenantID)
	}
	b.abort()
	r.log.Infof("tenant %s migration %s aborted", tenantID, b.MigrationID())
	return nil
}

// Remove garbage-collects a resolved blocker and its state document. A
// blocker still in flight is never removed.
func (r *Registry) Remove(tenantID string, migrationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blockers[tenantID]
	if !ok || b.MigrationID() != migrationID {
		return nil
	}
	if state := b.State(); state != StateCommitted && state != StateAborted {
		return errors.Wrapf(ErrMigrationConflict, "cannot remove tenant %s blocker in state %s", tenantID, state)
	}
	if err := r.store.Remove(migrationID); err != nil {
		return errors.Wrapf(err, "removing state document for migration %s", migrationID)
	}
	delete(r.blockers, tenantID)
	r.log.Infof("tenant %s blocker for migration %s garbage-collected", tenantID, migrationID)
	return nil
}

func (r *Registry) activeBlockerAndDoc(tenantID string) (*Blocker, *storage.MigrationStateDocument, error) {
	r.mu.RLock()
	b, ok := r.blockers[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, errors.Errorf("no active migration for tenant %s", tenantID)
	}
	doc, err := r.store.Load(b.MigrationID())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "loading state document for migration %s", b.MigrationID())
	}
	return b, doc, nil
}
