/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package blocker

import (
	"github.com/pkg/errors"

	"github.com/openmigrate/oplog-relay/go/storage"
)

// fatalf terminates the process. A corrupt or incomplete state document
// must never be papered over into a permissive blocker; tests intercept
// this to observe the failure.
var fatalf = func(r *Registry, format string, args ...interface{}) {
	r.log.Fatalf(format, args...)
}

// RecoverFromStateStore rebuilds the registry's blockers from the persisted
// migration state documents after a process restart. Every still-active
// migration gets its blocker back in the exact phase it was in; a document
// whose phase presupposes data that is missing is fatal.
func (r *Registry) RecoverFromStateStore() error {
	docs, err := r.store.LoadActive()
	if err != nil {
		return errors.Wrap(err, "loading active migration state documents")
	}
	for _, doc := range docs {
		if err := r.recoverOne(doc); err != nil {
			return err
		}
	}
	r.log.Infof("recovered %d active migration blocker(s)", len(docs))
	return nil
}

func (r *Registry) recoverOne(doc *storage.MigrationStateDocument) error {
	state := StateUninitialized
	switch doc.Phase {
	case storage.PhaseUninitialized:
		state = StateUninitialized
	case storage.PhaseBlocking:
		state = StateBlocking
	case storage.PhaseCommitted:
		state = StateCommitted
	case storage.PhaseAborted:
		state = StateAborted
	default:
		fatalf(r, "migration %s has unknown phase %q in its state document", doc.MigrationUUID, doc.Phase)
		return errors.Errorf("unknown phase %q", doc.Phase)
	}

	if state == StateCommitted {
		// A committed migration implies the tenant's data import finished
		// and the block/commit points were recorded. If any of those are
		// missing the document is corrupt and serving from it would hand
		// out wrong answers to every client.
		if !doc.ImportCompleted {
			fatalf(r, "migration %s is committed but its state document carries no import-completion marker", doc.MigrationUUID)
			return errors.Errorf("migration %s missing import-completion marker", doc.MigrationUUID)
		}
		if doc.BlockTimestamp == nil || doc.CommitTimestamp == nil {
			fatalf(r, "migration %s is committed but its state document is missing its block or commit timestamp", doc.MigrationUUID)
			return errors.Errorf("migration %s missing commit timestamps", doc.MigrationUUID)
		}
	}

	b := NewBlocker(doc.MigrationUUID, doc.TenantID)
	b.restore(state, doc.BlockTimestamp, doc.CommitTimestamp, doc.RejectReadsBeforeTimestamp)

	r.mu.Lock()
	r.blockers[doc.TenantID] = b
	r.mu.Unlock()
	r.log.Infof("recovered tenant %s blocker for migration %s in state %s", doc.TenantID, doc.MigrationUUID, state)
	return nil
}
