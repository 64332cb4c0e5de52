/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package blocker

import (
	"github.com/pkg/errors"
)

// These are control responses handed back to the calling operation, not
// failures of the migration itself. Callers route on them: committed means
// retry against the new owner, conflict means retry here later, snapshot too
// old is permanent for that read point.
var (
	ErrMigrationCommitted = errors.New("tenant migration already committed: the tenant's data has moved")
	ErrMigrationConflict  = errors.New("tenant migration in progress")
	ErrSnapshotTooOld     = errors.New("read timestamp is older than the tenant migration's retained history")
)
