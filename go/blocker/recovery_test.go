/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package blocker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openmigrate/oplog-relay/go/storage"
)

// interceptFatalf replaces the process-terminating hook for one test and
// records what would have been fatal.
func interceptFatalf(t *testing.T) *[]string {
	t.Helper()
	var messages []string
	orig := fatalf
	fatalf = func(r *Registry, format string, args ...interface{}) {
		messages = append(messages, fmt.Sprintf(format, args...))
	}
	t.Cleanup(func() { fatalf = orig })
	return &messages
}

func TestRecoverRebuildsBlockingBlocker(t *testing.T) {
	registry, store := newTestRegistry()
	migrationID := uuid.New()
	require.NoError(t, store.Upsert(&storage.MigrationStateDocument{
		MigrationUUID:  migrationID,
		TenantID:       "tenantA",
		Phase:          storage.PhaseBlocking,
		BlockTimestamp: tsPtr(100, 0),
	}))

	require.NoError(t, registry.RecoverFromStateStore())

	b, ok := registry.Get("tenantA")
	require.True(t, ok)
	require.Equal(t, StateBlocking, b.State())
	require.Equal(t, migrationID, b.MigrationID())
	require.Equal(t, ts(100, 0), *b.BlockTimestamp())

	// The recovered blocker still gates: writes before the block point pass.
	require.NoError(t, b.CheckIfCanWrite(context.Background(), ts(99, 0)))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.CheckIfCanWrite(ctx, ts(100, 0)), context.DeadlineExceeded)
}

func TestRecoverRebuildsCommittedBlocker(t *testing.T) {
	registry, store := newTestRegistry()
	require.NoError(t, store.Upsert(&storage.MigrationStateDocument{
		MigrationUUID:              uuid.New(),
		TenantID:                   "tenantA",
		Phase:                      storage.PhaseCommitted,
		BlockTimestamp:             tsPtr(100, 0),
		CommitTimestamp:            tsPtr(110, 0),
		RejectReadsBeforeTimestamp: tsPtr(100, 0),
		ImportCompleted:            true,
	}))

	require.NoError(t, registry.RecoverFromStateStore())

	b, ok := registry.Get("tenantA")
	require.True(t, ok)
	require.Equal(t, StateCommitted, b.State())
	require.ErrorIs(t, b.CheckIfCanWrite(context.Background(), ts(110, 0)), ErrMigrationCommitted)
	require.ErrorIs(t, b.CheckIfCanRead(context.Background(), tsPtr(99, 0)), ErrSnapshotTooOld)
	require.NoError(t, b.CheckIfCanRead(context.Background(), tsPtr(105, 0)))
}

func TestRecoverRebuildsAbortedBlocker(t *testing.T) {
	registry, store := newTestRegistry()
	require.NoError(t, store.Upsert(&storage.MigrationStateDocument{
		MigrationUUID:  uuid.New(),
		TenantID:       "tenantA",
		Phase:          storage.PhaseAborted,
		BlockTimestamp: tsPtr(100, 0),
	}))

	require.NoError(t, registry.RecoverFromStateStore())

	b, ok := registry.Get("tenantA")
	require.True(t, ok)
	require.Equal(t, StateAborted, b.State())
	require.ErrorIs(t, b.CheckIfCanRead(context.Background(), tsPtr(100, 0)), ErrMigrationConflict)
}

func TestRecoverSkipsExpiredDocuments(t *testing.T) {
	registry, store := newTestRegistry()
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, store.Upsert(&storage.MigrationStateDocument{
		MigrationUUID: uuid.New(),
		TenantID:      "tenantA",
		Phase:         storage.PhaseAborted,
		ExpireAt:      &expired,
	}))

	require.NoError(t, registry.RecoverFromStateStore())
	_, ok := registry.Get("tenantA")
	require.False(t, ok)
}

func TestRecoverCommittedWithoutImportMarkerIsFatal(t *testing.T) {
	messages := interceptFatalf(t)
	registry, store := newTestRegistry()
	require.NoError(t, store.Upsert(&storage.MigrationStateDocument{
		MigrationUUID:   uuid.New(),
		TenantID:        "tenantA",
		Phase:           storage.PhaseCommitted,
		BlockTimestamp:  tsPtr(100, 0),
		CommitTimestamp: tsPtr(110, 0),
	}))

	require.Error(t, registry.RecoverFromStateStore())
	require.Len(t, *messages, 1)
	require.Contains(t, (*messages)[0], "import-completion")
}

func TestRecoverCommittedWithoutTimestampsIsFatal(t *testing.T) {
	messages := interceptFatalf(t)
	registry, store := newTestRegistry()
	require.NoError(t, store.Upsert(&storage.MigrationStateDocument{
		MigrationUUID:   uuid.New(),
		TenantID:        "tenantA",
		Phase:           storage.PhaseCommitted,
		ImportCompleted: true,
	}))

	require.Error(t, registry.RecoverFromStateStore())
	require.Len(t, *messages, 1)
	require.Contains(t, (*messages)[0], "timestamp")
}

func TestRecoverUnknownPhaseIsFatal(t *testing.T) {
	messages := interceptFatalf(t)
	registry, store := newTestRegistry()
	require.NoError(t, store.Upsert(&storage.MigrationStateDocument{
		MigrationUUID: uuid.New(),
		TenantID:      "tenantA",
		Phase:         "garbage",
	}))

	require.Error(t, registry.RecoverFromStateStore())
	require.Len(t, *messages, 1)
	require.Contains(t, (*messages)[0], "unknown phase")
}

func TestRecoveredBlockerResumesTransitions(t *testing.T) {
	registry, store := newTestRegistry()
	migrationID := uuid.New()
	require.NoError(t, store.Upsert(&storage.MigrationStateDocument{
		MigrationUUID:   migrationID,
		TenantID:        "tenantA",
		Phase:           storage.PhaseBlocking,
		BlockTimestamp:  tsPtr(100, 0),
		ImportCompleted: true,
	}))
	require.NoError(t, registry.RecoverFromStateStore())

	// The lifecycle continues from where the restart interrupted it.
	require.NoError(t, registry.Commit("tenantA", ts(110, 0)))
	doc, err := store.Load(migrationID)
	require.NoError(t, err)
	require.Equal(t, storage.PhaseCommitted, doc.Phase)

	b, _ := registry.Get("tenantA")
	require.ErrorIs(t, b.CheckIfCanWrite(context.Background(), ts(110, 0)), ErrMigrationCommitted)
}
