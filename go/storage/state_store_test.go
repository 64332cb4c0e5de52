/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMemoryStateStoreRoundTrip(t *testing.T) {
	store := NewMemoryStateStore()
	migrationID := uuid.New()

	_, err := store.Load(migrationID)
	require.ErrorIs(t, err, ErrStateDocNotFound)

	blockTs := primitive.Timestamp{T: 100, I: 1}
	doc := &MigrationStateDocument{
		MigrationUUID:  migrationID,
		TenantID:       "tenantA",
		Phase:          PhaseBlocking,
		BlockTimestamp: &blockTs,
	}
	require.NoError(t, store.Upsert(doc))

	loaded, err := store.Load(migrationID)
	require.NoError(t, err)
	require.Equal(t, "tenantA", loaded.TenantID)
	require.Equal(t, PhaseBlocking, loaded.Phase)
	require.Equal(t, blockTs, *loaded.BlockTimestamp)

	loaded.Phase = PhaseCommitted
	require.NoError(t, store.Upsert(loaded))
	reloaded, err := store.Load(migrationID)
	require.NoError(t, err)
	require.Equal(t, PhaseCommitted, reloaded.Phase)
}

func TestLoadActiveSkipsExpired(t *testing.T) {
	store := NewMemoryStateStore()

	active := &MigrationStateDocument{MigrationUUID: uuid.New(), TenantID: "tenantA", Phase: PhaseBlocking}
	require.NoError(t, store.Upsert(active))

	gone := time.Now().Add(-time.Minute)
	expired := &MigrationStateDocument{
		MigrationUUID: uuid.New(), TenantID: "tenantB", Phase: PhaseAborted, ExpireAt: &gone,
	}
	require.NoError(t, store.Upsert(expired))

	docs, err := store.LoadActive()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "tenantA", docs[0].TenantID)
}

func TestRemove(t *testing.T) {
	store := NewMemoryStateStore()
	migrationID := uuid.New()
	require.NoError(t, store.Upsert(&MigrationStateDocument{MigrationUUID: migrationID, TenantID: "tenantA", Phase: PhaseAborted}))
	require.NoError(t, store.Remove(migrationID))
	_, err := store.Load(migrationID)
	require.ErrorIs(t, err, ErrStateDocNotFound)
}
