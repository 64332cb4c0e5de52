/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestInsertAndReplay(t *testing.T) {
	target := NewMemoryTarget()
	doc := bson.D{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "ada"}}
	require.NoError(t, target.Insert("tenantA_db.users", doc))
	require.NoError(t, target.Insert("tenantA_db.users", doc), "replayed insert must succeed")
	require.Equal(t, 1, target.CountDocuments("tenantA_db.users"))

	require.Error(t, target.Insert("tenantA_db.users", bson.D{{Key: "name", Value: "no id"}}))
}

func TestUpdateSetUnset(t *testing.T) {
	target := NewMemoryTarget()
	require.NoError(t, target.Insert("tenantA_db.users", bson.D{
		{Key: "_id", Value: int32(1)}, {Key: "name", Value: "ada"}, {Key: "age", Value: int32(36)},
	}))

	require.NoError(t, target.Update("tenantA_db.users",
		bson.D{{Key: "_id", Value: int32(1)}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "name", Value: "countess"}}},
			{Key: "$unset", Value: bson.D{{Key: "age", Value: ""}}},
		}))

	doc, ok := target.Document("tenantA_db.users", int32(1))
	require.True(t, ok)
	fields := map[string]interface{}{}
	for _, el := range doc {
		fields[el.Key] = el.Value
	}
	require.Equal(t, "countess", fields["name"])
	require.NotContains(t, fields, "age")
}

func TestUpdateReplacementKeepsID(t *testing.T) {
	target := NewMemoryTarget()
	require.NoError(t, target.Insert("tenantA_db.users", bson.D{
		{Key: "_id", Value: int32(1)}, {Key: "name", Value: "ada"},
	}))

	require.NoError(t, target.Update("tenantA_db.users",
		bson.D{{Key: "_id", Value: int32(1)}},
		bson.D{{Key: "name", Value: "replaced"}, {Key: "role", Value: "admin"}}))

	doc, ok := target.Document("tenantA_db.users", int32(1))
	require.True(t, ok)
	require.Equal(t, bson.E{Key: "_id", Value: int32(1)}, doc[0])
}

func TestUpdateAndDeleteMissingDocument(t *testing.T) {
	target := NewMemoryTarget()
	// Replays may target documents a later, already-applied entry removed.
	require.NoError(t, target.Update("tenantA_db.users",
		bson.D{{Key: "_id", Value: int32(9)}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "x", Value: 1}}}}))
	require.NoError(t, target.Delete("tenantA_db.users", bson.D{{Key: "_id", Value: int32(9)}}))
}

func TestCollectionLifecycle(t *testing.T) {
	target := NewMemoryTarget()
	require.False(t, target.CollectionExists("tenantA_db.events"))

	require.NoError(t, target.CreateCollection("tenantA_db.events"))
	require.True(t, target.CollectionExists("tenantA_db.events"))
	require.True(t, target.CollectionIsEmpty("tenantA_db.events"))

	require.NoError(t, target.Insert("tenantA_db.events", bson.D{{Key: "_id", Value: int32(1)}}))
	require.False(t, target.CollectionIsEmpty("tenantA_db.events"))

	require.NoError(t, target.CreateIndex("tenantA_db.events", bson.D{{Key: "ts", Value: 1}}))
	require.Len(t, target.Indexes("tenantA_db.events"), 1)

	require.NoError(t, target.DropCollection("tenantA_db.events"))
	require.False(t, target.CollectionExists("tenantA_db.events"))
	require.Empty(t, target.Indexes("tenantA_db.events"))
}
