/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/openmigrate/oplog-relay/go/base"
	"github.com/openmigrate/oplog-relay/go/oplog"
)

func newTestContext(tenantID string) *base.MigrationContext {
	migrationContext := base.NewMigrationContext()
	migrationContext.MigrationUUID = uuid.New()
	migrationContext.TenantID = tenantID
	migrationContext.NumWorkers = 4
	migrationContext.MinOpsPerThread = 1
	return migrationContext
}

func opTime(t, i uint32) oplog.OpTime {
	return oplog.NewOpTime(t, i, 1)
}

func insertEntry(t, i uint32, ns string, id int32) oplog.Entry {
	return oplog.Entry{
		OpTime:    opTime(t, i),
		Op:        oplog.OpTypeInsert,
		Namespace: ns,
		Object:    bson.D{{Key: "_id", Value: id}},
		WallClock: time.Unix(int64(t), 0),
	}
}

func updateEntry(t, i uint32, ns string, id int32, field string, value interface{}) oplog.Entry {
	return oplog.Entry{
		OpTime:    opTime(t, i),
		Op:        oplog.OpTypeUpdate,
		Namespace: ns,
		Object:    bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: value}}}},
		Object2:   bson.D{{Key: "_id", Value: id}},
		WallClock: time.Unix(int64(t), 0),
	}
}

func retryableInsert(t, i uint32, ns string, id int32, sessionID string, txnNumber int64, stmtID int32) oplog.Entry {
	entry := insertEntry(t, i, ns, id)
	entry.SessionID = sessionID
	entry.TxnNumber = &txnNumber
	entry.StatementIDs = []int32{stmtID}
	return entry
}

// applyOpsDoc wraps inner operation docs into an applyOps command object.
func applyOpsDoc(ops ...bson.D) bson.D {
	arr := make(bson.A, 0, len(ops))
	for _, op := range ops {
		arr = append(arr, op)
	}
	return bson.D{{Key: oplog.CommandApplyOps, Value: arr}}
}

func innerInsert(ns string, id int32) bson.D {
	return bson.D{
		{Key: "op", Value: "i"},
		{Key: "ns", Value: ns},
		{Key: "o", Value: bson.D{{Key: "_id", Value: id}}},
	}
}

func txnCommitEntry(t, i uint32, sessionID string, txnNumber int64, ops ...bson.D) oplog.Entry {
	return oplog.Entry{
		OpTime:    opTime(t, i),
		Op:        oplog.OpTypeCommand,
		Namespace: "admin.$cmd",
		Object:    applyOpsDoc(ops...),
		SessionID: sessionID,
		TxnNumber: &txnNumber,
		WallClock: time.Unix(int64(t), 0),
	}
}

func partialTxnEntry(t, i uint32, sessionID string, txnNumber int64, ops ...bson.D) oplog.Entry {
	entry := txnCommitEntry(t, i, sessionID, txnNumber, ops...)
	entry.PartialTxn = true
	return entry
}
