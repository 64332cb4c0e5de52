/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/openmigrate/oplog-relay/go/oplog"
)

func TestNextBatchHonorsOpLimit(t *testing.T) {
	buffer := oplog.NewBuffer(16)
	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, buffer.Push(insertEntry(10, i, "tenantA_db.users", int32(i))))
	}
	buffer.Close()

	batcher := NewBatcher(newTestContext("tenantA"), buffer)
	ctx := context.Background()

	batch, err := batcher.NextBatch(ctx, BatchLimits{Ops: 3})
	require.NoError(t, err)
	require.Len(t, batch.Ops, 3)
	require.Equal(t, opTime(10, 1), batch.FirstOpTime())
	require.Equal(t, opTime(10, 3), batch.LastOpTime())

	batch, err = batcher.NextBatch(ctx, BatchLimits{Ops: 3})
	require.NoError(t, err)
	require.Len(t, batch.Ops, 2)

	_, err = batcher.NextBatch(ctx, BatchLimits{Ops: 3})
	require.ErrorIs(t, err, oplog.ErrBufferClosed)
}

func TestNextBatchHonorsByteLimit(t *testing.T) {
	buffer := oplog.NewBuffer(16)
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, buffer.Push(insertEntry(10, i, "tenantA_db.users", int32(i))))
	}
	buffer.Close()

	batcher := NewBatcher(newTestContext("tenantA"), buffer)
	batch, err := batcher.NextBatch(context.Background(), BatchLimits{Bytes: 1})
	require.NoError(t, err)
	require.Len(t, batch.Ops, 1, "a one-byte budget still admits the first entry, nothing more")
}

func TestNextBatchExpandsTransaction(t *testing.T) {
	buffer := oplog.NewBuffer(16)
	require.NoError(t, buffer.Push(
		partialTxnEntry(10, 1, "s1", 3, innerInsert("tenantA_db.users", 1), innerInsert("tenantA_db.users", 2)),
		txnCommitEntry(10, 2, "s1", 3, innerInsert("tenantA_db.users", 3)),
	))
	buffer.Close()

	batcher := NewBatcher(newTestContext("tenantA"), buffer)
	batch, err := batcher.NextBatch(context.Background(), BatchLimits{Ops: 10})
	require.NoError(t, err)
	require.Len(t, batch.Ops, 2)

	require.Equal(t, -1, batch.Ops[0].ExpansionsIndex)
	commit := batch.Ops[1]
	require.GreaterOrEqual(t, commit.ExpansionsIndex, 0)

	expansion := batch.Expansions[commit.ExpansionsIndex]
	require.Len(t, expansion, 3, "partial chain plus commit unwind into one expansion")
	for _, inner := range expansion {
		require.Equal(t, oplog.OpTypeInsert, inner.Op)
		require.Equal(t, "tenantA_db.users", inner.Namespace)
	}
}

func TestNextBatchNeverSplitsTransaction(t *testing.T) {
	buffer := oplog.NewBuffer(16)
	require.NoError(t, buffer.Push(
		insertEntry(10, 1, "tenantA_db.users", 1),
		txnCommitEntry(10, 2, "s1", 3,
			innerInsert("tenantA_db.users", 2),
			innerInsert("tenantA_db.users", 3),
			innerInsert("tenantA_db.users", 4),
		),
	))
	buffer.Close()

	batcher := NewBatcher(newTestContext("tenantA"), buffer)
	batch, err := batcher.NextBatch(context.Background(), BatchLimits{Ops: 2})
	require.NoError(t, err)
	require.Len(t, batch.Ops, 2)
	// The commit is one op however many operations it expands to.
	require.Len(t, batch.Expansions[batch.Ops[1].ExpansionsIndex], 3)
}

func TestNextBatchDiscardsAbortedChain(t *testing.T) {
	txnNumber := int64(3)
	abort := oplog.Entry{
		OpTime:    opTime(10, 2),
		Op:        oplog.OpTypeCommand,
		Namespace: "admin.$cmd",
		Object:    bson.D{{Key: oplog.CommandAbortTransaction, Value: int32(1)}},
		SessionID: "s1",
		TxnNumber: &txnNumber,
	}

	buffer := oplog.NewBuffer(16)
	require.NoError(t, buffer.Push(
		partialTxnEntry(10, 1, "s1", 3, innerInsert("tenantA_db.users", 1)),
		abort,
		txnCommitEntry(10, 3, "s1", 4, innerInsert("tenantA_db.users", 2)),
	))
	buffer.Close()

	batcher := NewBatcher(newTestContext("tenantA"), buffer)
	batch, err := batcher.NextBatch(context.Background(), BatchLimits{Ops: 10})
	require.NoError(t, err)
	require.Len(t, batch.Ops, 3)

	commit := batch.Ops[2]
	require.GreaterOrEqual(t, commit.ExpansionsIndex, 0)
	// The aborted chain's operation must not leak into the next commit.
	require.Len(t, batch.Expansions[commit.ExpansionsIndex], 1)
}

func TestNextBatchSkipsBelowResumeTimestamp(t *testing.T) {
	buffer := oplog.NewBuffer(16)
	require.NoError(t, buffer.Push(
		insertEntry(10, 1, "tenantA_db.users", 1),
		insertEntry(10, 2, "tenantA_db.users", 2),
		insertEntry(10, 3, "tenantA_db.users", 3),
	))
	buffer.Close()

	migrationContext := newTestContext("tenantA")
	migrationContext.ResumeBatchingTimestamp = primitive.Timestamp{T: 10, I: 2}

	batcher := NewBatcher(migrationContext, buffer)
	batch, err := batcher.NextBatch(context.Background(), BatchLimits{Ops: 10})
	require.NoError(t, err)
	require.Len(t, batch.Ops, 1)
	require.Equal(t, opTime(10, 3), batch.FirstOpTime())
}

func TestNextBatchRejectsPreparedTransaction(t *testing.T) {
	buffer := oplog.NewBuffer(16)
	prepared := txnCommitEntry(10, 1, "s1", 3, innerInsert("tenantA_db.users", 1))
	prepared.Prepare = true
	require.NoError(t, buffer.Push(prepared))

	batcher := NewBatcher(newTestContext("tenantA"), buffer)
	_, err := batcher.NextBatch(context.Background(), BatchLimits{Ops: 10})
	require.ErrorIs(t, err, ErrPreparedTransaction)
}
