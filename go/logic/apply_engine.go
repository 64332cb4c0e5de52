/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/openmigrate/oplog-relay/go/base"
	"github.com/openmigrate/oplog-relay/go/oplog"
	"github.com/openmigrate/oplog-relay/go/storage"
)

// applyEngine mirrors one batch of donor operations onto the recipient's
// collections, NumWorkers writer goroutines at a time. Ordering guarantees
// come from the partitioner: a writer applies its own vector sequentially,
// and a session never spans two writers.
type applyEngine struct {
	migrationContext *base.MigrationContext
	target           storage.ApplyTarget
	sessions         *storage.SessionCatalog
	hooks            *TestHooks
}

func newApplyEngine(migrationContext *base.MigrationContext, target storage.ApplyTarget, sessions *storage.SessionCatalog, hooks *TestHooks) *applyEngine {
	return &applyEngine{
		migrationContext: migrationContext,
		target:           target,
		sessions:         sessions,
		hooks:            hooks,
	}
}

// ApplyBatch checks the batch against the tenant boundary and the session
// catalog, then fans the writer vectors out to the worker pool. On return
// every non-ignored, non-skipped operation has been applied.
func (engine *applyEngine) ApplyBatch(ctx context.Context, batch *Batch) error {
	if err := checkOpsBelongToTenant(engine.migrationContext, batch); err != nil {
		return err
	}
	if err := engine.admitSessionOps(batch); err != nil {
		return err
	}
	vectors, err := partitionBatch(engine.migrationContext, batch, engine.migrationContext.NumWorkers)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, vector := range vectors {
		if len(vector) == 0 {
			continue
		}
		workerID, vector := i, vector
		g.Go(func() error {
			if err := engine.applyVector(ctx, batch, vector); err != nil {
				engine.migrationContext.Log.Errorf("writer %d failed applying batch [%s..%s]: %+v",
					workerID, batch.FirstOpTime(), batch.LastOpTime(), err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	engine.migrationContext.IncrementBatchesApplied()
	return nil
}

type statementKey struct {
	sessionID string
	txnNumber int64
	stmtID    int32
}

// admitSessionOps walks the batch in donor order and flags session entries
// the recipient has already seen. Re-delivery of applied history is skipped
// silently; the same statement arriving fresh a second time is fatal, as is
// a transaction number moving backwards. Duplicates are caught whether the
// first delivery landed in an earlier batch or earlier in this one.
func (engine *applyEngine) admitSessionOps(batch *Batch) error {
	admitted := make(map[statementKey]struct{})
	for i := range batch.Ops {
		op := &batch.Ops[i]
		entry := &op.Entry
		if op.Ignore || entry.SessionID == "" || entry.TxnNumber == nil {
			continue
		}
		record, known := engine.sessions.Lookup(entry.SessionID)
		if known && !record.LastDonorOpTime.IsZero() && entry.OpTime.Compare(record.LastDonorOpTime) <= 0 {
			op.Skip = true
			continue
		}
		if entry.IsTransactionCommit() {
			if known && *entry.TxnNumber < record.TxnNumber {
				return errors.Wrapf(storage.ErrTransactionTooOld,
					"session %s received transaction %d after %d", entry.SessionID, *entry.TxnNumber, record.TxnNumber)
			}
			// Donor ordering already serialized the session's transactions.
			engine.sessions.BeginTransactionUnconditionally(entry.SessionID, *entry.TxnNumber)
			continue
		}
		if err := engine.sessions.BeginOrContinue(entry.SessionID, *entry.TxnNumber); err != nil {
			return errors.Wrapf(err, "admitting session entry at %s", entry.OpTime)
		}
		if oplog.ClassifySessionEntry(entry) == oplog.SessionEntryRetryableWritePrePostImage {
			// The image carries the statement ids of the write that will
			// reference it; only the write itself executes them.
			continue
		}
		for _, stmtID := range entry.StatementIDs {
			key := statementKey{sessionID: entry.SessionID, txnNumber: *entry.TxnNumber, stmtID: stmtID}
			_, inBatch := admitted[key]
			if inBatch || engine.sessions.StatementExecuted(entry.SessionID, *entry.TxnNumber, stmtID) {
				return &DuplicateExecutionError{
					SessionID:   entry.SessionID,
					TxnNumber:   *entry.TxnNumber,
					StatementID: stmtID,
				}
			}
			admitted[key] = struct{}{}
		}
	}
	return nil
}

func (engine *applyEngine) applyVector(ctx context.Context, batch *Batch, vector []int) error {
	for _, idx := range vector {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		op := &batch.Ops[idx]
		if op.Ignore || op.Skip {
			continue
		}
		if op.ExpansionsIndex >= 0 {
			for j := range batch.Expansions[op.ExpansionsIndex] {
				if err := engine.applyEntry(&batch.Expansions[op.ExpansionsIndex][j]); err != nil {
					return err
				}
			}
			continue
		}
		if err := engine.applyEntry(&op.Entry); err != nil {
			return err
		}
	}
	return nil
}

func (engine *applyEngine) applyEntry(entry *oplog.Entry) error {
	if !entry.OpTime.After(engine.migrationContext.StartApplyingAfterOpTime) {
		// The collection clone already reflects this write; it is only
		// mirrored into history, never re-applied.
		return nil
	}
	if engine.hooks != nil && engine.hooks.BeforeApplyOp != nil {
		if err := engine.hooks.BeforeApplyOp(entry); err != nil {
			return err
		}
	}

	var err error
	switch entry.Op {
	case oplog.OpTypeInsert:
		err = engine.target.Insert(entry.Namespace, entry.Object)
	case oplog.OpTypeUpdate:
		err = engine.target.Update(entry.Namespace, entry.Object2, entry.Object)
	case oplog.OpTypeDelete:
		err = engine.target.Delete(entry.Namespace, entry.Object)
	case oplog.OpTypeCommand:
		err = engine.applyCommand(entry)
	case oplog.OpTypeNoop:
		// Nothing to mirror at the collection level.
	default:
		err = errors.Errorf("unknown operation type %q at %s", entry.Op, entry.OpTime)
	}
	if err != nil {
		return errors.Wrapf(err, "applying %s on %s at %s", entry.Op, entry.Namespace, entry.OpTime)
	}
	engine.migrationContext.AddOpsApplied(1)
	return nil
}

func (engine *applyEngine) applyCommand(entry *oplog.Entry) error {
	name := entry.CommandName()
	switch name {
	case oplog.CommandCreate:
		return engine.target.CreateCollection(commandTargetNamespace(entry))
	case oplog.CommandDrop:
		return engine.target.DropCollection(commandTargetNamespace(entry))
	case oplog.CommandCreateIndexes, oplog.CommandStartIndexBuild:
		return engine.applyCreateIndexes(entry)
	case oplog.CommandDropIndexes, oplog.CommandCommitIndexBuild, oplog.CommandAbortIndexBuild:
		// Index builds are tracked at their start; the rest of the build
		// lifecycle has nothing to mirror here.
		return nil
	case oplog.CommandCommitTransaction, oplog.CommandAbortTransaction:
		// Pure session bookkeeping; the batcher already unwound any
		// operations.
		return nil
	case oplog.CommandApplyOps:
		// A non-transactional applyOps (no session) applies inline.
		ops, err := unwindApplyOps(entry)
		if err != nil {
			return err
		}
		for i := range ops {
			if err := engine.applyEntry(&ops[i]); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Errorf("unsupported command %q at %s", name, entry.OpTime)
}

// applyCreateIndexes builds the index on an empty collection. A non-empty
// collection means the clone already carried the index; recreating it would
// race with reads, so the entry succeeds as a no-op.
func (engine *applyEngine) applyCreateIndexes(entry *oplog.Entry) error {
	ns := commandTargetNamespace(entry)
	if engine.target.CollectionExists(ns) && !engine.target.CollectionIsEmpty(ns) {
		engine.migrationContext.Log.Infof("index build on non-empty collection %s at %s treated as already built", ns, entry.OpTime)
		return nil
	}
	var keys bson.D
	for _, el := range entry.Object {
		if el.Key == "key" {
			if d, ok := el.Value.(bson.D); ok {
				keys = d
			}
		}
	}
	return engine.target.CreateIndex(ns, keys)
}

// commandTargetNamespace resolves the "db.$cmd" namespace of a command entry
// plus its collection argument into the collection namespace it targets.
func commandTargetNamespace(entry *oplog.Entry) string {
	db := oplog.DatabaseOf(entry.Namespace)
	if len(entry.Object) > 0 {
		if coll, ok := entry.Object[0].Value.(string); ok {
			return fmt.Sprintf("%s.%s", db, coll)
		}
	}
	return entry.Namespace
}
