/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/openmigrate/oplog-relay/go/base"
	"github.com/openmigrate/oplog-relay/go/oplog"
)

// Batcher pulls donor entries off the ordered buffer and assembles bounded
// batches: entries come out in strict donor-optime order, a transaction's
// unwound operations never straddle two batches, and entries at or below the
// resume timestamp only advance bookkeeping.
type Batcher struct {
	migrationContext *base.MigrationContext
	buffer           *oplog.Buffer

	// Partial transaction entries seen so far, per session, awaiting their
	// commit entry. Only the batcher goroutine touches this.
	pendingTxnOps map[string][]oplog.Entry
}

func NewBatcher(migrationContext *base.MigrationContext, buffer *oplog.Buffer) *Batcher {
	return &Batcher{
		migrationContext: migrationContext,
		buffer:           buffer,
		pendingTxnOps:    make(map[string][]oplog.Entry),
	}
}

// NextBatch blocks until at least one entry is available, then drains the
// buffer greedily up to the given limits. Buffer closure surfaces as a
// terminal error once assembled entries are exhausted.
func (this *Batcher) NextBatch(ctx context.Context, limits BatchLimits) (*Batch, error) {
	batch := &Batch{}

	entry, err := this.buffer.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if err := this.processEntry(batch, entry); err != nil {
		return nil, err
	}

	for !this.batchFull(batch, limits) {
		entry, ok, err := this.buffer.TryPop()
		if err != nil {
			if batch.Empty() {
				return nil, err
			}
			// Hand over what we have; the closure error surfaces on the
			// next call.
			break
		}
		if !ok {
			if batch.Empty() {
				// Everything drained so far was below the resume point;
				// keep waiting for fresh entries.
				entry, err = this.buffer.Pop(ctx)
				if err != nil {
					return nil, err
				}
				if err := this.processEntry(batch, entry); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if err := this.processEntry(batch, entry); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func (this *Batcher) batchFull(batch *Batch, limits BatchLimits) bool {
	if limits.Ops > 0 && int64(len(batch.Ops)) >= limits.Ops {
		return true
	}
	if limits.Bytes > 0 && batch.byteSize >= limits.Bytes {
		return true
	}
	return false
}

func (this *Batcher) processEntry(batch *Batch, entry oplog.Entry) error {
	resumeTs := this.migrationContext.ResumeBatchingTimestamp
	if (resumeTs.T != 0 || resumeTs.I != 0) && primitive.CompareTimestamp(entry.OpTime.Timestamp, resumeTs) <= 0 {
		// Already batched before the restart.
		return nil
	}
	if entry.Prepare {
		return errors.Wrapf(ErrPreparedTransaction, "entry at %s", entry.OpTime)
	}

	op := BatchOp{Entry: entry, ExpansionsIndex: -1}

	if entry.PartialTxn {
		this.pendingTxnOps[entry.SessionID] = append(this.pendingTxnOps[entry.SessionID], entry)
	} else if entry.CommandName() == oplog.CommandAbortTransaction {
		// The accumulated chain never commits; drop it.
		delete(this.pendingTxnOps, entry.SessionID)
	} else if entry.IsTransactionCommit() {
		chain := this.pendingTxnOps[entry.SessionID]
		delete(this.pendingTxnOps, entry.SessionID)
		expansion, err := expandTransaction(chain, &entry)
		if err != nil {
			return err
		}
		op.ExpansionsIndex = len(batch.Expansions)
		batch.Expansions = append(batch.Expansions, expansion)
	}

	batch.Ops = append(batch.Ops, op)
	batch.byteSize += entry.EstimatedSize()
	return nil
}

// expandTransaction unwinds the applyOps arrays of a transaction's partial
// entries plus its commit entry into individual operations.
func expandTransaction(chain []oplog.Entry, commit *oplog.Entry) ([]oplog.Entry, error) {
	var expansion []oplog.Entry
	for i := range chain {
		ops, err := unwindApplyOps(&chain[i])
		if err != nil {
			return nil, err
		}
		expansion = append(expansion, ops...)
	}
	ops, err := unwindApplyOps(commit)
	if err != nil {
		return nil, err
	}
	return append(expansion, ops...), nil
}

func unwindApplyOps(entry *oplog.Entry) ([]oplog.Entry, error) {
	if entry.CommandName() == oplog.CommandCommitTransaction {
		// An explicit commit carries no operations of its own.
		return nil, nil
	}
	var rawOps bson.A
	for _, el := range entry.Object {
		if el.Key == oplog.CommandApplyOps {
			arr, ok := el.Value.(bson.A)
			if !ok {
				return nil, errors.Errorf("applyOps entry at %s has malformed operation array", entry.OpTime)
			}
			rawOps = arr
			break
		}
	}
	ops := make([]oplog.Entry, 0, len(rawOps))
	for _, rawOp := range rawOps {
		doc, ok := rawOp.(bson.D)
		if !ok {
			return nil, errors.Errorf("applyOps entry at %s has a non-document operation", entry.OpTime)
		}
		inner := oplog.Entry{
			OpTime:    entry.OpTime,
			WallClock: entry.WallClock,
		}
		for _, el := range doc {
			switch el.Key {
			case "op":
				if s, ok := el.Value.(string); ok {
					inner.Op = oplog.OpType(s)
				}
			case "ns":
				if s, ok := el.Value.(string); ok {
					inner.Namespace = s
				}
			case "o":
				if d, ok := el.Value.(bson.D); ok {
					inner.Object = d
				}
			case "o2":
				if d, ok := el.Value.(bson.D); ok {
					inner.Object2 = d
				}
			}
		}
		if inner.Op == "" {
			return nil, errors.Errorf("applyOps entry at %s has an operation without an op type", entry.OpTime)
		}
		ops = append(ops, inner)
	}
	return ops, nil
}
