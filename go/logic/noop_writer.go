/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/openmigrate/oplog-relay/go/base"
	"github.com/openmigrate/oplog-relay/go/oplog"
	"github.com/openmigrate/oplog-relay/go/storage"
	"golang.org/x/sync/errgroup"
)

// noopWriter mirrors an applied batch into the recipient's own oplog as
// no-op entries, one per donor entry, preserving session linkage so that
// retryable writes and transactions stay retryable after the migration.
//
// Slots are reserved for the whole batch up front; sessionless entries fan
// out across goroutines while each session's entries are written serially to
// keep its prev-write chain intact.
type noopWriter struct {
	migrationContext *base.MigrationContext
	localLog         storage.LocalLog
	sessions         *storage.SessionCatalog
}

func newNoopWriter(migrationContext *base.MigrationContext, localLog storage.LocalLog, sessions *storage.SessionCatalog) *noopWriter {
	return &noopWriter{
		migrationContext: migrationContext,
		localLog:         localLog,
		sessions:         sessions,
	}
}

type noopJob struct {
	entry *oplog.Entry
	slot  oplog.OpTime
	// marker is set for an otherwise-ignored transaction commit that still
	// writes its empty commit marker.
	marker bool
}

// WriteNoopEntries mirrors every non-skipped, non-ignored entry of the batch
// and returns the progress pair: the batch's final donor optime and the
// recipient optime of the last mirrored write. Resume-token no-ops are
// copied through but never count as progress.
func (w *noopWriter) WriteNoopEntries(ctx context.Context, batch *Batch) (oplog.OpTimePair, error) {
	var jobs []noopJob
	for i := range batch.Ops {
		op := &batch.Ops[i]
		if op.Skip {
			continue
		}
		if op.Ignore {
			if op.Entry.IsResumeTokenNoop() {
				jobs = append(jobs, noopJob{entry: &op.Entry})
			} else if op.Entry.IsTransactionCommit() && w.migrationContext.EmitMarkerForEmptyTransaction {
				jobs = append(jobs, noopJob{entry: &op.Entry, marker: true})
			}
			continue
		}
		jobs = append(jobs, noopJob{entry: &op.Entry})
	}

	pair := oplog.OpTimePair{Donor: batch.LastOpTime()}
	if len(jobs) == 0 {
		return pair, nil
	}

	slots := w.localLog.ReserveSlots(len(jobs))
	for i := range jobs {
		jobs[i].slot = slots[i]
		if !jobs[i].entry.IsResumeTokenNoop() {
			pair.Recipient = slots[i]
		}
	}

	var plain []noopJob
	sessionJobs := make(map[string][]noopJob)
	sessionOrder := []string{}
	for _, job := range jobs {
		if job.entry.SessionID != "" {
			if _, seen := sessionJobs[job.entry.SessionID]; !seen {
				sessionOrder = append(sessionOrder, job.entry.SessionID)
			}
			sessionJobs[job.entry.SessionID] = append(sessionJobs[job.entry.SessionID], job)
		} else {
			plain = append(plain, job)
		}
	}

	g, _ := errgroup.WithContext(ctx)

	numWorkers := w.migrationContext.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	chunkSize := len(plain) / numWorkers
	if chunkSize < w.migrationContext.MinOpsPerThread {
		chunkSize = w.migrationContext.MinOpsPerThread
	}
	if chunkSize < 1 {
		chunkSize = 1
	}
	for start := 0; start < len(plain); start += chunkSize {
		end := start + chunkSize
		if end > len(plain) {
			end = len(plain)
		}
		chunk := plain[start:end]
		g.Go(func() error {
			for _, job := range chunk {
				if err := w.writePlainNoop(job); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for _, sessionID := range sessionOrder {
		jobs := sessionJobs[sessionID]
		g.Go(func() error {
			return w.writeSessionNoops(jobs)
		})
	}
	if err := g.Wait(); err != nil {
		return oplog.OpTimePair{}, err
	}
	return pair, nil
}

func (w *noopWriter) baseNoop(entry *oplog.Entry, slot oplog.OpTime) oplog.Entry {
	migrationID := w.migrationContext.MigrationUUID
	return oplog.Entry{
		OpTime:          slot,
		Op:              oplog.OpTypeNoop,
		Namespace:       entry.Namespace,
		UUID:            entry.UUID,
		FromMigrationID: &migrationID,
		WallClock:       entry.WallClock,
	}
}

func (w *noopWriter) writePlainNoop(job noopJob) error {
	noop := w.baseNoop(job.entry, job.slot)
	if job.entry.IsResumeTokenNoop() {
		// Passed through verbatim so the stream stays resumable, but it is
		// not donor history and carries no original entry.
		noop.Object = job.entry.Object
		return w.localLog.WriteAt(job.slot, noop)
	}
	original, err := job.entry.AsDocument()
	if err != nil {
		return errors.Wrapf(err, "rendering entry at %s for its no-op", job.entry.OpTime)
	}
	noop.Object = bson.D{}
	noop.Object2 = original
	return w.localLog.WriteAt(job.slot, noop)
}

// writeSessionNoops mirrors one session's entries in donor order, linking
// each no-op to the session's previous write and updating the session
// catalog as it goes.
func (w *noopWriter) writeSessionNoops(jobs []noopJob) error {
	// Recipient slots of pre/post image no-ops written earlier in this
	// batch, keyed by their donor optime.
	imageSlots := make(map[oplog.OpTime]oplog.OpTime)

	for _, job := range jobs {
		entry := job.entry
		noop := w.baseNoop(entry, job.slot)
		noop.SessionID = entry.SessionID
		noop.TxnNumber = entry.TxnNumber

		if job.marker || entry.IsTransactionCommit() {
			// One marker per committed transaction. The individual
			// operations live on as regular collection writes; only the
			// commit itself needs a session-visible record.
			noop.Object = bson.D{{Key: oplog.CommandApplyOps, Value: bson.A{}}}
			if err := w.localLog.WriteAt(job.slot, noop); err != nil {
				return err
			}
			w.sessions.OnWriteCompleted(entry.SessionID, *entry.TxnNumber, nil, job.slot, entry.OpTime, true)
			w.sessions.Invalidate(entry.SessionID)
			continue
		}

		switch oplog.ClassifySessionEntry(entry) {
		case oplog.SessionEntryRetryableWritePrePostImage:
			original, err := entry.AsDocument()
			if err != nil {
				return errors.Wrapf(err, "rendering image entry at %s", entry.OpTime)
			}
			noop.Object = original
			// Image no-ops carry no session chain linkage of their own; the
			// write that references them does.
			noop.SessionID = ""
			noop.TxnNumber = nil
			if err := w.localLog.WriteAt(job.slot, noop); err != nil {
				return err
			}
			imageSlots[entry.OpTime] = job.slot

		case oplog.SessionEntryPreviouslyWrappedRetryableWrite:
			// Already wrapped by an earlier migration: keep the innermost
			// original rather than nesting another layer.
			noop.Object = bson.D{}
			noop.Object2 = entry.Object2
			noop.StatementIDs = entry.StatementIDs
			if err := w.writeRetryableNoop(entry, noop, imageSlots, job.slot); err != nil {
				return err
			}

		case oplog.SessionEntryRetryableWrite:
			original, err := entry.AsDocument()
			if err != nil {
				return errors.Wrapf(err, "rendering entry at %s for its no-op", entry.OpTime)
			}
			noop.Object = bson.D{}
			noop.Object2 = original
			noop.StatementIDs = entry.StatementIDs
			if err := w.writeRetryableNoop(entry, noop, imageSlots, job.slot); err != nil {
				return err
			}

		default:
			// A partial transaction entry contributes its operations at
			// commit time; until then it is mirrored without session
			// linkage so the chain stays anchored at the commit marker.
			original, err := entry.AsDocument()
			if err != nil {
				return errors.Wrapf(err, "rendering entry at %s for its no-op", entry.OpTime)
			}
			noop.SessionID = ""
			noop.TxnNumber = nil
			noop.Object = bson.D{}
			noop.Object2 = original
			if err := w.localLog.WriteAt(job.slot, noop); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *noopWriter) writeRetryableNoop(entry *oplog.Entry, noop oplog.Entry, imageSlots map[oplog.OpTime]oplog.OpTime, slot oplog.OpTime) error {
	if entry.PreImageOpTime != nil {
		recipientOpTime, ok := imageSlots[*entry.PreImageOpTime]
		if !ok {
			return errors.Errorf("entry at %s references a pre-image at %s outside its batch", entry.OpTime, *entry.PreImageOpTime)
		}
		noop.PreImageOpTime = &recipientOpTime
	}
	if entry.PostImageOpTime != nil {
		recipientOpTime, ok := imageSlots[*entry.PostImageOpTime]
		if !ok {
			return errors.Errorf("entry at %s references a post-image at %s outside its batch", entry.OpTime, *entry.PostImageOpTime)
		}
		noop.PostImageOpTime = &recipientOpTime
	}

	prev := w.sessionChainLink(entry)
	noop.PrevWriteOpTime = &prev
	if err := w.localLog.WriteAt(slot, noop); err != nil {
		return err
	}
	w.sessions.OnWriteCompleted(entry.SessionID, *entry.TxnNumber, entry.StatementIDs, slot, entry.OpTime, false)
	return nil
}

// sessionChainLink resolves the prev-write optime for a retryable write's
// no-op. A recorded last write at or below the clone point refers to donor
// history that does not exist on the recipient, so the chain restarts.
func (w *noopWriter) sessionChainLink(entry *oplog.Entry) oplog.OpTime {
	record, ok := w.sessions.Lookup(entry.SessionID)
	if !ok || entry.TxnNumber == nil || record.TxnNumber != *entry.TxnNumber {
		return oplog.ZeroOpTime
	}
	if record.LastWriteOpTime.IsZero() ||
		record.LastWriteOpTime.Compare(w.migrationContext.CloneFinishedRecipientOpTime) <= 0 {
		return oplog.ZeroOpTime
	}
	return record.LastWriteOpTime
}
