/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/openmigrate/oplog-relay/go/base"
	"github.com/openmigrate/oplog-relay/go/oplog"
	"github.com/openmigrate/oplog-relay/go/storage"
)

// Applier is the oplog application pipeline of one migration: it drains the
// donor entry buffer, assembles batches, applies them in parallel, mirrors
// them into the recipient's oplog, and publishes progress. One batch is
// prefetched while its predecessor is being applied.
//
// The pipeline runs until the buffer closes, a batch fails, or Shutdown is
// called; shutdown takes effect between batches, never inside one.
type Applier struct {
	migrationContext *base.MigrationContext
	buffer           *oplog.Buffer
	notifier         *ProgressNotifier
	hooks            *TestHooks

	batcher    *Batcher
	engine     *applyEngine
	noopWriter *noopWriter

	cancel   context.CancelFunc
	finished chan struct{}

	mu       sync.Mutex
	started  bool
	finalErr error
}

func NewApplier(
	migrationContext *base.MigrationContext,
	buffer *oplog.Buffer,
	target storage.ApplyTarget,
	localLog storage.LocalLog,
	sessions *storage.SessionCatalog,
	hooks *TestHooks,
) *Applier {
	return &Applier{
		migrationContext: migrationContext,
		buffer:           buffer,
		notifier:         NewProgressNotifier(),
		hooks:            hooks,
		batcher:          NewBatcher(migrationContext, buffer),
		engine:           newApplyEngine(migrationContext, target, sessions, hooks),
		noopWriter:       newNoopWriter(migrationContext, localLog, sessions),
		finished:         make(chan struct{}),
	}
}

// Start validates the migration's preconditions and launches the pipeline.
func (applier *Applier) Start() error {
	applier.mu.Lock()
	defer applier.mu.Unlock()
	if applier.started {
		return errors.New("applier already started")
	}
	if err := base.ValidateDonorVersion(applier.migrationContext.DonorVersion); err != nil {
		return err
	}
	applier.started = true

	ctx, cancel := context.WithCancel(context.Background())
	applier.cancel = cancel
	go applier.run(ctx)
	return nil
}

// Shutdown asks the pipeline to stop after the batch currently in flight.
// It does not wait; pair with Join.
func (applier *Applier) Shutdown() {
	applier.mu.Lock()
	defer applier.mu.Unlock()
	if applier.cancel != nil {
		applier.cancel()
	}
}

// Join blocks until the pipeline has stopped and returns its terminal
// status: ErrApplierShutdown after a requested stop, the buffer's closing
// error when the stream ended, or the failure that killed a batch.
func (applier *Applier) Join() error {
	<-applier.finished
	applier.mu.Lock()
	defer applier.mu.Unlock()
	return applier.finalErr
}

// WaitForOpTime blocks until all donor entries up to donorOpTime have been
// applied and mirrored.
func (applier *Applier) WaitForOpTime(ctx context.Context, donorOpTime oplog.OpTime) (oplog.OpTimePair, error) {
	return applier.notifier.WaitForOpTime(ctx, donorOpTime)
}

// NumOpsApplied returns the number of donor operations applied so far.
func (applier *Applier) NumOpsApplied() int64 {
	return applier.migrationContext.GetTotalOpsApplied()
}

type batchResult struct {
	batch *Batch
	err   error
}

func (applier *Applier) run(ctx context.Context) {
	var err error
	defer func() {
		applier.mu.Lock()
		applier.finalErr = err
		applier.mu.Unlock()
		applier.notifier.Terminate(err)
		close(applier.finished)
	}()

	// The batcher assembles batch N+1 while batch N is being applied.
	batches := make(chan batchResult, 1)
	go func() {
		defer close(batches)
		for {
			limits := BatchLimits{
				Bytes: applier.migrationContext.GetBatchSizeBytes(),
				Ops:   applier.migrationContext.GetBatchSizeOps(),
			}
			batch, batchErr := applier.batcher.NextBatch(ctx, limits)
			select {
			case batches <- batchResult{batch: batch, err: batchErr}:
			case <-ctx.Done():
				return
			}
			if batchErr != nil {
				return
			}
		}
	}()

	lastPair := oplog.OpTimePair{
		Donor:     applier.migrationContext.StartApplyingAfterOpTime,
		Recipient: applier.migrationContext.CloneFinishedRecipientOpTime,
	}
	for {
		select {
		case <-ctx.Done():
			err = ErrApplierShutdown
			return
		case result, ok := <-batches:
			if !ok {
				err = ErrApplierShutdown
				return
			}
			if result.err != nil {
				if errors.Is(result.err, context.Canceled) {
					err = ErrApplierShutdown
				} else {
					err = result.err
				}
				return
			}
			pair, applyErr := applier.processBatch(ctx, result.batch)
			if applyErr != nil {
				if errors.Is(applyErr, context.Canceled) {
					err = ErrApplierShutdown
				} else {
					err = applyErr
					applier.migrationContext.Log.Errorf("migration %s: batch [%s..%s] failed: %+v",
						applier.migrationContext.MigrationUUID, result.batch.FirstOpTime(), result.batch.LastOpTime(), applyErr)
				}
				return
			}
			// A batch of pure resume markers advances no recipient write.
			if pair.Recipient.IsZero() {
				pair.Recipient = lastPair.Recipient
			}
			lastPair = pair
			if applier.hooks != nil && applier.hooks.AfterBatchApplied != nil {
				applier.hooks.AfterBatchApplied(result.batch, pair)
			}
			applier.notifier.Publish(pair)
			applier.migrationContext.Log.Debugf("migration %s: applied batch through donor %s, recipient %s",
				applier.migrationContext.MigrationUUID, pair.Donor, pair.Recipient)
		}
	}
}

func (applier *Applier) processBatch(ctx context.Context, batch *Batch) (oplog.OpTimePair, error) {
	if err := applier.engine.ApplyBatch(ctx, batch); err != nil {
		return oplog.OpTimePair{}, err
	}
	return applier.noopWriter.WriteNoopEntries(ctx, batch)
}
