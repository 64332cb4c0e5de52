/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"github.com/openmigrate/oplog-relay/go/oplog"
)

// TestHooks lets tests observe and perturb the pipeline at its seams. All
// fields are optional; a nil hook is never called.
type TestHooks struct {
	// BeforeApplyOp runs before each operation is applied to the target.
	// Returning an error fails the writer that was about to apply it.
	BeforeApplyOp func(entry *oplog.Entry) error

	// AfterBatchApplied runs after a batch has been applied and mirrored,
	// before its progress mark is published.
	AfterBatchApplied func(batch *Batch, pair oplog.OpTimePair)
}
