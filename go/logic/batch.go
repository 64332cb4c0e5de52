/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"github.com/openmigrate/oplog-relay/go/oplog"
)

// BatchLimits bounds one assembled batch.
type BatchLimits struct {
	Bytes int64
	Ops   int64
}

// BatchOp is one donor entry within a batch, plus the flags the partitioner
// and apply engine attach while processing it.
type BatchOp struct {
	Entry oplog.Entry

	// ExpansionsIndex points into Batch.Expansions for transaction commits,
	// -1 otherwise.
	ExpansionsIndex int

	// Ignore marks entries outside the migration's tenant scope: no data
	// apply, and no mirrored no-op (except the empty-transaction marker
	// policy, see the history rewriter).
	Ignore bool

	// Skip marks re-delivered, already-applied session entries: no data
	// apply and no mirrored no-op, positional bookkeeping only.
	Skip bool
}

// Batch is one unit of pipeline work: an ordered run of donor entries and
// the unwound operations of any transactions committed within it. Produced
// by the batcher, consumed once, then discarded.
type Batch struct {
	Ops        []BatchOp
	Expansions [][]oplog.Entry

	byteSize int64
}

func (b *Batch) Empty() bool {
	return len(b.Ops) == 0
}

// FirstOpTime and LastOpTime bracket the batch in donor order.
func (b *Batch) FirstOpTime() oplog.OpTime {
	if b.Empty() {
		return oplog.ZeroOpTime
	}
	return b.Ops[0].Entry.OpTime
}

func (b *Batch) LastOpTime() oplog.OpTime {
	if b.Empty() {
		return oplog.ZeroOpTime
	}
	return b.Ops[len(b.Ops)-1].Entry.OpTime
}
