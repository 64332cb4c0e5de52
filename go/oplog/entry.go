/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package oplog

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// OpType is the operation kind carried by an oplog entry.
type OpType string

const (
	OpTypeInsert  OpType = "i"
	OpTypeUpdate  OpType = "u"
	OpTypeDelete  OpType = "d"
	OpTypeCommand OpType = "c"
	OpTypeNoop    OpType = "n"
)

// Command names we care about. The command name is the first key of the
// entry's 'o' document.
const (
	CommandApplyOps          = "applyOps"
	CommandCommitTransaction = "commitTransaction"
	CommandAbortTransaction  = "abortTransaction"
	CommandCreateIndexes     = "createIndexes"
	CommandDropIndexes       = "dropIndexes"
	CommandCreate            = "create"
	CommandDrop              = "drop"
	CommandStartIndexBuild   = "startIndexBuild"
	CommandCommitIndexBuild  = "commitIndexBuild"
	CommandAbortIndexBuild   = "abortIndexBuild"
)

// ResumeTokenNoopMsg marks the synthetic no-op entries the recipient service
// interleaves into the donor stream so that batching can resume mid-stream.
// These entries are never applied and never mirrored.
const ResumeTokenNoopMsg = "recipient migration resume token"

// Entry is a single donor oplog entry. Immutable once read off the donor.
type Entry struct {
	OpTime    OpTime     `bson:"opTime"`
	Op        OpType     `bson:"op"`
	Namespace string     `bson:"ns"`
	UUID      *uuid.UUID `bson:"ui,omitempty"`

	// Object is the operation document ('o'); Object2 ('o2') carries the
	// update criteria, or the original entry for wrapped no-ops.
	Object  bson.D `bson:"o"`
	Object2 bson.D `bson:"o2,omitempty"`

	// Session linkage for retryable writes and transactions.
	SessionID    string  `bson:"lsid,omitempty"`
	TxnNumber    *int64  `bson:"txnNumber,omitempty"`
	StatementIDs []int32 `bson:"stmtId,omitempty"`

	PreImageOpTime  *OpTime `bson:"preImageOpTime,omitempty"`
	PostImageOpTime *OpTime `bson:"postImageOpTime,omitempty"`
	PrevWriteOpTime *OpTime `bson:"prevOpTime,omitempty"`

	PartialTxn bool `bson:"partialTxn,omitempty"`
	Prepare    bool `bson:"prepare,omitempty"`

	// FromMigrationID is set on entries that were themselves produced by an
	// earlier migration's history rewrite.
	FromMigrationID *uuid.UUID `bson:"fromTenantMigration,omitempty"`
	FromMigrate     bool       `bson:"fromMigrate,omitempty"`

	WallClock time.Time `bson:"wall"`
}

// SessionEntryType classifies an entry that carries a session id.
type SessionEntryType int

const (
	// SessionEntryTransaction is the final applyOps or explicit commit of a
	// multi-statement transaction.
	SessionEntryTransaction SessionEntryType = iota
	SessionEntryPartialTransaction
	SessionEntryRetryableWrite
	// SessionEntryRetryableWritePrePostImage is the pre- or post-image no-op
	// preceding a retryable findAndModify entry.
	SessionEntryRetryableWritePrePostImage
	// SessionEntryPreviouslyWrappedRetryableWrite is a no-op produced by an
	// earlier migration's rewrite; it must not be wrapped a second time.
	SessionEntryPreviouslyWrappedRetryableWrite
)

// CommandName returns the first key of the 'o' document for command entries,
// or the empty string otherwise.
func (e *Entry) CommandName() string {
	if e.Op != OpTypeCommand || len(e.Object) == 0 {
		return ""
	}
	return e.Object[0].Key
}

func (e *Entry) IsCommand() bool {
	return e.Op == OpTypeCommand
}

// IsIndexCommand reports whether the entry carries any index-related command.
func (e *Entry) IsIndexCommand() bool {
	switch e.CommandName() {
	case CommandCreateIndexes, CommandDropIndexes, CommandStartIndexBuild,
		CommandCommitIndexBuild, CommandAbortIndexBuild:
		return true
	}
	return false
}

// IsTransactionEntry reports whether the entry is part of a multi-statement
// transaction, as opposed to a retryable write on the same session.
func (e *Entry) IsTransactionEntry() bool {
	if e.PartialTxn {
		return true
	}
	if e.TxnNumber == nil {
		return false
	}
	switch e.CommandName() {
	case CommandApplyOps, CommandCommitTransaction, CommandAbortTransaction:
		return true
	}
	return false
}

// IsTransactionCommit reports whether this entry completes a transaction:
// the final applyOps, or an explicit commitTransaction.
func (e *Entry) IsTransactionCommit() bool {
	if e.TxnNumber == nil || e.PartialTxn {
		return false
	}
	switch e.CommandName() {
	case CommandApplyOps, CommandCommitTransaction:
		return true
	}
	return false
}

func (e *Entry) isRetryableWriteEntry() bool {
	return len(e.StatementIDs) > 0 && !e.IsTransactionEntry()
}

// ClassifySessionEntry buckets a session-bearing entry for the history
// rewrite. Callers must ensure e.SessionID is set.
func ClassifySessionEntry(e *Entry) SessionEntryType {
	if e.IsTransactionCommit() {
		return SessionEntryTransaction
	}
	if e.isRetryableWriteEntry() && e.Op == OpTypeNoop {
		// A no-op retryable write is either a pre/post image (empty 'o2') or
		// an entry already wrapped by a previous migration.
		if len(e.Object2) > 0 {
			return SessionEntryPreviouslyWrappedRetryableWrite
		}
		return SessionEntryRetryableWritePrePostImage
	}
	if e.isRetryableWriteEntry() {
		return SessionEntryRetryableWrite
	}
	return SessionEntryPartialTransaction
}

// IsResumeTokenNoop reports whether the entry is a recipient-generated resume
// marker rather than a donor write.
func (e *Entry) IsResumeTokenNoop() bool {
	if e.Op != OpTypeNoop {
		return false
	}
	for _, el := range e.Object {
		if el.Key == "msg" {
			s, ok := el.Value.(string)
			return ok && s == ResumeTokenNoopMsg
		}
	}
	return false
}

// AsDocument renders the entry as a bson document, the shape the history
// rewriter embeds into a mirrored no-op's 'o2' field.
func (e *Entry) AsDocument() (bson.D, error) {
	raw, err := bson.Marshal(e)
	if err != nil {
		return nil, err
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// EstimatedSize approximates the entry's wire size for batch byte limits.
func (e *Entry) EstimatedSize() int64 {
	size := int64(128 + len(e.Namespace) + len(e.SessionID))
	if raw, err := bson.Marshal(e.Object); err == nil {
		size += int64(len(raw))
	}
	if len(e.Object2) > 0 {
		if raw, err := bson.Marshal(e.Object2); err == nil {
			size += int64(len(raw))
		}
	}
	return size
}

// DatabaseOf returns the database portion of a "db.coll" namespace.
func DatabaseOf(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[:i]
	}
	return ns
}

// TenantFromNamespace extracts the tenant id prefix from a namespace whose
// database is named "<tenantId>_<db>". Returns "" when the database carries
// no tenant prefix.
func TenantFromNamespace(ns string) string {
	db := DatabaseOf(ns)
	if i := strings.Index(db, "_"); i > 0 {
		return db[:i]
	}
	return ""
}

// NamespaceForTenant reports whether ns belongs to the given tenant.
func NamespaceForTenant(ns, tenantID string) bool {
	return tenantID != "" && strings.HasPrefix(DatabaseOf(ns), tenantID+"_")
}
