/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"github.com/pkg/errors"

	"github.com/openmigrate/oplog-relay/go/base"
	"github.com/openmigrate/oplog-relay/go/oplog"
)

var internalDatabases = map[string]bool{
	"admin":  true,
	"config": true,
	"local":  true,
}

// partitionBatch distributes a batch's operations across numWriters ordered
// vectors. Each vector holds indices into batch.Ops and preserves donor
// order within itself. All operations of a session land on the same writer
// so their per-session ordering survives parallel apply; sessionless
// operations go to whichever writer currently carries the least work.
//
// Operations that must not touch recipient collections are flagged Ignore
// in place before assignment.
func partitionBatch(migrationContext *base.MigrationContext, batch *Batch, numWriters int) ([][]int, error) {
	if numWriters < 1 {
		numWriters = 1
	}
	if err := markIgnoredOps(migrationContext, batch); err != nil {
		return nil, err
	}

	vectors := make([][]int, numWriters)
	weights := make([]int64, numWriters)
	sessionWriters := make(map[string]int)

	leastLoaded := func() int {
		writer := 0
		for i := 1; i < numWriters; i++ {
			if weights[i] < weights[writer] {
				writer = i
			}
		}
		return writer
	}

	for i := range batch.Ops {
		op := &batch.Ops[i]
		weight := op.Entry.EstimatedSize()
		if op.ExpansionsIndex >= 0 {
			for j := range batch.Expansions[op.ExpansionsIndex] {
				weight += batch.Expansions[op.ExpansionsIndex][j].EstimatedSize()
			}
		}

		var writer int
		if op.Entry.SessionID != "" {
			assigned, ok := sessionWriters[op.Entry.SessionID]
			if !ok {
				assigned = leastLoaded()
				sessionWriters[op.Entry.SessionID] = assigned
			}
			writer = assigned
		} else {
			writer = leastLoaded()
		}
		vectors[writer] = append(vectors[writer], i)
		weights[writer] += weight
	}
	return vectors, nil
}

// markIgnoredOps flags operations the apply engine must treat as no-work.
// Under the multitenant protocol any namespace outside the migrating tenant
// is a fatal boundary violation; under shard merge, internal databases are
// simply not part of the migration and their entries are ignored. An
// operation is only ignored wholesale: a transaction mixing in-scope and
// ignorable namespaces is fatal, never partially dropped.
func markIgnoredOps(migrationContext *base.MigrationContext, batch *Batch) error {
	for i := range batch.Ops {
		op := &batch.Ops[i]
		// A transaction entry's own namespace is the admin command namespace;
		// tenant scope is judged on the operations inside it.
		var nsList []string
		if !op.Entry.IsTransactionEntry() {
			nsList = append(nsList, op.Entry.Namespace)
		}
		if op.ExpansionsIndex >= 0 {
			for j := range batch.Expansions[op.ExpansionsIndex] {
				nsList = append(nsList, batch.Expansions[op.ExpansionsIndex][j].Namespace)
			}
		}
		ignorableNs := ""
		ignorable, inScope := false, false
		for _, ns := range nsList {
			ignore, err := classifyNamespace(migrationContext, &op.Entry, ns)
			if err != nil {
				return err
			}
			if ignore {
				ignorable = true
				ignorableNs = ns
			} else if ns != "" {
				inScope = true
			}
		}
		if !ignorable {
			continue
		}
		if inScope {
			return errors.Wrapf(
				&TenantBoundaryError{Namespace: ignorableNs, TenantID: migrationContext.TenantID},
				"transaction at %s mixes in-scope and out-of-scope namespaces", op.Entry.OpTime)
		}
		op.Ignore = true
	}
	return nil
}

func classifyNamespace(migrationContext *base.MigrationContext, entry *oplog.Entry, ns string) (ignore bool, err error) {
	if ns == "" {
		// Pure session bookkeeping (e.g. an empty commitTransaction) has no
		// namespace and belongs to no collection.
		return false, nil
	}
	db := oplog.DatabaseOf(ns)
	if entry.IsResumeTokenNoop() {
		return true, nil
	}
	switch migrationContext.Protocol {
	case base.ProtocolShardMerge:
		if internalDatabases[db] {
			return true, nil
		}
		return false, nil
	default:
		if !oplog.NamespaceForTenant(ns, migrationContext.TenantID) {
			return false, &TenantBoundaryError{Namespace: ns, TenantID: migrationContext.TenantID}
		}
		return false, nil
	}
}

// checkOpsBelongToTenant is the batch-level guard run before apply under the
// multitenant protocol: every namespace in the batch, including unwound
// transaction operations, must carry the migrating tenant's prefix.
func checkOpsBelongToTenant(migrationContext *base.MigrationContext, batch *Batch) error {
	if migrationContext.Protocol == base.ProtocolShardMerge {
		return nil
	}
	for i := range batch.Ops {
		op := &batch.Ops[i]
		if op.Ignore {
			continue
		}
		if !op.Entry.IsTransactionEntry() {
			if err := namespaceBelongsToTenant(migrationContext, op.Entry.Namespace); err != nil {
				return err
			}
		}
		if op.ExpansionsIndex >= 0 {
			for j := range batch.Expansions[op.ExpansionsIndex] {
				if err := namespaceBelongsToTenant(migrationContext, batch.Expansions[op.ExpansionsIndex][j].Namespace); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func namespaceBelongsToTenant(migrationContext *base.MigrationContext, ns string) error {
	if ns == "" {
		return nil
	}
	if !oplog.NamespaceForTenant(ns, migrationContext.TenantID) {
		return &TenantBoundaryError{Namespace: ns, TenantID: migrationContext.TenantID}
	}
	return nil
}
