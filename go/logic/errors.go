/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrApplierShutdown is the terminal status of an applier stopped by an
// explicit shutdown rather than a failure.
var ErrApplierShutdown = errors.New("tenant oplog applier shut down")

// ErrPreparedTransaction rejects entries of prepared transactions, which
// tenant oplog application does not support.
var ErrPreparedTransaction = errors.New("tenant oplog application does not support prepared transactions")

// TenantBoundaryError is fatal: an entry or transaction touched a namespace
// outside the migration's tenant scope.
type TenantBoundaryError struct {
	Namespace string
	TenantID  string
}

func (e *TenantBoundaryError) Error() string {
	return fmt.Sprintf("namespace %q does not belong to tenant %q being migrated", e.Namespace, e.TenantID)
}

// IsTenantBoundaryViolation reports whether err is a TenantBoundaryError
// anywhere in its chain.
func IsTenantBoundaryViolation(err error) bool {
	var boundaryErr *TenantBoundaryError
	return errors.As(err, &boundaryErr)
}

// DuplicateExecutionError is fatal: the donor delivered the same
// retryable-write statement twice, or replayed a transaction number. This is
// a protocol violation, never an idempotent retry.
type DuplicateExecutionError struct {
	SessionID   string
	TxnNumber   int64
	StatementID int32
}

func (e *DuplicateExecutionError) Error() string {
	return fmt.Sprintf("retryable write statement %d for transaction %d on session %s was already executed", e.StatementID, e.TxnNumber, e.SessionID)
}

// IsDuplicateExecution reports whether err carries a DuplicateExecutionError.
func IsDuplicateExecution(err error) bool {
	var dupErr *DuplicateExecutionError
	return errors.As(err, &dupErr)
}
