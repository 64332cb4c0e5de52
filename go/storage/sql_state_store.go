/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package storage

import (
	gosql "database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/openark/golib/sqlutils"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/openmigrate/oplog-relay/go/oplog"
)

const stateTableName = "migration_state"

// SQLStateStore persists migration state documents in a MySQL table, one row
// per migration. It backs restart recovery of the access blocker registry.
type SQLStateStore struct {
	db     *gosql.DB
	schema string
}

// NewSQLStateStore connects using the given DSN and ensures the state table
// exists in the given schema.
func NewSQLStateStore(dsn string, schema string) (*SQLStateStore, error) {
	db, _, err := sqlutils.GetDB(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting state store")
	}
	store := &SQLStateStore{db: db, schema: schema}
	if err := store.createTable(); err != nil {
		return nil, err
	}
	return store, nil
}

func (this *SQLStateStore) createTable() error {
	query := fmt.Sprintf(`create table if not exists %s.%s (
			migration_uuid varchar(36) not null,
			protocol varchar(32) not null,
			tenant_id varchar(255) not null,
			phase varchar(16) not null,
			block_ts_t bigint unsigned null,
			block_ts_i bigint unsigned null,
			reject_reads_before_ts_t bigint unsigned null,
			reject_reads_before_ts_i bigint unsigned null,
			commit_ts_t bigint unsigned null,
			commit_ts_i bigint unsigned null,
			start_applying_ts_t bigint unsigned not null,
			start_applying_ts_i bigint unsigned not null,
			start_applying_term bigint not null,
			clone_finished_ts_t bigint unsigned not null,
			clone_finished_ts_i bigint unsigned not null,
			clone_finished_term bigint not null,
			import_completed tinyint not null default 0,
			expire_at timestamp null,
			primary key(migration_uuid),
			key tenant_idx(tenant_id)
		)`,
		this.schema, stateTableName,
	)
	if _, err := sqlutils.ExecNoPrepare(this.db, query); err != nil {
		return errors.Wrap(err, "creating migration state table")
	}
	return nil
}

func nullableTimestamp(ts *primitive.Timestamp) (interface{}, interface{}) {
	if ts == nil {
		return nil, nil
	}
	return ts.T, ts.I
}

func (this *SQLStateStore) Upsert(doc *MigrationStateDocument) error {
	query := fmt.Sprintf(`replace into %s.%s (
			migration_uuid, protocol, tenant_id, phase,
			block_ts_t, block_ts_i,
			reject_reads_before_ts_t, reject_reads_before_ts_i,
			commit_ts_t, commit_ts_i,
			start_applying_ts_t, start_applying_ts_i, start_applying_term,
			clone_finished_ts_t, clone_finished_ts_i, clone_finished_term,
			import_completed, expire_at
		) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		this.schema, stateTableName,
	)
	blockT, blockI := nullableTimestamp(doc.BlockTimestamp)
	rejectT, rejectI := nullableTimestamp(doc.RejectReadsBeforeTimestamp)
	commitT, commitI := nullableTimestamp(doc.CommitTimestamp)
	var expireAt interface{}
	if doc.ExpireAt != nil {
		expireAt = doc.ExpireAt.UTC()
	}
	_, err := sqlutils.ExecNoPrepare(this.db, query,
		doc.MigrationUUID.String(), doc.Protocol, doc.TenantID, doc.Phase,
		blockT, blockI,
		rejectT, rejectI,
		commitT, commitI,
		doc.StartApplyingAfterOpTime.Timestamp.T, doc.StartApplyingAfterOpTime.Timestamp.I, doc.StartApplyingAfterOpTime.Term,
		doc.CloneFinishedRecipientOpTime.Timestamp.T, doc.CloneFinishedRecipientOpTime.Timestamp.I, doc.CloneFinishedRecipientOpTime.Term,
		doc.ImportCompleted, expireAt,
	)
	return errors.Wrapf(err, "upserting state document for migration %s", doc.MigrationUUID)
}

func scanTimestamp(m sqlutils.RowMap, tKey, iKey string) *primitive.Timestamp {
	if m.GetString(tKey) == "" {
		return nil
	}
	return &primitive.Timestamp{T: uint32(m.GetInt64(tKey)), I: uint32(m.GetInt64(iKey))}
}

func (this *SQLStateStore) scanDocument(m sqlutils.RowMap) (*MigrationStateDocument, error) {
	migrationUUID, err := uuid.Parse(m.GetString("migration_uuid"))
	if err != nil {
		return nil, errors.Wrap(err, "state row has malformed migration_uuid")
	}
	doc := &MigrationStateDocument{
		MigrationUUID:              migrationUUID,
		Protocol:                   m.GetString("protocol"),
		TenantID:                   m.GetString("tenant_id"),
		Phase:                      m.GetString("phase"),
		BlockTimestamp:             scanTimestamp(m, "block_ts_t", "block_ts_i"),
		RejectReadsBeforeTimestamp: scanTimestamp(m, "reject_reads_before_ts_t", "reject_reads_before_ts_i"),
		CommitTimestamp:            scanTimestamp(m, "commit_ts_t", "commit_ts_i"),
		StartApplyingAfterOpTime: oplog.OpTime{
			Timestamp: primitive.Timestamp{T: uint32(m.GetInt64("start_applying_ts_t")), I: uint32(m.GetInt64("start_applying_ts_i"))},
			Term:      m.GetInt64("start_applying_term"),
		},
		CloneFinishedRecipientOpTime: oplog.OpTime{
			Timestamp: primitive.Timestamp{T: uint32(m.GetInt64("clone_finished_ts_t")), I: uint32(m.GetInt64("clone_finished_ts_i"))},
			Term:      m.GetInt64("clone_finished_term"),
		},
		ImportCompleted: m.GetBool("import_completed"),
	}
	if s := m.GetString("expire_at"); s != "" {
		if expireAt, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
			doc.ExpireAt = &expireAt
		}
	}
	return doc, nil
}

func (this *SQLStateStore) Load(migrationUUID uuid.UUID) (*MigrationStateDocument, error) {
	query := fmt.Sprintf(`select * from %s.%s where migration_uuid = ?`, this.schema, stateTableName)
	var doc *MigrationStateDocument
	err := sqlutils.QueryRowsMap(this.db, query, func(m sqlutils.RowMap) error {
		var scanErr error
		doc, scanErr = this.scanDocument(m)
		return scanErr
	}, migrationUUID.String())
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.Wrapf(ErrStateDocNotFound, "migration %s", migrationUUID)
	}
	return doc, nil
}

func (this *SQLStateStore) LoadActive() ([]*MigrationStateDocument, error) {
	query := fmt.Sprintf(`select * from %s.%s where expire_at is null`, this.schema, stateTableName)
	var docs []*MigrationStateDocument
	err := sqlutils.QueryRowsMap(this.db, query, func(m sqlutils.RowMap) error {
		doc, scanErr := this.scanDocument(m)
		if scanErr != nil {
			return scanErr
		}
		docs = append(docs, doc)
		return nil
	})
	return docs, err
}

func (this *SQLStateStore) Remove(migrationUUID uuid.UUID) error {
	query := fmt.Sprintf(`delete from %s.%s where migration_uuid = ?`, this.schema, stateTableName)
	_, err := sqlutils.ExecNoPrepare(this.db, query, migrationUUID.String())
	return errors.Wrapf(err, "removing state document for migration %s", migrationUUID)
}
