/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package base

import (
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ini/ini"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/openmigrate/oplog-relay/go/oplog"
)

// MigrationProtocol selects which donor entries are in scope for a migration.
type MigrationProtocol string

const (
	// ProtocolMultitenant migrates a single tenant; every streamed entry is
	// expected to belong to that tenant.
	ProtocolMultitenant MigrationProtocol = "multitenant"
	// ProtocolShardMerge migrates all tenants owned by the migration; entries
	// targeting internal namespaces are filtered, not fatal.
	ProtocolShardMerge MigrationProtocol = "shard-merge"
)

const (
	DefaultBatchSizeBytes  = 16 * 1024 * 1024
	DefaultBatchSizeOps    = 500
	DefaultNumWorkers      = 8
	DefaultMinOpsPerThread = 16

	// MinDonorVersion is the oldest donor release whose oplog stream we
	// know how to mirror.
	MinDonorVersion = "5.0.0"
)

var envVariableRegexp = regexp.MustCompile("[$][{](.*)[}]")

// MigrationContext carries the shared state of one migration attempt. It is
// created by the orchestration task and handed to every component.
type MigrationContext struct {
	MigrationUUID uuid.UUID
	Protocol      MigrationProtocol
	// TenantID is set for multitenant migrations and empty for shard merge.
	TenantID string

	// Clone handoff: apply only entries strictly after
	// StartApplyingAfterOpTime; nothing at or below
	// CloneFinishedRecipientOpTime is mirrored twice.
	StartApplyingAfterOpTime     oplog.OpTime
	CloneFinishedRecipientOpTime oplog.OpTime
	ResumeBatchingTimestamp      primitive.Timestamp

	BatchSizeBytes  int64
	BatchSizeOps    int64
	NumWorkers      int
	MinOpsPerThread int

	// EmitMarkerForEmptyTransaction controls whether a transaction whose
	// operations were all filtered out still writes its tenant-scoped
	// commit marker.
	EmitMarkerForEmptyTransaction bool

	DonorVersion  string
	StateStoreDSN string

	config      contextConfig
	configMutex sync.Mutex
	ConfigFile  string

	Log Logger

	StartTime time.Time

	pointOfInterestTime      time.Time
	pointOfInterestTimeMutex sync.Mutex

	totalOpsApplied     int64
	totalBatchesApplied int64
}

type contextConfig struct {
	StateStore struct {
		DSN string `ini:"dsn"`
	} `ini:"state_store"`
	Applier struct {
		BatchSizeBytes  int64 `ini:"batch_size_bytes"`
		BatchSizeOps    int64 `ini:"batch_size_ops"`
		NumWorkers      int   `ini:"num_workers"`
		MinOpsPerThread int   `ini:"min_ops_per_thread"`
	} `ini:"applier"`
}

func NewMigrationContext() *MigrationContext {
	return &MigrationContext{
		Protocol:        ProtocolMultitenant,
		BatchSizeBytes:  DefaultBatchSizeBytes,
		BatchSizeOps:    DefaultBatchSizeOps,
		NumWorkers:      DefaultNumWorkers,
		MinOpsPerThread: DefaultMinOpsPerThread,
		Log:             NewDefaultLogger(),
		StartTime:       time.Now(),
	}
}

// IsShardMerge is a convenience for the protocol checks sprinkled through
// the pipeline.
func (this *MigrationContext) IsShardMerge() bool {
	return this.Protocol == ProtocolShardMerge
}

func (this *MigrationContext) ElapsedTime() time.Duration {
	return time.Since(this.StartTime)
}

// MarkPointOfInterest marks a moment we may want to correlate logs around.
func (this *MigrationContext) MarkPointOfInterest() {
	this.pointOfInterestTimeMutex.Lock()
	defer this.pointOfInterestTimeMutex.Unlock()
	this.pointOfInterestTime = time.Now()
}

func (this *MigrationContext) TimeSincePointOfInterest() time.Duration {
	this.pointOfInterestTimeMutex.Lock()
	defer this.pointOfInterestTimeMutex.Unlock()
	return time.Since(this.pointOfInterestTime)
}

func (this *MigrationContext) GetTotalOpsApplied() int64 {
	return atomic.LoadInt64(&this.totalOpsApplied)
}

func (this *MigrationContext) AddOpsApplied(n int64) {
	atomic.AddInt64(&this.totalOpsApplied, n)
}

func (this *MigrationContext) GetTotalBatchesApplied() int64 {
	return atomic.LoadInt64(&this.totalBatchesApplied)
}

func (this *MigrationContext) IncrementBatchesApplied() {
	atomic.AddInt64(&this.totalBatchesApplied, 1)
}

func (this *MigrationContext) GetBatchSizeBytes() int64 {
	return atomic.LoadInt64(&this.BatchSizeBytes)
}

func (this *MigrationContext) GetBatchSizeOps() int64 {
	return atomic.LoadInt64(&this.BatchSizeOps)
}

// ReadConfigFile attempts to read the config file, if one was given.
// Values already set from the command line take precedence.
func (this *MigrationContext) ReadConfigFile() error {
	this.configMutex.Lock()
	defer this.configMutex.Unlock()

	if this.ConfigFile == "" {
		return nil
	}
	cfg, err := ini.LooseLoad(this.ConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.MapTo(&this.config); err != nil {
		return err
	}

	// We accept the DSN in the form "${SOME_ENV_VARIABLE}" in which case we
	// pull the given variable from os env.
	if submatch := envVariableRegexp.FindStringSubmatch(this.config.StateStore.DSN); len(submatch) > 1 {
		this.config.StateStore.DSN = os.Getenv(submatch[1])
	}

	if this.StateStoreDSN == "" {
		this.StateStoreDSN = this.config.StateStore.DSN
	}
	if this.config.Applier.BatchSizeBytes > 0 {
		atomic.StoreInt64(&this.BatchSizeBytes, this.config.Applier.BatchSizeBytes)
	}
	if this.config.Applier.BatchSizeOps > 0 {
		atomic.StoreInt64(&this.BatchSizeOps, this.config.Applier.BatchSizeOps)
	}
	if this.config.Applier.NumWorkers > 0 {
		this.NumWorkers = this.config.Applier.NumWorkers
	}
	if this.config.Applier.MinOpsPerThread > 0 {
		this.MinOpsPerThread = this.config.Applier.MinOpsPerThread
	}
	return nil
}
