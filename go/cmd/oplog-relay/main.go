/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/openark/golib/log"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/openmigrate/oplog-relay/go/base"
	"github.com/openmigrate/oplog-relay/go/blocker"
	"github.com/openmigrate/oplog-relay/go/logic"
	"github.com/openmigrate/oplog-relay/go/oplog"
	"github.com/openmigrate/oplog-relay/go/storage"
)

var AppVersion string

// acceptSignals registers for OS signals
func acceptSignals(migrationContext *base.MigrationContext, applier *logic.Applier) {
	c := make(chan os.Signal, 1)

	signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range c {
			switch sig {
			case syscall.SIGHUP:
				log.Infof("Received SIGHUP. Reloading configuration")
				if err := migrationContext.ReadConfigFile(); err != nil {
					log.Errore(err)
				} else {
					migrationContext.MarkPointOfInterest()
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Infof("Received %s. Stopping after the batch in flight", sig)
				applier.Shutdown()
			}
		}
	}()
}

// parseTimestamp reads a "seconds,increment" pair.
func parseTimestamp(value string) (primitive.Timestamp, error) {
	var ts primitive.Timestamp
	if value == "" {
		return ts, nil
	}
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return ts, fmt.Errorf("expected <seconds>,<increment>, got %q", value)
	}
	t, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return ts, err
	}
	i, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return ts, err
	}
	ts.T = uint32(t)
	ts.I = uint32(i)
	return ts, nil
}

func main() {
	migrationContext := base.NewMigrationContext()

	migrationID := flag.String("migration-uuid", "", "unique id of this migration attempt (mandatory)")
	protocol := flag.String("protocol", string(base.ProtocolMultitenant), "migration protocol (multitenant|shard-merge)")
	flag.StringVar(&migrationContext.TenantID, "tenant", "", "tenant id being migrated (mandatory for the multitenant protocol)")
	flag.StringVar(&migrationContext.ConfigFile, "conf", "", "Config file")
	flag.StringVar(&migrationContext.StateStoreDSN, "state-store-dsn", "", "MySQL DSN for durable migration state; omit to keep state in memory")
	flag.StringVar(&migrationContext.DonorVersion, "donor-version", "", "donor server version, validated against the oldest supported release")

	startAfter := flag.String("start-applying-after", "", "donor timestamp (<seconds>,<increment>) below which entries were covered by the collection clone")
	cloneFinished := flag.String("clone-finished", "", "recipient timestamp (<seconds>,<increment>) at which the collection clone completed")
	resumeBatching := flag.String("resume-batching-at", "", "donor timestamp (<seconds>,<increment>) below which entries were already batched by a previous attempt")

	flag.Int64Var(&migrationContext.BatchSizeBytes, "batch-size-bytes", base.DefaultBatchSizeBytes, "upper bound on a batch's estimated byte size")
	flag.Int64Var(&migrationContext.BatchSizeOps, "batch-size-ops", base.DefaultBatchSizeOps, "upper bound on a batch's entry count")
	flag.IntVar(&migrationContext.NumWorkers, "workers", base.DefaultNumWorkers, "number of parallel apply writers")
	flag.IntVar(&migrationContext.MinOpsPerThread, "min-ops-per-thread", base.DefaultMinOpsPerThread, "minimum entries per history-rewrite goroutine")
	flag.BoolVar(&migrationContext.EmitMarkerForEmptyTransaction, "emit-empty-transaction-marker", false, "write a commit marker even for transactions whose operations were all filtered out")
	bufferCapacity := flag.Int("buffer-capacity", 4096, "capacity of the donor entry buffer")

	quiet := flag.Bool("quiet", false, "quiet")
	verbose := flag.Bool("verbose", false, "verbose")
	debug := flag.Bool("debug", false, "debug mode (very verbose)")
	stack := flag.Bool("stack", false, "add stack trace upon error")
	help := flag.Bool("help", false, "Display usage")
	version := flag.Bool("version", false, "Print version & exit")
	flag.Parse()

	if *help {
		fmt.Fprintf(os.Stderr, "Usage of oplog-relay:\n")
		flag.PrintDefaults()
		return
	}
	if *version {
		appVersion := AppVersion
		if appVersion == "" {
			appVersion = "unversioned"
		}
		fmt.Println(appVersion)
		return
	}

	log.SetLevel(log.ERROR)
	if *verbose {
		log.SetLevel(log.INFO)
	}
	if *debug {
		log.SetLevel(log.DEBUG)
	}
	if *stack {
		log.SetPrintStackTrace(*stack)
	}
	if *quiet {
		// Override!!
		log.SetLevel(log.ERROR)
	}

	if *migrationID == "" {
		log.Fatalf("--migration-uuid must be provided")
	}
	parsedID, err := uuid.Parse(*migrationID)
	if err != nil {
		log.Fatalf("--migration-uuid is not a valid uuid: %s", *migrationID)
	}
	migrationContext.MigrationUUID = parsedID

	switch base.MigrationProtocol(*protocol) {
	case base.ProtocolMultitenant:
		migrationContext.Protocol = base.ProtocolMultitenant
		if migrationContext.TenantID == "" {
			log.Fatalf("--tenant must be provided for the multitenant protocol")
		}
	case base.ProtocolShardMerge:
		migrationContext.Protocol = base.ProtocolShardMerge
		if migrationContext.TenantID != "" {
			log.Fatalf("--tenant and --protocol=shard-merge are mutually exclusive")
		}
	default:
		log.Fatalf("Unknown protocol: %s", *protocol)
	}

	if migrationContext.NumWorkers < 1 {
		log.Fatalf("--workers must be at least 1")
	}
	if migrationContext.MinOpsPerThread < 1 {
		log.Fatalf("--min-ops-per-thread must be at least 1")
	}

	if ts, err := parseTimestamp(*startAfter); err != nil {
		log.Fatale(err)
	} else {
		migrationContext.StartApplyingAfterOpTime = oplog.OpTime{Timestamp: ts}
	}
	if ts, err := parseTimestamp(*cloneFinished); err != nil {
		log.Fatale(err)
	} else {
		migrationContext.CloneFinishedRecipientOpTime = oplog.OpTime{Timestamp: ts}
	}
	if ts, err := parseTimestamp(*resumeBatching); err != nil {
		log.Fatale(err)
	} else {
		migrationContext.ResumeBatchingTimestamp = ts
	}
	if err := migrationContext.ReadConfigFile(); err != nil {
		log.Fatale(err)
	}

	var stateStore storage.StateStore
	if migrationContext.StateStoreDSN != "" {
		sqlStore, err := storage.NewSQLStateStore(migrationContext.StateStoreDSN, "oplog_relay")
		if err != nil {
			log.Fatale(err)
		}
		stateStore = sqlStore
	} else {
		log.Warningf("no --state-store-dsn given; migration state will not survive a restart")
		stateStore = storage.NewMemoryStateStore()
	}

	registry := blocker.NewRegistry(migrationContext.Log, stateStore)
	if err := registry.RecoverFromStateStore(); err != nil {
		log.Fatale(err)
	}

	buffer := oplog.NewBuffer(*bufferCapacity)
	localLog := storage.NewMemoryLog(migrationContext.CloneFinishedRecipientOpTime.Term)
	localLog.SetLastTimestamp(migrationContext.CloneFinishedRecipientOpTime.Timestamp)
	sessions := storage.NewSessionCatalog()
	target := storage.NewMemoryTarget()

	applier := logic.NewApplier(migrationContext, buffer, target, localLog, sessions, nil)

	log.Infof("starting oplog-relay %+v: migration %s, protocol %s", AppVersion, migrationContext.MigrationUUID, migrationContext.Protocol)
	if err := applier.Start(); err != nil {
		log.Fatale(err)
	}
	acceptSignals(migrationContext, applier)

	if err := applier.Join(); err != nil && err != logic.ErrApplierShutdown && err != oplog.ErrBufferClosed {
		log.Fatale(err)
	}
	pair, _ := applier.WaitForOpTime(context.Background(), oplog.ZeroOpTime)
	log.Infof("Done: %d ops applied, donor %s, recipient %s", applier.NumOpsApplied(), pair.Donor, pair.Recipient)
}
