// Command arweave-sync runs the chunk sync engine as a standalone
// process: it wires the KV store, disk pool, blacklist client, metrics
// sink and peer scheduler together and drives the engine's mailbox and
// background workers until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecolog/arweave/blacklist"
	"github.com/ecolog/arweave/chunkdb"
	"github.com/ecolog/arweave/diskpool"
	"github.com/ecolog/arweave/engine"
	"github.com/ecolog/arweave/internal/config"
	"github.com/ecolog/arweave/internal/synclog"
	"github.com/ecolog/arweave/intervalset"
	"github.com/ecolog/arweave/merkleproof"
	"github.com/ecolog/arweave/metrics"
	"github.com/ecolog/arweave/migrate"
	"github.com/ecolog/arweave/peernet"
	"github.com/ecolog/arweave/persist"
	"github.com/ecolog/arweave/syncer"
)

var log = synclog.New("component", "main")

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (optional)")
	blacklistPath := flag.String("blacklist", "", "path to a tx_id blacklist file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Crit("failed to load config", "err", err)
		os.Exit(1)
	}

	if cfg.LogFile != "" {
		synclog.SetHandler(synclog.NewFileHandler(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays))
	}

	bl, err := loadBlacklist(*blacklistPath)
	if err != nil {
		log.Crit("failed to load blacklist", "err", err)
		os.Exit(1)
	}

	e, cancel, err := buildEngine(cfg, bl)
	if err != nil {
		log.Crit("failed to start engine", "err", err)
		os.Exit(1)
	}
	defer cancel()

	log.Info("arweave-sync started", "data_dir", cfg.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down", "weave_size", e.WeaveSize())
}

func loadBlacklist(path string) (blacklist.Client, error) {
	if path == "" {
		return blacklist.None{}, nil
	}
	bl := blacklist.NewStatic()
	if err := bl.LoadFile(path); err != nil {
		return nil, err
	}
	return bl, nil
}

// buildEngine wires every external collaborator the engine depends on
// into one Engine, recovers its sidecar state, and starts its mailbox
// loop plus its background processors: disk-pool scan, data-root
// expiry, the legacy-storage migration, and peer sync.
func buildEngine(cfg config.Config, bl blacklist.Client) (*engine.Engine, context.CancelFunc, error) {
	kv, err := chunkdb.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	registry := chunkdb.NewRegistry(kv, 64<<20)
	pool := diskpool.New()
	store := persist.NewStore(cfg.DataDir + "/sync_state.gob")

	freeSpace := func() uint64 {
		return diskFreeBytes(cfg.DataDir)
	}

	eng := engine.New(kv, registry, pool, bl, metrics.NoOp{}, store, merkleproof.Default, freeSpace, engine.Config{
		MaxChunkBytes:                  cfg.MaxChunkBytes,
		MaxSharedSyncedIntervalsCount:  cfg.MaxSharedSyncedIntervalsCount,
		ExtraIntervalsBeforeCompaction: cfg.ExtraIntervalsBeforeCompaction,
		MaxDiskPoolBufferBytes:         uint64(cfg.MaxDiskPoolBufferMB) << 20,
		MaxDiskPoolDataRootBufferBytes: uint64(cfg.MaxDiskPoolDataRootBufferMB) << 20,
		DiskDataBufferSize:             uint64(cfg.DiskDataBufferSize),
		TrackConfirmations:             cfg.TrackConfirmations,
		MaxServedTxDataSize:            cfg.MaxServedTxDataSize,
		DiskPoolDataRootExpirationUs:   cfg.DiskPoolDataRootExpirationTimeUS,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)

	if err := eng.Recover(ctx); err != nil {
		cancel()
		return nil, nil, err
	}

	eng.StartBackground(ctx, engine.BackgroundConfig{
		DiskPoolScanInterval:    time.Duration(cfg.DiskPoolScanFrequencyMS) * time.Millisecond,
		ExpireDataRootsInterval: time.Duration(cfg.RemoveExpiredDataRootsFrequencyMS) * time.Millisecond,
	})

	startMigration(ctx, kv, cfg)

	rec := peernet.NewRecordCache(256)
	sched := syncer.New(syncer.Config{
		PickPeersOutOfRandomN: cfg.PickPeersOutOfRandomN,
		ConsultPeerRecordsN:   cfg.ConsultPeerRecordsCount,
		MaxIntervalBytes:      uint64(cfg.MaxChunkBytes) * 64,
		PeerBackoffInitial:    time.Second,
		PeerBackoffMax:        time.Minute,
		PeerExclusionRecovery: 5 * time.Minute,
	}, noPeers{}, rec)
	eng.StartSync(ctx, noPeers{}, sched, time.Duration(cfg.DiskSpaceCheckFrequencyMS)*time.Millisecond)

	return eng, cancel, nil
}

// startMigration runs store_data_in_v2_index's cyclic scan in the
// background for the lifetime of ctx. arweave-sync ships with no
// legacy per-hash-file backend of its own, so its default LegacySource
// is empty and the migration completes on its first batch; an embedder
// carrying data forward from an older file-per-hash store supplies a
// LegacySource that actually walks it.
func startMigration(ctx context.Context, kv chunkdb.KV, cfg config.Config) {
	m := migrate.New(kv, emptyLegacySource{})
	retryInitial := time.Duration(cfg.MigrationRetryDelayMS) * time.Millisecond
	go func() {
		if err := m.Run(ctx, cfg.MigrationBatchSize, retryInitial, retryInitial*10); err != nil && ctx.Err() == nil {
			log.Error("migration stopped", "err", err)
		}
	}()
}

type emptyLegacySource struct{}

func (emptyLegacySource) ListFrom(cursor []byte, limit int) ([]migrate.LegacyEntry, []byte, error) {
	return nil, nil, nil
}

// diskFreeBytes reports free space on the filesystem holding dir. Returns
// 0 (treated as "disk full" by the engine) if the path cannot be statted,
// e.g. before DataDir has been created.
func diskFreeBytes(dir string) uint64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0
	}
	return uint64(st.Bavail) * uint64(st.Bsize)
}

// noPeers is the zero-configuration peernet.Client: a node started
// without a peer list still joins and serves get_chunk, it simply never
// finds anything to sync. Embedders wire their own gossip-backed Client.
type noPeers struct{}

func (noPeers) GetPeers(ctx context.Context) ([]peernet.Info, error) { return nil, nil }
func (noPeers) GetSyncRecord(ctx context.Context, peer peernet.Info) (*intervalset.Set, error) {
	return intervalset.New(), nil
}
func (noPeers) GetChunk(ctx context.Context, peer peernet.Info, off uint64) (peernet.ChunkResponse, error) {
	return peernet.ChunkResponse{}, peernet.ErrPeerUnavailable
}
