// Package config loads the engine's tunables from a TOML file, the same
// library and layering the teacher's node config uses.
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"
)

// Config carries every tunable the engine and its background workers
// need. Zero-value fields are filled from Defaults() before a TOML file
// is applied on top.
type Config struct {
	// Chunk / weave bounds.
	MaxChunkBytes int `toml:"max_chunk_bytes"`

	// Sync scheduler.
	DiskSpaceCheckFrequencyMS  int `toml:"disk_space_check_frequency_ms"`
	PeerSyncRecordsFrequencyMS int `toml:"peer_sync_records_frequency_ms"`
	PickPeersOutOfRandomN      int `toml:"pick_peers_out_of_random_n"`
	ConsultPeerRecordsCount    int `toml:"consult_peer_records_count"`
	MaxSharedSyncedIntervalsCount int `toml:"max_shared_synced_intervals_count"`
	ExtraIntervalsBeforeCompaction int `toml:"extra_intervals_before_compaction"`

	// Disk pool.
	DiskPoolScanFrequencyMS         int   `toml:"disk_pool_scan_frequency_ms"`
	RemoveExpiredDataRootsFrequencyMS int `toml:"remove_expired_data_roots_frequency_ms"`
	DiskPoolDataRootExpirationTimeUS int64 `toml:"disk_pool_data_root_expiration_time_us"`
	MaxDiskPoolBufferMB             int   `toml:"max_disk_pool_buffer_mb"`
	MaxDiskPoolDataRootBufferMB     int   `toml:"max_disk_pool_data_root_buffer_mb"`

	// Admission / disk space.
	DiskDataBufferSize int64 `toml:"disk_data_buffer_size"`

	// Reorg.
	TrackConfirmations int `toml:"track_confirmations"`

	// Read path.
	MaxServedTxDataSize int64 `toml:"max_served_tx_data_size"`

	// Migration.
	MigrationBatchSize    int `toml:"migration_batch_size"`
	MigrationRetryDelayMS int `toml:"migration_retry_delay_ms"`

	// Storage.
	DataDir string `toml:"data_dir"`

	// Logging.
	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days"`
}

// Defaults returns the engine's out-of-the-box operating parameters.
func Defaults() Config {
	return Config{
		MaxChunkBytes: 262144,

		DiskSpaceCheckFrequencyMS:         10_000,
		PeerSyncRecordsFrequencyMS:        2 * 60_000,
		PickPeersOutOfRandomN:             50,
		ConsultPeerRecordsCount:           10,
		MaxSharedSyncedIntervalsCount:     10_000,
		ExtraIntervalsBeforeCompaction:    500,

		DiskPoolScanFrequencyMS:            100,
		RemoveExpiredDataRootsFrequencyMS:  60_000,
		DiskPoolDataRootExpirationTimeUS:   int64(2 * time.Hour / time.Microsecond),
		MaxDiskPoolBufferMB:                2_000,
		MaxDiskPoolDataRootBufferMB:        200,

		DiskDataBufferSize: 2 << 30, // 2 GiB

		TrackConfirmations: 50,

		MaxServedTxDataSize: 100 << 20, // 100 MiB

		MigrationBatchSize:    500,
		MigrationRetryDelayMS: 10_000,

		DataDir: "./data",

		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
		LogMaxAgeDays: 30,
	}
}

// Load reads a TOML file on top of Defaults(). A missing path returns the
// defaults unchanged, matching the teacher's "config file optional" policy.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
