// Package metrics defines the Metrics external collaborator: a sink for
// the engine's operational counters and gauges. The engine never
// depends on a concrete backend, only this interface, so a caller wires
// in whatever the surrounding node already uses (push gateway, expvar,
// statsd, ...). NoOp is the default.
package metrics

// Metrics receives the handful of signals the engine's components emit:
// sync-record coverage, disk-pool occupancy, and fetch outcomes.
type Metrics interface {
	// SyncedBytes reports the current sum of the local sync record.
	SyncedBytes(bytes uint64)
	// WeaveSize reports the current known weave size.
	WeaveSize(bytes uint64)
	// DiskPoolSize reports the current disk_pool_size.
	DiskPoolSize(bytes uint64)
	// ChunkFetched records one sync_chunk outcome.
	ChunkFetched(success bool)
	// ChunkStored records one store-chunk outcome, tagged by source
	// ("store" for a chunk written to chunks_index, "disk_pool" for a
	// chunk staged in the disk pool).
	ChunkStored(source string)
	// MigrationProgress reports the v2 index migration's cursor as a
	// fraction of the weave scanned so far, in [0,1].
	MigrationProgress(fraction float64)
}

// NoOp discards every observation.
type NoOp struct{}

func (NoOp) SyncedBytes(uint64)          {}
func (NoOp) WeaveSize(uint64)            {}
func (NoOp) DiskPoolSize(uint64)         {}
func (NoOp) ChunkFetched(bool)           {}
func (NoOp) ChunkStored(string)          {}
func (NoOp) MigrationProgress(float64)   {}

var _ Metrics = NoOp{}
