// Package metrics tracks engine-run counters: how many items completed,
// went partial, or failed, and how many bytes moved. No rolling-window
// throughput sampling — there's one item in flight at a time, not a
// worker pool.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector accumulates counters for one engine run using lock-free
// atomics, so Snapshot can be read from another goroutine while the
// engine loop is recording.
type Collector struct {
	transferOK       atomic.Int64
	transferPartial  atomic.Int64
	transferFailed   atomic.Int64
	bytesTransferred atomic.Int64
	snapshotFailed   atomic.Int64
	scriptFailed     atomic.Int64
	startTime        time.Time
}

// NewCollector returns a Collector with its start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) RecordOK(bytes int64)      { c.transferOK.Add(1); c.bytesTransferred.Add(bytes) }
func (c *Collector) RecordPartial(bytes int64) { c.transferPartial.Add(1); c.bytesTransferred.Add(bytes) }
func (c *Collector) RecordFailed()             { c.transferFailed.Add(1) }
func (c *Collector) RecordSnapshotFailed()     { c.snapshotFailed.Add(1) }
func (c *Collector) RecordScriptFailed()       { c.scriptFailed.Add(1) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	TransferOK       int64
	TransferPartial  int64
	TransferFailed   int64
	BytesTransferred int64
	SnapshotFailed   int64
	ScriptFailed     int64
	Elapsed          time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		TransferOK:       c.transferOK.Load(),
		TransferPartial:  c.transferPartial.Load(),
		TransferFailed:   c.transferFailed.Load(),
		BytesTransferred: c.bytesTransferred.Load(),
		SnapshotFailed:   c.snapshotFailed.Load(),
		ScriptFailed:     c.scriptFailed.Load(),
		Elapsed:          time.Since(c.startTime),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"ok=%d partial=%d failed=%d bytes=%d snapshot_failed=%d script_failed=%d elapsed=%s",
		s.TransferOK, s.TransferPartial, s.TransferFailed, s.BytesTransferred,
		s.SnapshotFailed, s.ScriptFailed, s.Elapsed.Round(time.Millisecond),
	)
}
