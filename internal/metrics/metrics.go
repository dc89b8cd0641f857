// Package metrics implements the pipeline-completion metrics emission from
// section 4.11: a structured record with subvolume, kind, total bytes,
// monotonic elapsed time, and throughput formatted in the largest unit
// under 1000. Grounded in the ancestor project's Metrics/Report
// (startTime tracking, GenerateReport, MarshalJSON shape), adapted from a
// single running-totals report to a per-pipeline-run event emitted once
// at completion.
package metrics

import (
	"fmt"
	"time"
)

// Direction distinguishes a backup run's metrics event from a restore
// run's, per section 4.11's "separate backup_metrics and restore_metrics
// events" requirement.
type Direction string

const (
	DirectionBackup  Direction = "backup_metrics"
	DirectionRestore Direction = "restore_metrics"
)

// Event is the structured record emitted on pipeline completion, success
// or failure.
type Event struct {
	Direction      Direction `json:"event"`
	Subvolume      string    `json:"subvolume"`
	Kind           string    `json:"kind"`
	TotalBytes     int64     `json:"total_bytes"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Throughput     string    `json:"throughput"`
	Success        bool      `json:"success"`
}

// Recorder tracks a single pipeline run's start time and produces its
// completion Event.
type Recorder struct {
	start time.Time
}

// NewRecorder starts a new recorder; call Finish once the pipeline run
// (success or failure) completes.
func NewRecorder() *Recorder {
	return &Recorder{start: time.Now()}
}

// StartedAt returns the time this recorder was created, for callers that
// need the elapsed duration directly (e.g. to feed a Prometheus observer
// alongside the Event this recorder produces).
func (r *Recorder) StartedAt() time.Time {
	return r.start
}

// Finish builds the completion Event for one subvolume's run.
func (r *Recorder) Finish(direction Direction, subvolume, kind string, totalBytes int64, success bool) Event {
	elapsed := time.Since(r.start)
	return Event{
		Direction:      direction,
		Subvolume:      subvolume,
		Kind:           kind,
		TotalBytes:     totalBytes,
		ElapsedSeconds: elapsed.Seconds(),
		Throughput:     FormatThroughput(totalBytes, elapsed),
		Success:        success,
	}
}

// FormatThroughput renders bytes/elapsed in the largest unit whose value
// is under 1000: B/s, KiB/s, MiB/s, GiB/s.
func FormatThroughput(totalBytes int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "0.00 B/s"
	}

	bps := float64(totalBytes) / elapsed.Seconds()
	units := []string{"B/s", "KiB/s", "MiB/s", "GiB/s"}
	i := 0
	for bps >= 1000 && i < len(units)-1 {
		bps /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", bps, units[i])
}
