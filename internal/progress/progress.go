// Package progress implements the per-job aggregator spec §4.6 describes:
// a single writer folding per-chunk deltas into job.Progress, an
// exponentially weighted moving average throughput over a configurable
// window, an ETA clamped to non-negative, and a bounded event channel
// with drop-oldest-but-keep-terminal semantics.
//
// Grounded on the teacher's internal/stats/collector.go (atomic counters,
// rolling-average throughput), generalized from the teacher's
// fixed-ring-buffer rolling average to a true EWMA (spec.md names EWMA
// specifically) and from a single process-wide collector to one instance
// per job.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/copyd/copyd/internal/event"
	"github.com/copyd/copyd/internal/job"
)

// DefaultWindow is the default EWMA smoothing window, spec §4.6.
const DefaultWindow = 2 * time.Second

// Aggregator is the single writer for one job's Progress.
type Aggregator struct {
	jobID  string
	window time.Duration

	mu         sync.Mutex
	bytesCopied int64
	filesCopied int64
	totalBytes  int64
	totalFiles  int64
	throughput  float64
	lastSample  time.Time

	events chan event.Event
}

// New constructs an Aggregator publishing onto a bounded channel of
// capacity bufSize.
func New(jobID string, window time.Duration, bufSize int) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Aggregator{
		jobID:      jobID,
		window:     window,
		lastSample: time.Now(),
		events:     make(chan event.Event, bufSize),
	}
}

// Events returns the channel to drain for this job's events.
func (a *Aggregator) Events() <-chan event.Event {
	return a.events
}

// SetTotals widens the advisory totals as traversal discovers more work.
// Per spec §3, bytes_copied may legitimately exceed a stale estimate;
// totals are only ever widened here, never shrunk below already-copied
// counters.
func (a *Aggregator) SetTotals(bytes, files int64) {
	a.mu.Lock()
	if bytes > a.totalBytes {
		a.totalBytes = bytes
	}
	if files > a.totalFiles {
		a.totalFiles = files
	}
	a.mu.Unlock()
}

// AddBytes folds a chunk-completion delta into the counters and
// publishes an updated progress event.
func (a *Aggregator) AddBytes(n int64) {
	a.mu.Lock()
	a.bytesCopied += n
	if a.bytesCopied > a.totalBytes {
		a.totalBytes = a.bytesCopied
	}
	a.updateThroughputLocked(n)
	p := a.snapshotLocked()
	a.mu.Unlock()
	a.publish(event.NewProgress(a.jobID, p))
}

// AddFile records one completed file and publishes an updated event.
func (a *Aggregator) AddFile() {
	a.mu.Lock()
	a.filesCopied++
	if a.filesCopied > a.totalFiles {
		a.totalFiles = a.filesCopied
	}
	p := a.snapshotLocked()
	a.mu.Unlock()
	a.publish(event.NewProgress(a.jobID, p))
}

// updateThroughputLocked applies the EWMA update for a just-observed
// delta of n bytes. alpha is derived from elapsed wall time so the
// estimate responds consistently to bursty chunk arrival, not just to
// chunk count.
func (a *Aggregator) updateThroughputLocked(n int64) {
	now := time.Now()
	elapsed := now.Sub(a.lastSample)
	a.lastSample = now
	if elapsed <= 0 {
		return
	}

	instant := float64(n) / elapsed.Seconds()
	alpha := 1 - math.Exp(-elapsed.Seconds()/a.window.Seconds())
	if a.throughput == 0 {
		a.throughput = instant
		return
	}
	a.throughput = alpha*instant + (1-alpha)*a.throughput
}

func (a *Aggregator) snapshotLocked() job.Progress {
	var eta time.Duration
	if a.throughput > 0 {
		remaining := a.totalBytes - a.bytesCopied
		if remaining > 0 {
			eta = time.Duration(float64(remaining)/a.throughput) * time.Second
		}
	}
	return job.Progress{
		BytesCopied:        a.bytesCopied,
		FilesCopied:        a.filesCopied,
		TotalBytesEstimate: a.totalBytes,
		TotalFilesEstimate: a.totalFiles,
		ThroughputBps:      a.throughput,
		ETA:                eta,
		UpdatedAt:          time.Now(),
	}
}

// Snapshot returns the current progress without publishing an event.
func (a *Aggregator) Snapshot() job.Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// PublishLog publishes a log-line event.
func (a *Aggregator) PublishLog(line string) {
	a.publish(event.NewLog(a.jobID, line))
}

// PublishStatus publishes a status-change event. Terminal status events
// are never dropped, even if the channel is full: the oldest queued event
// is discarded to make room for them.
func (a *Aggregator) PublishStatus(status job.Status) {
	a.publish(event.NewStatusChange(a.jobID, status))
}

func (a *Aggregator) publish(e event.Event) {
	if e.Terminal() {
		for {
			select {
			case a.events <- e:
				return
			default:
			}
			select {
			case <-a.events:
			default:
			}
		}
	}
	select {
	case a.events <- e:
	default:
		// Drop the oldest intermediate event to make room, keeping the
		// channel unblocked for the writer. A concurrent reader draining
		// at the same moment may win the race and this send simply lands
		// in the freed slot instead; either outcome preserves "never
		// block the single writer".
		select {
		case <-a.events:
		default:
		}
		select {
		case a.events <- e:
		default:
		}
	}
}

// Close closes the event channel. Callers must stop publishing first.
func (a *Aggregator) Close() {
	close(a.events)
}
