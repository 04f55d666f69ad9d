// Package event defines the JobEvent stream spec §6 publishes over the
// control socket: progress, log, and status-change notifications.
// Grounded on the teacher's internal/event package shape (a single Event
// struct discriminated by a Type enum, fed into a buffered channel), but
// the payload is generalized from the teacher's scan/copy/verify phases
// to this daemon's per-job progress/log/status model.
package event

import (
	"time"

	"github.com/copyd/copyd/internal/job"
)

// Kind discriminates the JobEvent variants of spec §6.
type Kind int

const (
	KindProgress Kind = iota
	KindLog
	KindStatusChange
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindLog:
		return "log"
	case KindStatusChange:
		return "status_change"
	default:
		return "unknown"
	}
}

// Event is one notification in a job's event stream.
type Event struct {
	Kind      Kind
	JobID     string
	Timestamp time.Time

	Progress job.Progress // valid when Kind == KindProgress
	LogLine  string       // valid when Kind == KindLog
	Status   job.Status   // valid when Kind == KindStatusChange
}

// Terminal reports whether e is a status-change event to a terminal
// status — these are never dropped from a bounded event channel, per
// spec §4.6.
func (e Event) Terminal() bool {
	return e.Kind == KindStatusChange && e.Status.Terminal()
}

// NewProgress builds a progress event.
func NewProgress(jobID string, p job.Progress) Event {
	return Event{Kind: KindProgress, JobID: jobID, Timestamp: time.Now(), Progress: p}
}

// NewLog builds a log event.
func NewLog(jobID, line string) Event {
	return Event{Kind: KindLog, JobID: jobID, Timestamp: time.Now(), LogLine: line}
}

// NewStatusChange builds a status-change event.
func NewStatusChange(jobID string, status job.Status) Event {
	return Event{Kind: KindStatusChange, JobID: jobID, Timestamp: time.Now(), Status: status}
}
