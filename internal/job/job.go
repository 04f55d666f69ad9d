// Package job defines the daemon's data model: the Job record, its status
// state machine, traversal entries, progress counters, and the error kind
// taxonomy shared by every other package in this module.
package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ID is a 128-bit job identifier, rendered as a canonical textual form
// for logs and wire responses, per spec §6. Backed by google/uuid (the
// teacher uses it for its own temp-file-name uniqueness) rather than a
// hand-rolled random-bytes-plus-hex-formatter.
type ID = uuid.UUID

// NewID generates a random 128-bit job identifier.
func NewID() ID {
	return uuid.New()
}

// ParseID parses a canonical-form job ID string.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("job: invalid id %q: %w", s, err)
	}
	return id, nil
}

// Status is the job lifecycle state. Completed, Failed and Cancelled are
// terminal and absorbing; see SetStatus.
type Status int

const (
	Pending Status = iota
	Running
	Paused
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// VerifyMode selects the post-copy integrity check.
type VerifyMode int

const (
	VerifyNone VerifyMode = iota
	VerifySize
	VerifyMD5
	VerifySHA256
)

func (v VerifyMode) String() string {
	switch v {
	case VerifyNone:
		return "none"
	case VerifySize:
		return "size"
	case VerifyMD5:
		return "md5"
	case VerifySHA256:
		return "sha256"
	default:
		return "none"
	}
}

// CollisionPolicy governs what happens when a destination path already
// exists.
type CollisionPolicy int

const (
	Overwrite CollisionPolicy = iota
	Skip
	Serial
)

func (c CollisionPolicy) String() string {
	switch c {
	case Overwrite:
		return "overwrite"
	case Skip:
		return "skip"
	case Serial:
		return "serial"
	default:
		return "overwrite"
	}
}

// EngineKind names a requested copy strategy, or Auto to let the registry
// choose per spec's selection policy.
type EngineKind int

const (
	Auto EngineKind = iota
	Reflink
	CopyFileRange
	IOURing
	Sendfile
	ReadWrite
)

func (e EngineKind) String() string {
	switch e {
	case Auto:
		return "auto"
	case Reflink:
		return "reflink"
	case CopyFileRange:
		return "copy_file_range"
	case IOURing:
		return "io_uring"
	case Sendfile:
		return "sendfile"
	case ReadWrite:
		return "read_write"
	default:
		return "auto"
	}
}

// RenameRule applies a compiled regex substitution to the final path
// component of every emitted entry.
type RenameRule struct {
	Pattern     string
	Replacement string
}

// MetadataFlags controls which metadata categories are preserved.
type MetadataFlags struct {
	Mode       bool
	Ownership  bool
	Times      bool
	HardLinks  bool
	Sparse     bool
	Xattrs     bool
	Special    bool
	OneFS      bool // one-filesystem: do not cross mountpoints
}

// Job is a unit of work. Immutable fields are set at creation and never
// change; mutable fields are owned by the scheduler and updated by the
// executor under the job's lock.
type Job struct {
	ID ID

	// Immutable.
	Sources         []string
	Destination     string
	Recursive       bool
	Metadata        MetadataFlags
	Verify          VerifyMode
	Collision       CollisionPolicy
	Priority        uint32
	MaxRateBps      int64 // 0 == unconfigured
	Engine          EngineKind
	DryRun          bool
	Rename          *RenameRule
	ChunkSize       int64
	Compress        bool
	Encrypt         bool
	CleanupOnCancel bool
	CreatedAt       time.Time

	mu          sync.Mutex
	status      Status
	progress    Progress
	firstErr    *Error
	errCount    int
	startedAt   time.Time
	completedAt time.Time
	cursor      string // checkpoint cursor token
	resumeCount int

	logMu   sync.Mutex
	logRing []string
}

const logRingSize = 100

// New constructs a pending Job with a freshly generated ID.
func New(sources []string, destination string) *Job {
	return &Job{
		ID:          NewID(),
		Sources:     sources,
		Destination: destination,
		ChunkSize:   1 << 20,
		CreatedAt:   time.Now(),
		status:      Pending,
	}
}

// Status returns the job's current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SetStatus transitions the job to status, recording started/completed
// timestamps the first time they apply. Terminal states are absorbing:
// once set, a second SetStatus call to a different terminal state is a
// no-op (the prior terminal state is preserved).
func (j *Job) SetStatus(status Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = status
	switch status {
	case Running:
		if j.startedAt.IsZero() {
			j.startedAt = time.Now()
		}
	case Completed, Failed, Cancelled:
		j.completedAt = time.Now()
	}
}

// Timestamps returns the started/completed times (zero if not yet set).
func (j *Job) Timestamps() (started, completed time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt, j.completedAt
}

// Progress returns a copy of the current progress counters.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// SetProgress overwrites the stored progress snapshot. Called by the
// progress aggregator, which owns monotonicity of the counters.
func (j *Job) SetProgress(p Progress) {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

// RecordError stores err as the job's first-fatal error if none is
// recorded yet; otherwise it only increments the error counter, per
// spec §4.7/§7's "only the first is kept verbatim" rule.
func (j *Job) RecordError(err *Error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.firstErr == nil {
		j.firstErr = err
	}
	j.errCount++
}

// FirstError returns the job's first recorded error, and the total count
// of errors seen (including the first).
func (j *Job) FirstError() (*Error, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.firstErr, j.errCount
}

// SetCursor stores the checkpoint cursor token for the in-progress entry.
func (j *Job) SetCursor(cursor string) {
	j.mu.Lock()
	j.cursor = cursor
	j.mu.Unlock()
}

// Cursor returns the stored checkpoint cursor token.
func (j *Job) Cursor() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cursor
}

// SetResumeCount records how many times this job has been resumed from a
// checkpoint. Observability only; not load-bearing for any invariant.
func (j *Job) SetResumeCount(n int) {
	j.mu.Lock()
	j.resumeCount = n
	j.mu.Unlock()
}

// ResumeCount returns the stored resume count.
func (j *Job) ResumeCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resumeCount
}

// AddLog appends a human-readable status line to the job's bounded log
// ring, keeping only the most recent logRingSize entries.
func (j *Job) AddLog(format string, args ...any) {
	line := fmt.Sprintf("%s: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
	j.logMu.Lock()
	defer j.logMu.Unlock()
	j.logRing = append(j.logRing, line)
	if len(j.logRing) > logRingSize {
		j.logRing = j.logRing[len(j.logRing)-logRingSize:]
	}
}

// Logs returns a snapshot of the job's log ring.
func (j *Job) Logs() []string {
	j.logMu.Lock()
	defer j.logMu.Unlock()
	out := make([]string, len(j.logRing))
	copy(out, j.logRing)
	return out
}
