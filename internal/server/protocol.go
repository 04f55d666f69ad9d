package server

import (
	"time"

	"github.com/copyd/copyd/internal/job"
)

// requestType discriminates the tagged union spec.md §6 names.
type requestType string

const (
	reqCreateJob   requestType = "create_job"
	reqJobStatus   requestType = "job_status"
	reqListJobs    requestType = "list_jobs"
	reqCancelJob   requestType = "cancel_job"
	reqPauseJob    requestType = "pause_job"
	reqResumeJob   requestType = "resume_job"
	reqGetStats    requestType = "get_stats"
	reqHealthCheck requestType = "health_check"
)

// request is the envelope for every control-socket message. Exactly one
// of the typed fields is populated, selected by Type.
type request struct {
	Type requestType `json:"type"`

	CreateJob *createJobRequest `json:"create_job,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	ListJobs  *listJobsRequest  `json:"list_jobs,omitempty"`
}

// createJobRequest mirrors Job's immutable fields, per spec §3's data
// model, translated to wire-friendly primitives (string enums, a
// regex/replacement pair instead of a compiled RenameRule).
type createJobRequest struct {
	Sources     []string        `json:"sources"`
	Destination string          `json:"destination"`
	Recursive   bool            `json:"recursive"`
	Metadata    metadataFlags   `json:"metadata"`
	Verify      string          `json:"verify"`
	Collision   string          `json:"collision"`
	Priority    uint32          `json:"priority"`
	MaxRateBps  int64           `json:"max_rate_bps"`
	Engine      string          `json:"engine"`
	DryRun      bool            `json:"dry_run"`
	Rename      *renameRule     `json:"rename,omitempty"`
	ChunkSize   int64           `json:"chunk_size"`
	Compress    bool            `json:"compress"`
	Encrypt     bool            `json:"encrypt"`

	// CleanupOnCancel requests that this job's partial destinations be
	// removed on cancel; ORed with the daemon-wide default, per spec §4.7.
	CleanupOnCancel bool `json:"cleanup_on_cancel"`
}

type metadataFlags struct {
	Mode      bool `json:"mode"`
	Ownership bool `json:"ownership"`
	Times     bool `json:"times"`
	HardLinks bool `json:"hard_links"`
	Sparse    bool `json:"sparse"`
	Xattrs    bool `json:"xattrs"`
	Special   bool `json:"special"`
	OneFS     bool `json:"one_fs"`
}

type renameRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

type listJobsRequest struct {
	IncludeCompleted bool `json:"include_completed"`
}

// response is the envelope for every reply. Err is populated instead of
// a result variant on failure.
type response struct {
	Type requestType `json:"type"`
	Err  *wireError  `json:"error,omitempty"`

	CreateJob   *createJobResponse `json:"create_job,omitempty"`
	JobStatus   *jobStatusResponse `json:"job_status,omitempty"`
	ListJobs    *listJobsResponse  `json:"list_jobs,omitempty"`
	GetStats    *statsResponse     `json:"get_stats,omitempty"`
	HealthCheck *healthResponse    `json:"health_check,omitempty"`
}

type wireError struct {
	Kind string `json:"kind"`
	Op   string `json:"op,omitempty"`
	Path string `json:"path,omitempty"`
	Msg  string `json:"message"`
}

func errorFrom(err *job.Error) *wireError {
	if err == nil {
		return nil
	}
	msg := ""
	if err.Err != nil {
		msg = err.Err.Error()
	}
	return &wireError{Kind: err.Kind.String(), Op: err.Op, Path: err.Path, Msg: msg}
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

type jobStatusResponse struct {
	JobID       string        `json:"job_id"`
	Status      string        `json:"status"`
	Progress    wireProgress  `json:"progress"`
	FirstError  *wireError    `json:"first_error,omitempty"`
	ErrorCount  int           `json:"error_count"`
	ResumeCount int           `json:"resume_count"`
	Logs        []string      `json:"logs,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

type wireProgress struct {
	BytesCopied        int64         `json:"bytes_copied"`
	FilesCopied        int64         `json:"files_copied"`
	TotalBytesEstimate int64         `json:"total_bytes_estimate"`
	TotalFilesEstimate int64         `json:"total_files_estimate"`
	ThroughputBps      float64       `json:"throughput_bps"`
	ETASeconds         float64       `json:"eta_seconds"`
}

func progressFromJob(p job.Progress) wireProgress {
	return wireProgress{
		BytesCopied:        p.BytesCopied,
		FilesCopied:        p.FilesCopied,
		TotalBytesEstimate: p.TotalBytesEstimate,
		TotalFilesEstimate: p.TotalFilesEstimate,
		ThroughputBps:      p.ThroughputBps,
		ETASeconds:         p.ETA.Seconds(),
	}
}

type listJobsResponse struct {
	Jobs []jobStatusResponse `json:"jobs"`
}

type statsResponse struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type healthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

// wireEvent is the JSON form of a JobEvent, streamed over the dedicated
// event connection per spec §6.
type wireEvent struct {
	Kind      string       `json:"kind"`
	JobID     string       `json:"job_id"`
	Timestamp time.Time    `json:"timestamp"`
	Progress  wireProgress `json:"progress,omitempty"`
	LogLine   string       `json:"log_line,omitempty"`
	Status    string       `json:"status,omitempty"`
}
