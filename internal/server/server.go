package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/copyd/copyd/internal/event"
	"github.com/copyd/copyd/internal/job"
	"github.com/copyd/copyd/internal/scheduler"
)

// Version is reported in health_check responses.
const Version = "1.0.0"

// Server is the control socket surface: it accepts connections on a
// net.UnixListener, decodes length-prefixed JSON requests, and
// translates them into Scheduler operations, per spec §6.
//
// Grounded on the teacher's internal/transport/proto.Daemon accept loop
// (listener.Accept, a per-connection goroutine tracked in a wg, graceful
// shutdown by closing the listener on ctx.Done) with the teacher's
// frame-multiplexed, fork/auth machinery dropped: spec.md's control
// socket is a local, unauthenticated stream socket with no per-request
// multiplexing requirement.
type Server struct {
	sched    *scheduler.Scheduler
	path     string
	listener net.Listener

	mu   sync.Mutex
	subs map[chan wireEvent]struct{}

	wg sync.WaitGroup
}

// New constructs a Server bound to sched. Call ListenAndServe to start
// accepting connections.
func New(sched *scheduler.Scheduler, socketPath string) *Server {
	return &Server{
		sched: sched,
		path:  socketPath,
		subs:  make(map[chan wireEvent]struct{}),
	}
}

// ListenAndServe binds the Unix socket at path, removing a stale socket
// file left behind by an unclean prior shutdown, and serves connections
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("server: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.path, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pumpEvents(ctx)
	}()

	slog.Info("copyd control socket listening", "path", s.path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

// Close stops accepting new connections. ListenAndServe's own
// ctx-cancellation path is the normal shutdown route; Close is for
// callers that hold the Server without owning the ctx (tests).
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	payload, err := readFrame(conn)
	if err != nil {
		return
	}

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeErr(conn, "", job.NewError(job.KindInvalidRequest, "decode", "", err))
		return
	}

	if req.Type == "subscribe_events" {
		s.streamEvents(ctx, conn)
		return
	}

	resp := s.dispatch(req)
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("encode response", "error", err)
		return
	}
	if err := writeFrame(conn, data); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func (s *Server) dispatch(req request) response {
	switch req.Type {
	case reqCreateJob:
		return s.handleCreateJob(req.CreateJob)
	case reqJobStatus:
		return s.handleJobStatus(req.JobID)
	case reqListJobs:
		return s.handleListJobs(req.ListJobs)
	case reqCancelJob:
		return s.handleAction(req.Type, req.JobID, s.sched.Cancel)
	case reqPauseJob:
		return s.handleAction(req.Type, req.JobID, s.sched.Pause)
	case reqResumeJob:
		return s.handleAction(req.Type, req.JobID, s.sched.Resume)
	case reqGetStats:
		return s.handleGetStats()
	case reqHealthCheck:
		return response{Type: reqHealthCheck, HealthCheck: &healthResponse{OK: true, Version: Version}}
	default:
		return response{Type: req.Type, Err: errorFrom(job.NewError(
			job.KindInvalidRequest, "dispatch", "", fmt.Errorf("unknown request type %q", req.Type)))}
	}
}

func (s *Server) handleCreateJob(r *createJobRequest) response {
	if r == nil {
		return response{Type: reqCreateJob, Err: errorFrom(job.NewError(
			job.KindInvalidRequest, "create_job", "", fmt.Errorf("missing create_job body")))}
	}
	j, err := jobFromRequest(r)
	if err != nil {
		return response{Type: reqCreateJob, Err: errorFrom(err)}
	}
	if err := s.sched.Submit(j); err != nil {
		return response{Type: reqCreateJob, Err: errorFrom(asJobError(err))}
	}
	return response{Type: reqCreateJob, CreateJob: &createJobResponse{JobID: j.ID.String()}}
}

func (s *Server) handleJobStatus(jobID string) response {
	j, ok := s.sched.Job(jobID)
	if !ok {
		return response{Type: reqJobStatus, Err: errorFrom(job.NewError(
			job.KindNotFound, "job_status", jobID, fmt.Errorf("unknown job")))}
	}
	status := statusResponseFrom(j)
	return response{Type: reqJobStatus, JobStatus: &status}
}

func (s *Server) handleListJobs(r *listJobsRequest) response {
	includeCompleted := r != nil && r.IncludeCompleted
	jobs := s.sched.List(includeCompleted)
	out := make([]jobStatusResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, statusResponseFrom(j))
	}
	return response{Type: reqListJobs, ListJobs: &listJobsResponse{Jobs: out}}
}

func (s *Server) handleAction(t requestType, jobID string, fn func(string) error) response {
	if jobID == "" {
		return response{Type: t, Err: errorFrom(job.NewError(
			job.KindInvalidRequest, string(t), "", fmt.Errorf("missing job_id")))}
	}
	if err := fn(jobID); err != nil {
		return response{Type: t, Err: errorFrom(asJobError(err))}
	}
	return response{Type: t}
}

func (s *Server) handleGetStats() response {
	st := s.sched.Stats()
	return response{Type: reqGetStats, GetStats: &statsResponse{
		Pending:   st.Pending,
		Running:   st.Running,
		Completed: st.Completed,
		Failed:    st.Failed,
		Cancelled: st.Cancelled,
	}}
}

func (s *Server) writeErr(conn net.Conn, t requestType, err *job.Error) {
	data, encErr := json.Marshal(response{Type: t, Err: errorFrom(err)})
	if encErr != nil {
		return
	}
	_ = writeFrame(conn, data)
}

func asJobError(err error) *job.Error {
	var je *job.Error
	if errors.As(err, &je) {
		return je
	}
	return job.NewError(job.KindInternal, "", "", err)
}

func statusResponseFrom(j *job.Job) jobStatusResponse {
	firstErr, count := j.FirstError()
	started, completed := j.Timestamps()
	return jobStatusResponse{
		JobID:       j.ID.String(),
		Status:      j.Status().String(),
		Progress:    progressFromJob(j.Progress()),
		FirstError:  errorFrom(firstErr),
		ErrorCount:  count,
		ResumeCount: j.ResumeCount(),
		Logs:        j.Logs(),
		StartedAt:   started,
		CompletedAt: completed,
	}
}

// streamEvents switches a connection into a one-way event feed: every
// JobEvent the scheduler publishes is forwarded as a JSON frame until the
// connection closes or ctx is cancelled. A subscriber that falls behind
// misses intermediate events rather than blocking delivery to others.
func (s *Server) streamEvents(ctx context.Context, conn net.Conn) {
	ch := make(chan wireEvent, 256)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case we, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(we)
			if err != nil {
				continue
			}
			if err := writeFrame(conn, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.sched.Events():
			if !ok {
				return
			}
			we := wireEventFrom(e)
			s.mu.Lock()
			for ch := range s.subs {
				select {
				case ch <- we:
				default:
					if !e.Terminal() {
						continue
					}
					// Terminal events must not be dropped; block briefly
					// rather than lose the job's final status.
					select {
					case ch <- we:
					case <-time.After(time.Second):
					}
				}
			}
			s.mu.Unlock()
		}
	}
}

func wireEventFrom(e event.Event) wireEvent {
	we := wireEvent{Kind: e.Kind.String(), JobID: e.JobID, Timestamp: e.Timestamp}
	switch e.Kind {
	case event.KindProgress:
		we.Progress = progressFromJob(e.Progress)
	case event.KindLog:
		we.LogLine = e.LogLine
	case event.KindStatusChange:
		we.Status = e.Status.String()
	}
	return we
}
