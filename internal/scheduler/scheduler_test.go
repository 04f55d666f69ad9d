package scheduler_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/copyd/copyd/internal/engine"
	"github.com/copyd/copyd/internal/job"
	"github.com/copyd/copyd/internal/ratelimit"
	"github.com/copyd/copyd/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(t *testing.T, maxConcurrent int) *scheduler.Scheduler {
	t.Helper()
	return scheduler.New(scheduler.Config{MaxConcurrentJobs: maxConcurrent, MaxJobQueueSize: 4}, scheduler.Deps{
		Registry: engine.NewRegistry(nil),
	})
}

func waitForStatus(t *testing.T, j *job.Job, want job.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if j.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never reached status %v, last seen %v", want, j.Status())
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	s := newScheduler(t, 2)
	j := job.New([]string{src}, dst)
	j.Engine = job.ReadWrite

	require.NoError(t, s.Submit(j))
	waitForStatus(t, j, job.Completed, 2*time.Second)
	s.Wait()

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	// A 1 byte/sec global cap keeps the single running slot occupied for
	// the duration of the test, so the queue genuinely fills.
	s := scheduler.New(scheduler.Config{MaxConcurrentJobs: 1, MaxJobQueueSize: 2}, scheduler.Deps{
		Registry:      engine.NewRegistry(nil),
		GlobalLimiter: ratelimit.NewGlobal(1),
	})

	mkJob := func(name string) *job.Job {
		src := filepath.Join(dir, name+".src")
		require.NoError(t, os.WriteFile(src, []byte("some bytes to copy slowly"), 0o644))
		j := job.New([]string{src}, filepath.Join(dir, name+".dst"))
		j.Engine = job.ReadWrite
		return j
	}

	require.NoError(t, s.Submit(mkJob("running")))
	require.NoError(t, s.Submit(mkJob("pending-1")))
	require.NoError(t, s.Submit(mkJob("pending-2")))

	err := s.Submit(mkJob("overflow"))
	assert.ErrorIs(t, err, scheduler.ErrQueueFull)
}

func TestListFiltersTerminalByDefault(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	s := newScheduler(t, 1)
	j := job.New([]string{src}, dst)
	j.Engine = job.ReadWrite
	require.NoError(t, s.Submit(j))
	waitForStatus(t, j, job.Completed, 2*time.Second)
	s.Wait()

	assert.Empty(t, s.List(false))
	assert.Len(t, s.List(true), 1)
}

func TestCancelUnknownJobReturnsNotFound(t *testing.T) {
	s := newScheduler(t, 1)
	err := s.Cancel("does-not-exist")
	require.Error(t, err)
	jerr, ok := err.(*job.Error)
	require.True(t, ok)
	assert.Equal(t, job.KindNotFound, jerr.Kind)
}

func TestCancelAlreadyCompletedJobReturnsAlreadyTerminal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	s := newScheduler(t, 1)
	j := job.New([]string{src}, dst)
	j.Engine = job.ReadWrite
	require.NoError(t, s.Submit(j))
	waitForStatus(t, j, job.Completed, 2*time.Second)
	s.Wait()

	err := s.Cancel(j.ID.String())
	require.Error(t, err)
	jerr, ok := err.(*job.Error)
	require.True(t, ok)
	assert.Equal(t, job.KindAlreadyTerminal, jerr.Kind)
	// The prior terminal state must be preserved, not overwritten.
	assert.Equal(t, job.Completed, j.Status())
}

func TestSubmitAppliesDaemonWideCleanupOnCancelDefault(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrentJobs: 1, MaxJobQueueSize: 4, CleanupOnCancel: true}, scheduler.Deps{
		Registry: engine.NewRegistry(nil),
	})
	j := job.New([]string{"/does/not/matter"}, "/does/not/matter/dst")
	require.NoError(t, s.Submit(j))
	assert.True(t, j.CleanupOnCancel, "the daemon-wide default must be applied even when the request itself left it unset")
	s.Wait()
}

func TestBothPriorityLevelsEventuallyComplete(t *testing.T) {
	dir := t.TempDir()
	s := newScheduler(t, 1)

	mk := func(name string, priority uint32) *job.Job {
		src := filepath.Join(dir, name+".src")
		dst := filepath.Join(dir, name+".dst")
		require.NoError(t, os.WriteFile(src, []byte(name), 0o644))
		j := job.New([]string{src}, dst)
		j.Engine = job.ReadWrite
		j.Priority = priority
		return j
	}

	low := mk("low", 1)
	high := mk("high", 10)

	// low-priority is submitted first and immediately consumes the single
	// slot; high then queues behind it despite its higher priority, since
	// admission only reorders the pending set, not an already-running job.
	require.NoError(t, s.Submit(low))
	require.NoError(t, s.Submit(high))

	waitForStatus(t, low, job.Completed, 2*time.Second)
	waitForStatus(t, high, job.Completed, 2*time.Second)
	s.Wait()
}

func TestStatsReflectsJobStatuses(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	s := newScheduler(t, 1)
	j := job.New([]string{src}, dst)
	j.Engine = job.ReadWrite
	require.NoError(t, s.Submit(j))
	waitForStatus(t, j, job.Completed, 2*time.Second)
	s.Wait()

	stats := s.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Running)
}
