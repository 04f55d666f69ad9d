package progress_test

import (
	"testing"
	"time"

	"github.com/copyd/copyd/internal/event"
	"github.com/copyd/copyd/internal/job"
	"github.com/copyd/copyd/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddBytesPublishesProgress(t *testing.T) {
	agg := progress.New("job-1", 2*time.Second, 8)
	agg.SetTotals(100, 1)
	agg.AddBytes(50)

	select {
	case e := <-agg.Events():
		require.Equal(t, event.KindProgress, e.Kind)
		assert.Equal(t, int64(50), e.Progress.BytesCopied)
	case <-time.After(time.Second):
		t.Fatal("expected a progress event")
	}
}

func TestSnapshotNeverExceedsWidenedTotal(t *testing.T) {
	agg := progress.New("job-2", 0, 4)
	agg.SetTotals(10, 1)
	agg.AddBytes(20) // discovers more work than the estimate
	snap := agg.Snapshot()
	assert.Equal(t, int64(20), snap.BytesCopied)
	assert.GreaterOrEqual(t, snap.TotalBytesEstimate, snap.BytesCopied)
}

func TestETAIsZeroWhenThroughputUnknown(t *testing.T) {
	agg := progress.New("job-3", 0, 4)
	snap := agg.Snapshot()
	assert.Equal(t, time.Duration(0), snap.ETA)
}

func TestTerminalStatusEventNeverDropped(t *testing.T) {
	agg := progress.New("job-4", 0, 1)
	agg.AddBytes(1) // fills the single-slot buffer
	agg.AddBytes(1) // would normally be dropped
	agg.PublishStatus(job.Completed)

	var sawTerminal bool
	for i := 0; i < 3; i++ {
		select {
		case e := <-agg.Events():
			if e.Kind == event.KindStatusChange {
				sawTerminal = true
			}
		default:
		}
	}
	assert.True(t, sawTerminal)
}

func TestPublishLogProducesLogEvent(t *testing.T) {
	agg := progress.New("job-5", 0, 4)
	agg.PublishLog("hello")

	e := <-agg.Events()
	assert.Equal(t, event.KindLog, e.Kind)
	assert.Equal(t, "hello", e.LogLine)
}
