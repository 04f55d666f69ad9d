package scheduler

import (
	"container/heap"
	"testing"
	"time"

	"github.com/copyd/copyd/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersByPriorityDescThenSubmissionAsc(t *testing.T) {
	pq := &priorityQueue{}
	heap.Init(pq)

	now := time.Now()
	low := &job.Job{ID: job.NewID(), Priority: 1}
	high := &job.Job{ID: job.NewID(), Priority: 10}
	highLater := &job.Job{ID: job.NewID(), Priority: 10}

	heap.Push(pq, &pendingItem{job: low, submitted: now})
	heap.Push(pq, &pendingItem{job: highLater, submitted: now.Add(time.Second)})
	heap.Push(pq, &pendingItem{job: high, submitted: now})

	first := heap.Pop(pq).(*pendingItem)
	second := heap.Pop(pq).(*pendingItem)
	third := heap.Pop(pq).(*pendingItem)

	assert.Equal(t, high.ID, first.job.ID)
	assert.Equal(t, highLater.ID, second.job.ID)
	assert.Equal(t, low.ID, third.job.ID)
}

func TestPriorityQueueRemoveDropsMatchingJob(t *testing.T) {
	pq := &priorityQueue{}
	heap.Init(pq)

	a := &job.Job{ID: job.NewID()}
	b := &job.Job{ID: job.NewID()}
	heap.Push(pq, &pendingItem{job: a, submitted: time.Now()})
	heap.Push(pq, &pendingItem{job: b, submitted: time.Now()})

	pq.Remove(a.ID.String())
	require.Equal(t, 1, pq.Len())

	remaining := heap.Pop(pq).(*pendingItem)
	assert.Equal(t, b.ID, remaining.job.ID)
}
