package scheduler

import (
	"container/heap"
	"time"

	"github.com/copyd/copyd/internal/job"
)

// pendingItem is one entry in the pending priority queue.
type pendingItem struct {
	job       *job.Job
	submitted time.Time
	index     int
}

// priorityQueue orders pending jobs by (priority desc, submission time
// asc), per spec §4.8. It implements container/heap.Interface.
type priorityQueue []*pendingItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.submitted.Before(b.submitted)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// Remove drops the pending item for jobID, if queued, per Cancel's
// "remove from queue if still pending" behavior.
func (pq *priorityQueue) Remove(jobID string) {
	for i, item := range *pq {
		if item.job.ID.String() == jobID {
			heap.Remove(pq, i)
			return
		}
	}
}
