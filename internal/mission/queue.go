package mission

import (
	"container/heap"
	"time"
)

// queueEntry orders queued missions by value score descending; ties break by
// earliest submission for FIFO fairness among equal-value missions.
type queueEntry struct {
	id          string
	valueScore  int
	submittedAt time.Time
}

type missionHeap []queueEntry

func (h missionHeap) Len() int { return len(h) }

func (h missionHeap) Less(i, j int) bool {
	if h[i].valueScore != h[j].valueScore {
		return h[i].valueScore > h[j].valueScore
	}

	return h[i].submittedAt.Before(h[j].submittedAt)
}

func (h missionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *missionHeap) Push(x any) {
	*h = append(*h, x.(queueEntry))
}

func (h *missionHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]

	return entry
}

type priorityQueue struct {
	heap missionHeap
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{heap: make(missionHeap, 0)}
}

func (q *priorityQueue) push(m *Mission) {
	heap.Push(&q.heap, queueEntry{
		id:          m.ID,
		valueScore:  m.ValueScore,
		submittedAt: m.SubmittedAt,
	})
}

func (q *priorityQueue) remove(id string) {
	for i, entry := range q.heap {
		if entry.id == id {
			heap.Remove(&q.heap, i)
			return
		}
	}
}

// popFitting removes and returns the highest-value entry whose requirement
// fits the budget. Entries that do not fit keep their queue position.
func (q *priorityQueue) popFitting(fits func(id string) bool) (string, bool) {
	skipped := make([]queueEntry, 0)
	for q.heap.Len() > 0 {
		entry := heap.Pop(&q.heap).(queueEntry)
		if fits(entry.id) {
			for _, s := range skipped {
				heap.Push(&q.heap, s)
			}
			return entry.id, true
		}
		skipped = append(skipped, entry)
	}

	for _, s := range skipped {
		heap.Push(&q.heap, s)
	}

	return "", false
}

// peekBest returns the highest-value queued entry without removing it.
func (q *priorityQueue) peekBest() (string, int, bool) {
	if q.heap.Len() == 0 {
		return "", 0, false
	}

	return q.heap[0].id, q.heap[0].valueScore, true
}

func (q *priorityQueue) len() int {
	return q.heap.Len()
}
