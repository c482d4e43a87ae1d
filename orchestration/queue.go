// Package orchestration provides the agent pool, the bounded priority task
// queue and the coordinator that dispatches tasks to agents.
package orchestration

import (
	"container/heap"
	"fmt"
	"strconv"
	"sync"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/telemetry"
)

// Queue is a bounded multi-producer multi-consumer priority queue with four
// bands. Within a band FIFO order is preserved; across bands lower
// priority values pop first. Submit, pop and removal by id are O(log n).
type Queue struct {
	mu       sync.Mutex
	items    taskHeap
	byID     map[string]*queueItem
	bands    [core.PriorityBands]int
	capacity int

	nextSeq int64 // increasing: tail of each band
	headSeq int64 // decreasing: head requeue goes in front of everything

	notify chan struct{}
}

type queueItem struct {
	task  *core.Task
	seq   int64
	index int
}

// NewQueue creates a queue with the given per-band capacity.
func NewQueue(capacityPerBand int) *Queue {
	if capacityPerBand <= 0 {
		capacityPerBand = 1024
	}
	return &Queue{
		byID:     make(map[string]*queueItem),
		capacity: capacityPerBand,
		headSeq:  -1,
		notify:   make(chan struct{}, 1),
	}
}

// Notify returns a channel that receives a signal when a task is enqueued.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Enqueue adds a task at the tail of its priority band. Returns
// ErrQueueFull when the band is at capacity and ErrDuplicate when the id is
// already queued; the queue is untouched in both cases.
func (q *Queue) Enqueue(task *core.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[task.ID]; exists {
		return fmt.Errorf("queue: task %s: %w", task.ID, core.ErrDuplicate)
	}
	if q.bands[task.Priority] >= q.capacity {
		return fmt.Errorf("queue: band %d: %w", task.Priority, core.ErrQueueFull)
	}

	q.nextSeq++
	q.push(task, q.nextSeq)
	q.signal()
	return nil
}

// EnqueueHead reinserts a task at the head of its priority band. Used by
// the coordinator when no agent is eligible; bypasses the capacity check
// because the slot was freed by the pop that produced the task. Does not
// signal Notify: the caller already knows about this task, and a signal
// here would spin the pop/requeue cycle until an agent frees.
func (q *Queue) EnqueueHead(task *core.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[task.ID]; exists {
		return
	}
	q.push(task, q.headSeq)
	q.headSeq--
}

// Pop removes and returns the highest-priority task, or nil when empty.
func (q *Queue) Pop() *core.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.byID, item.task.ID)
	q.bands[item.task.Priority]--
	q.gauge(item.task.Priority)
	return item.task
}

// Remove deletes a queued task by id. Returns the task when found.
func (q *Queue) Remove(id string) *core.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, id)
	q.bands[item.task.Priority]--
	q.gauge(item.task.Priority)
	return item.task
}

// Len returns the total number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// BandLen returns the number of queued tasks in one band.
func (q *Queue) BandLen(p core.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !p.Valid() {
		return 0
	}
	return q.bands[p]
}

func (q *Queue) push(task *core.Task, seq int64) {
	item := &queueItem{task: task, seq: seq}
	heap.Push(&q.items, item)
	q.byID[task.ID] = item
	q.bands[task.Priority]++
	q.gauge(task.Priority)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) gauge(p core.Priority) {
	telemetry.Gauge("queue_depth", float64(q.bands[p]), "priority", strconv.Itoa(int(p)))
}

// taskHeap orders by (priority, seq). heap.Interface boilerplate.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
