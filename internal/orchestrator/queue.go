package orchestrator

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the pending queue is at capacity.
	ErrQueueFull = errors.New("pending queue is full")
	// ErrTaskQueued is returned when a task is already queued.
	ErrTaskQueued = errors.New("task already queued")
)

// QueuedTask is a task waiting for an eligible agent.
type QueuedTask struct {
	TaskID       string
	Priority     int // higher dispatches first
	TargetRoleID string
	QueuedAt     time.Time
	index        int // heap index
}

type taskHeap []*QueuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	// Higher priority first, then earlier queued time.
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// pendingQueue holds tasks that could not be dispatched immediately,
// ordered by priority.
type pendingQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	taskMap map[string]*QueuedTask
	maxSize int
}

func newPendingQueue(maxSize int) *pendingQueue {
	q := &pendingQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*QueuedTask),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

func (q *pendingQueue) enqueue(taskID, targetRoleID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[taskID]; exists {
		return ErrTaskQueued
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qt := &QueuedTask{
		TaskID:       taskID,
		Priority:     priority,
		TargetRoleID: targetRoleID,
		QueuedAt:     time.Now(),
	}
	heap.Push(&q.heap, qt)
	q.taskMap[taskID] = qt
	return nil
}

// dequeue removes and returns the highest priority task, nil when empty.
func (q *pendingQueue) dequeue() *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qt := heap.Pop(&q.heap).(*QueuedTask)
	delete(q.taskMap, qt.TaskID)
	return qt
}

func (q *pendingQueue) remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

func (q *pendingQueue) contains(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.taskMap[taskID]
	return exists
}

func (q *pendingQueue) len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// list returns a snapshot of queued tasks in heap order.
func (q *pendingQueue) list() []*QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*QueuedTask, len(q.heap))
	copy(result, q.heap)
	return result
}
