package daemon

import (
	"sync"

	"github.com/lobby-ws/gamedev-sub000/internal/syncer"
)

// task is one queued sync run. Tasks with the same key coalesce while they
// wait.
type task struct {
	key string
	req syncer.Request
}

// taskQueue is a FIFO of tasks keyed by app (or by "world"/"remote").
type taskQueue struct {
	mu    sync.Mutex
	order []string
	tasks map[string]task
	wake  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks: make(map[string]task),
		wake:  make(chan struct{}, 1),
	}
}

func (q *taskQueue) push(t task) {
	q.mu.Lock()
	if _, ok := q.tasks[t.key]; !ok {
		q.order = append(q.order, t.key)
	}
	q.tasks[t.key] = t
	q.mu.Unlock()
	q.signal()
}

// pushFront queues t ahead of everything else, replacing any waiting task
// with the same key.
func (q *taskQueue) pushFront(t task) {
	q.mu.Lock()
	if _, ok := q.tasks[t.key]; ok {
		q.removeLocked(t.key)
	}
	q.order = append([]string{t.key}, q.order...)
	q.tasks[t.key] = t
	q.mu.Unlock()
	q.signal()
}

func (q *taskQueue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return task{}, false
	}
	key := q.order[0]
	q.order = q.order[1:]
	t := q.tasks[key]
	delete(q.tasks, key)
	return t, true
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *taskQueue) removeLocked(key string) {
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	delete(q.tasks, key)
}

func (q *taskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
