package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobby-ws/gamedev-sub000/internal/syncer"
)

func drain(q *taskQueue) []string {
	var keys []string
	for {
		t, ok := q.pop()
		if !ok {
			return keys
		}
		keys = append(keys, t.key)
	}
}

func TestTaskQueue_FIFO(t *testing.T) {
	q := newTaskQueue()
	q.push(task{key: "a"})
	q.push(task{key: "b"})
	q.push(task{key: "c"})
	assert.Equal(t, []string{"a", "b", "c"}, drain(q))
}

func TestTaskQueue_CoalescesSameKey(t *testing.T) {
	q := newTaskQueue()
	q.push(task{key: "a", req: syncer.Request{Note: "first"}})
	q.push(task{key: "b"})
	q.push(task{key: "a", req: syncer.Request{Note: "second"}})

	assert.Equal(t, 2, q.len())
	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "a", first.key)
	assert.Equal(t, "second", first.req.Note)
}

func TestTaskQueue_PushFront(t *testing.T) {
	q := newTaskQueue()
	q.push(task{key: "a"})
	q.push(task{key: keyHandshake})
	q.push(task{key: "b"})
	q.pushFront(task{key: keyHandshake})
	assert.Equal(t, []string{keyHandshake, "a", "b"}, drain(q))
}

func TestTaskQueue_SignalDoesNotBlock(t *testing.T) {
	q := newTaskQueue()
	for i := 0; i < 10; i++ {
		q.signal()
	}
	assert.Len(t, q.wake, 1)
}
