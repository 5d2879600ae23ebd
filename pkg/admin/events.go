package admin

import (
	"encoding/json"
	"sync"
)

// EventKind names a pushed change or connection event.
type EventKind string

const (
	EventBlueprintAdded    EventKind = "blueprint_added"
	EventBlueprintModified EventKind = "blueprint_modified"
	EventBlueprintRemoved  EventKind = "blueprint_removed"
	EventEntityAdded       EventKind = "entity_added"
	EventEntityModified    EventKind = "entity_modified"
	EventEntityRemoved     EventKind = "entity_removed"
	EventSettingsModified  EventKind = "settings_modified"
	EventSpawnModified     EventKind = "spawn_modified"
	EventDisconnect        EventKind = "disconnect"
)

var methodEvents = map[string]EventKind{
	MethodBlueprintAdded:    EventBlueprintAdded,
	MethodBlueprintModified: EventBlueprintModified,
	MethodBlueprintRemoved:  EventBlueprintRemoved,
	MethodEntityAdded:       EventEntityAdded,
	MethodEntityModified:    EventEntityModified,
	MethodEntityRemoved:     EventEntityRemoved,
	MethodSettingsModified:  EventSettingsModified,
	MethodSpawnModified:     EventSpawnModified,
}

// Event is one pushed record. Which fields are set depends on Kind:
// blueprint events fill Blueprint (a partial change for modifications),
// entity events fill Entity, removals fill ID, settings fill Key/Value, spawn
// fills Spawn and disconnect fills Err.
type Event struct {
	Kind      EventKind
	Blueprint Blueprint
	Entity    Entity
	ID        string
	Key       string
	Value     any
	Spawn     *Spawn
	Err       error
}

func decodeEvent(kind EventKind, payload json.RawMessage) (Event, error) {
	ev := Event{Kind: kind}
	switch kind {
	case EventBlueprintAdded, EventBlueprintModified:
		if err := json.Unmarshal(payload, &ev.Blueprint); err != nil {
			return ev, err
		}
		ev.ID = ev.Blueprint.ID()
	case EventEntityAdded, EventEntityModified:
		if err := json.Unmarshal(payload, &ev.Entity); err != nil {
			return ev, err
		}
		ev.ID = ev.Entity.ID()
	case EventBlueprintRemoved, EventEntityRemoved:
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			// Some servers send the bare id string.
			if err2 := json.Unmarshal(payload, &ev.ID); err2 != nil {
				return ev, err
			}
			return ev, nil
		}
		ev.ID = body.ID
	case EventSettingsModified:
		var body struct {
			Key   string `json:"key"`
			Value any    `json:"value"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return ev, err
		}
		ev.Key, ev.Value = body.Key, body.Value
	case EventSpawnModified:
		var spawn Spawn
		if err := json.Unmarshal(payload, &spawn); err != nil {
			return ev, err
		}
		ev.Spawn = &spawn
	}
	return ev, nil
}

// eventQueue is an unbounded FIFO feeding a channel, so the socket reader is
// never blocked by a slow consumer.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}
