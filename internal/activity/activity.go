// Package activity publishes a feed of what the sync daemon did: exports,
// deploys, removals, conflicts and connection changes. Events go to Redis
// when a relay URL is configured and to the log otherwise.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"
)

// Type names an activity event.
type Type string

// Event types.
const (
	TypeExport     Type = "export"
	TypePull       Type = "pull"
	TypeDeploy     Type = "deploy"
	TypeRemove     Type = "remove"
	TypeManifest   Type = "manifest"
	TypeConflict   Type = "conflict"
	TypeResolve    Type = "resolve"
	TypeRollback   Type = "rollback"
	TypeConnect    Type = "connect"
	TypeDisconnect Type = "disconnect"
)

// Event is one activity record.
type Event struct {
	// Timestamp is Unix milliseconds.
	Timestamp int64          `json:"timestamp"`
	WorldID   string         `json:"worldId"`
	Type      Type           `json:"type"`
	Kind      string         `json:"kind,omitempty"`
	ObjectID  string         `json:"objectId,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Time returns the event timestamp.
func (e *Event) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// stamp fills the timestamp and world id when missing.
func stamp(ev *Event, worldID string) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.WorldID == "" {
		ev.WorldID = worldID
	}
}

// LogPublisher writes each event as one JSON line.
type LogPublisher struct {
	worldID string
	logger  *log.Logger
}

// NewLogPublisher creates a LogPublisher. A nil logger uses log.Default().
func NewLogPublisher(worldID string, logger *log.Logger) *LogPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &LogPublisher{worldID: worldID, logger: logger}
}

// Publish logs ev.
func (p *LogPublisher) Publish(_ context.Context, ev *Event) error {
	stamp(ev, p.worldID)
	data := map[string]any{
		"timestamp":  ev.Time().UTC().Format(time.RFC3339),
		"level":      "info",
		"component":  "sync",
		"event_type": string(ev.Type),
		"world":      ev.WorldID,
	}
	if ev.Kind != "" {
		data["kind"] = ev.Kind
	}
	if ev.ObjectID != "" {
		data["object_id"] = ev.ObjectID
	}
	if ev.Message != "" {
		data["message"] = ev.Message
	}
	for k, v := range ev.Data {
		if _, taken := data[k]; !taken {
			data[k] = v
		}
	}
	line, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal activity event: %w", err)
	}
	p.logger.Println(string(line))
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }

// Discard drops every event.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(context.Context, *Event) error { return nil }

// Close does nothing.
func (Discard) Close() error { return nil }

// OutputFormat selects how events are printed.
type OutputFormat string

// Output formats.
const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// ParseOutputFormat validates a user-supplied format.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSON:
		return OutputFormatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

var typeIcons = map[Type]string{
	TypeExport:     "⬇️",
	TypePull:       "⬇️",
	TypeDeploy:     "🚀",
	TypeRemove:     "🗑️",
	TypeManifest:   "🌍",
	TypeConflict:   "⚠️",
	TypeResolve:    "✅",
	TypeRollback:   "⏪",
	TypeConnect:    "🔌",
	TypeDisconnect: "🔌",
}

// Write prints ev to w in the given format.
func Write(w io.Writer, ev *Event, format OutputFormat) error {
	if format == OutputFormatJSON {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(line))
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", ev.Time().Format("15:04:05"), typeIcons[ev.Type], ev.Type)
	if ev.Kind != "" || ev.ObjectID != "" {
		fmt.Fprintf(&b, " %s", strings.TrimSpace(ev.Kind+" "+ev.ObjectID))
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, ": %s", ev.Message)
	}
	if len(ev.Data) > 0 {
		keys := make([]string, 0, len(ev.Data))
		for k := range ev.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Data[k]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	_, err := fmt.Fprintln(w, b.String())
	return err
}
