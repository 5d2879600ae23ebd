// Package syncstate persists the sync baseline: the last value and hash of
// every synced object, the changefeed cursor, and open conflict artifacts.
//
// The baseline is the shared ancestor for three-way merges. It lives at
// .lobby/sync-state.json and is rewritten after every successful apply.
package syncstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lobby-ws/gamedev-sub000/internal/fsutil"
)

// Disk locations under the project root.
const (
	StateDir  = ".lobby"
	StateFile = "sync-state.json"
)

// FormatVersion is written to every state file. It is not yet read back.
const FormatVersion = 1

// DefaultWriteDelay debounces state writes.
const DefaultWriteDelay = 200 * time.Millisecond

// MaxConflictSummaries bounds State.LastConflictSnapshots.
const MaxConflictSummaries = 20

// Record is the baseline of one synced object.
type Record struct {
	ID                 string `json:"id,omitempty"`
	UID                string `json:"uid,omitempty"`
	Hash               string `json:"hash"`
	Value              any    `json:"value"`
	LastSyncedRevision int64  `json:"lastSyncedRevision,omitempty"`
	LastSyncedAt       string `json:"lastSyncedAt"`
	LastOpID           string `json:"lastOpId,omitempty"`
}

// ValueMap returns the record's value as an object, or nil.
func (r *Record) ValueMap() map[string]any {
	if r == nil {
		return nil
	}
	m, _ := r.Value.(map[string]any)
	return m
}

// WorldRecords holds the baselines of the world-level fields.
type WorldRecords struct {
	Settings *Record `json:"settings,omitempty"`
	Spawn    *Record `json:"spawn,omitempty"`
}

// Objects holds per-object baselines keyed by uid, or id when no uid exists.
type Objects struct {
	Blueprints map[string]*Record `json:"blueprints"`
	Entities   map[string]*Record `json:"entities"`
}

// ConflictSummary is the short form of a conflict artifact kept in the state.
type ConflictSummary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	ObjectID  string `json:"objectId"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"createdAt"`
	Status    string `json:"status"`
}

// State is the decoded sync-state.json.
type State struct {
	FormatVersion         int               `json:"formatVersion"`
	WorldID               string            `json:"worldId"`
	Cursor                int64             `json:"cursor"`
	World                 WorldRecords      `json:"world"`
	Objects               Objects           `json:"objects"`
	LastConflictSnapshots []ConflictSummary `json:"lastConflictSnapshots"`
	UpdatedAt             string            `json:"updatedAt"`
}

func newState() *State {
	return &State{
		FormatVersion: FormatVersion,
		Objects: Objects{
			Blueprints: map[string]*Record{},
			Entities:   map[string]*Record{},
		},
		LastConflictSnapshots: []ConflictSummary{},
	}
}

// Kind selects a record table.
type Kind string

// Record tables.
const (
	KindBlueprint Kind = "blueprint"
	KindEntity    Kind = "entity"
)

// Key returns the baseline key for an object: uid when present, else id.
func Key(id, uid string) string {
	if uid != "" {
		return uid
	}
	return id
}

// Options configures a Store.
type Options struct {
	PendingWrites *fsutil.PendingWrites
	Logger        *log.Logger
	WriteDelay    time.Duration
	Now           func() time.Time
}

// Store owns the in-memory baseline and its debounced persistence.
type Store struct {
	path   string
	pw     *fsutil.PendingWrites
	logger *log.Logger
	delay  time.Duration
	now    func() time.Time

	mu     sync.Mutex
	state  *State
	timer  *time.Timer
	batch  int
	dirty  bool
	closed bool
}

// Path returns the state file location for root.
func Path(root string) string {
	return filepath.Join(root, StateDir, StateFile)
}

// Open loads the state for root. A missing or unreadable file starts an empty
// baseline.
func Open(root string, opts Options) (*Store, error) {
	s := &Store{
		path:   Path(root),
		pw:     opts.PendingWrites,
		logger: opts.Logger,
		delay:  opts.WriteDelay,
		now:    opts.Now,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.delay <= 0 {
		s.delay = DefaultWriteDelay
	}
	if s.now == nil {
		s.now = time.Now
	}

	state := newState()
	if err := fsutil.ReadJSON(s.path, state); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Printf("[SyncState] Ignoring unreadable %s: %v", StateFile, err)
		}
		state = newState()
	}
	if state.Objects.Blueprints == nil {
		state.Objects.Blueprints = map[string]*Record{}
	}
	if state.Objects.Entities == nil {
		state.Objects.Entities = map[string]*Record{}
	}
	s.state = state
	return s, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// IsEmpty reports whether no object or world baseline exists.
func (s *Store) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Objects.Blueprints) == 0 && len(s.state.Objects.Entities) == 0 &&
		s.state.World.Settings == nil && s.state.World.Spawn == nil
}

// WorldID returns the world the baseline belongs to.
func (s *Store) WorldID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.WorldID
}

// SetWorldID binds the baseline to a world.
func (s *Store) SetWorldID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.WorldID != id {
		s.state.WorldID = id
		s.changedLocked()
	}
}

// Cursor returns the last applied changefeed cursor.
func (s *Store) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Cursor
}

// AdvanceCursor moves the cursor forward. Smaller values are ignored.
func (s *Store) AdvanceCursor(cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor > s.state.Cursor {
		s.state.Cursor = cursor
		s.changedLocked()
	}
}

func (s *Store) table(kind Kind) map[string]*Record {
	if kind == KindEntity {
		return s.state.Objects.Entities
	}
	return s.state.Objects.Blueprints
}

// Get returns a copy of the record for key, or nil.
func (s *Store) Get(kind Kind, key string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.table(kind)[key]
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

// Find returns the record whose id or key matches.
func (s *Store) Find(kind Kind, id, uid string) *Record {
	if rec := s.Get(kind, Key(id, uid)); rec != nil {
		return rec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.table(kind) {
		if rec.ID == id && id != "" {
			cp := *rec
			return &cp
		}
	}
	return nil
}

// Keys returns every key of a table.
func (s *Store) Keys(kind Kind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.table(kind)))
	for k := range s.table(kind) {
		keys = append(keys, k)
	}
	return keys
}

// Put records value as the baseline of an object. lastSyncedAt is kept when
// the hash is unchanged.
func (s *Store) Put(kind Kind, id, uid string, value map[string]any) {
	key := Key(id, uid)
	hash := Hash(value)
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.table(kind)
	// A uid assigned later replaces the id-keyed record.
	if uid != "" && key != id {
		if old, ok := table[id]; ok && old.ID == id {
			delete(table, id)
			table[key] = old
		}
	}
	rec := table[key]
	if rec != nil && rec.Hash == hash && rec.ID == id && rec.UID == uid {
		return
	}
	if rec == nil {
		rec = &Record{}
		table[key] = rec
	}
	if rec.Hash != hash {
		rec.LastSyncedAt = s.timestamp()
	}
	rec.ID, rec.UID, rec.Hash, rec.Value = id, uid, hash, value
	s.changedLocked()
}

// Stamp attaches changefeed bookkeeping to an existing record.
func (s *Store) Stamp(kind Kind, key string, revision int64, opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.table(kind)[key]
	if rec == nil {
		return
	}
	if revision > rec.LastSyncedRevision || opID != rec.LastOpID {
		if revision > rec.LastSyncedRevision {
			rec.LastSyncedRevision = revision
		}
		rec.LastOpID = opID
		s.changedLocked()
	}
}

// Delete removes a baseline record.
func (s *Store) Delete(kind Kind, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.table(kind)
	if _, ok := table[key]; ok {
		delete(table, key)
		s.changedLocked()
	}
}

// Settings returns a copy of the settings baseline, or nil.
func (s *Store) Settings() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecord(s.state.World.Settings)
}

// Spawn returns a copy of the spawn baseline, or nil.
func (s *Store) Spawn() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecord(s.state.World.Spawn)
}

// PutSettings records the settings baseline.
func (s *Store) PutSettings(value map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.World.Settings = s.worldRecordLocked(s.state.World.Settings, value)
}

// PutSpawn records the spawn baseline.
func (s *Store) PutSpawn(value map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.World.Spawn = s.worldRecordLocked(s.state.World.Spawn, value)
}

func (s *Store) worldRecordLocked(rec *Record, value map[string]any) *Record {
	hash := Hash(value)
	if rec != nil && rec.Hash == hash {
		return rec
	}
	s.changedLocked()
	return &Record{Hash: hash, Value: value, LastSyncedAt: s.timestamp()}
}

func copyRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

// AddConflictSummary prepends a summary, keeping the newest entries.
func (s *Store) AddConflictSummary(sum ConflictSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]ConflictSummary{sum}, s.state.LastConflictSnapshots...)
	if len(list) > MaxConflictSummaries {
		list = list[:MaxConflictSummaries]
	}
	s.state.LastConflictSnapshots = list
	s.changedLocked()
}

// ConflictSummaries returns the recent conflict summaries, newest first.
func (s *Store) ConflictSummaries() []ConflictSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConflictSummary(nil), s.state.LastConflictSnapshots...)
}

// Snapshot returns a deep copy of the whole state.
func (s *Store) Snapshot() *State {
	s.mu.Lock()
	data, err := json.Marshal(s.state)
	s.mu.Unlock()
	out := newState()
	if err == nil {
		_ = json.Unmarshal(data, out)
	}
	return out
}

// Reset drops every baseline and the cursor, keeping the world id.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	worldID := s.state.WorldID
	s.state = newState()
	s.state.WorldID = worldID
	s.changedLocked()
}

// Begin suspends writes until the matching End. Batches nest.
func (s *Store) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch++
}

// End closes a batch and schedules a write if anything changed inside it.
func (s *Store) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch > 0 {
		s.batch--
	}
	if s.batch == 0 && s.dirty {
		s.scheduleLocked()
	}
}

func (s *Store) changedLocked() {
	s.dirty = true
	if s.batch == 0 {
		s.scheduleLocked()
	}
}

func (s *Store) scheduleLocked() {
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, func() {
		if err := s.Flush(); err != nil {
			s.logger.Printf("[SyncState] Failed to write %s: %v", StateFile, err)
		}
	})
}

// Flush writes the state now if it changed. Writes inside a batch are
// deferred to End.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if !s.dirty || s.batch > 0 {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state.UpdatedAt = s.timestamp()
	data, err := fsutil.MarshalIndent(s.state)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", StateFile, err)
	}
	if s.pw != nil {
		err = s.pw.WriteFile(s.path, data, 0o644)
	} else {
		err = fsutil.WriteFileAtomic(s.path, data, 0o644)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", StateFile, err)
	}
	s.dirty = false
	return nil
}

// Close stops the debounce timer and writes pending changes.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = 0
	err := s.flushLocked()
	s.closed = true
	return err
}

// Remove deletes the state file and resets the baseline.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	worldID := s.state.WorldID
	s.state = newState()
	s.state.WorldID = worldID
	s.dirty = false
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", StateFile, err)
	}
	return nil
}
