package manifest

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobby-ws/gamedev-sub000/internal/fsutil"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func runtimeEntities(t *testing.T) []admin.Entity {
	t.Helper()
	var out []admin.Entity
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id": "e2", "type": "app", "blueprint": "bp", "mover": "p1", "uploader": null,
		 "position": [1, 0, 2.5], "quaternion": [0, 0, 0, 1], "scale": [2, 2, 2],
		 "pinned": true, "props": {"text": "hi"}, "state": {"hp": 10}},
		{"id": "e1", "blueprint": "bp"},
		{"blueprint": "orphan"}
	]`), &out))
	return out
}

func TestEncode_Empty(t *testing.T) {
	data, err := Encode(Empty())
	require.NoError(t, err)
	golden(t).Assert(t, "empty", data)
}

func TestFromSnapshot(t *testing.T) {
	spawn := admin.Spawn{Position: []float64{1, 2, 3}, Quaternion: []float64{0, 0, 0, 1}}
	settings := map[string]any{"title": "Test World", "public": true}

	m := FromSnapshot(settings, spawn, runtimeEntities(t))
	assert.Empty(t, Validate(m))
	assert.Equal(t, []string{"e1", "e2"}, m.EntityIDs())
	assert.NotContains(t, m.Entity("e2"), "mover")
	assert.NotContains(t, m.Entity("e2"), "type")

	data, err := Encode(m)
	require.NoError(t, err)
	golden(t).Assert(t, "from_snapshot", data)

	// The input is not aliased.
	settings["title"] = "changed"
	assert.Equal(t, "Test World", m.Settings["title"])
}

func TestFromSnapshot_InvalidSpawnDefaults(t *testing.T) {
	m := FromSnapshot(nil, admin.Spawn{Position: []float64{1}}, nil)
	assert.Equal(t, DefaultSpawn(), m.Spawn)
	assert.NotNil(t, m.Settings)
	assert.NotNil(t, m.Entities)
}

func TestRoundTrip(t *testing.T) {
	m := FromSnapshot(map[string]any{"title": "x"}, DefaultSpawn(), runtimeEntities(t))
	data, err := Encode(m)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	again := FromSnapshot(parsed.Settings, parsed.Spawn, parsed.Entities)
	data2, err := Encode(again)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(data2))
}

func TestRemoteEntity(t *testing.T) {
	e := RemoteEntity(admin.Entity{"id": "e1", "blueprint": "bp", "position": []float64{1, 2, 3}})
	assert.Equal(t, "app", e["type"])
	assert.Equal(t, []any{1.0, 2.0, 3.0}, e["position"])
	assert.Equal(t, []any{1.0, 1.0, 1.0}, e["scale"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manifest)
		want   []string
	}{
		{
			name:   "valid",
			mutate: func(m *Manifest) {},
		},
		{
			name:   "wrong format version",
			mutate: func(m *Manifest) { m.FormatVersion = 1 },
			want:   []string{"formatVersion must be 2, got 1"},
		},
		{
			name: "bad spawn",
			mutate: func(m *Manifest) {
				m.Spawn = admin.Spawn{Position: []float64{1, 2}, Quaternion: []float64{0, 0, 0}}
			},
			want: []string{
				"spawn.position must be an array of 3 numbers",
				"spawn.quaternion must be an array of 4 numbers",
			},
		},
		{
			name:   "missing settings",
			mutate: func(m *Manifest) { m.Settings = nil },
			want:   []string{"settings must be an object"},
		},
		{
			name: "duplicate entity",
			mutate: func(m *Manifest) {
				m.Entities = append(m.Entities, admin.Entity{"id": "e1", "blueprint": "bp"})
			},
			want: []string{`entity "e1" is duplicated`},
		},
		{
			name: "bad entity fields",
			mutate: func(m *Manifest) {
				m.Entities = []admin.Entity{{
					"id":         "e9",
					"blueprint":  "",
					"position":   []any{1.0, 2.0},
					"quaternion": []any{0.0, 0.0, 0.0, "1"},
					"pinned":     "yes",
					"props":      []any{},
				}}
			},
			want: []string{
				`entity "e9".blueprint must be a non-empty string`,
				`entity "e9".pinned must be a boolean`,
				`entity "e9".position must be an array of 3 numbers`,
				`entity "e9".props must be an object`,
				`entity "e9".quaternion must be an array of 4 numbers`,
			},
		},
		{
			name: "missing id",
			mutate: func(m *Manifest) {
				m.Entities = []admin.Entity{{"blueprint": "bp"}}
			},
			want: []string{"entities[0].id must be a non-empty string"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Empty()
			m.Entities = []admin.Entity{{"id": "e1", "blueprint": "bp"}}
			tt.mutate(m)
			got := Validate(m)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore(t *testing.T) {
	root := t.TempDir()
	var logs bytes.Buffer
	pw := fsutil.NewPendingWrites(0)
	store := NewStore(root, pw, log.New(&logs, "", 0))

	m, err := store.Read()
	require.NoError(t, err)
	assert.Nil(t, m, "missing manifest reads as nil")

	want := Empty()
	want.Settings["title"] = "Lobby"
	changed, err := store.Write(want)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, pw.Suppressed(store.Path()))

	changed, err = store.Write(want.Clone())
	require.NoError(t, err)
	assert.False(t, changed, "identical content is not rewritten")

	got, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, "Lobby", got.Settings["title"])

	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte("{not json"), 0o644))
	got, err = store.Read()
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
	assert.Contains(t, err.Error(), "malformed world.json")
	assert.Nil(t, got)
	assert.Contains(t, logs.String(), "world.json does not parse")
}

func TestParse_KeepsNullSettingsForValidate(t *testing.T) {
	for name, doc := range map[string]string{
		"null":    `{"formatVersion":2,"settings":null,"spawn":{"position":[0,0,0],"quaternion":[0,0,0,1]},"entities":[]}`,
		"missing": `{"formatVersion":2,"spawn":{"position":[0,0,0],"quaternion":[0,0,0,1]},"entities":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			m, err := Parse([]byte(doc))
			require.NoError(t, err)
			assert.Nil(t, m.Settings)
			assert.Equal(t, []string{"settings must be an object"}, Validate(m))
		})
	}

	m, err := Parse([]byte(`{"formatVersion":2,"settings":{},"spawn":{"position":[0,0,0],"quaternion":[0,0,0,1]},"entities":[]}`))
	require.NoError(t, err)
	assert.Empty(t, Validate(m))
}
