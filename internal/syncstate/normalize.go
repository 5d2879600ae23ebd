package syncstate

import (
	"github.com/lobby-ws/gamedev-sub000/internal/hashutil"
	"github.com/lobby-ws/gamedev-sub000/internal/manifest"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// serverManagedFields change on every mutation and never take part in
// comparisons.
var serverManagedFields = []string{"version"}

// NormalizeBlueprint returns the comparable form of a blueprint: generic JSON
// values with server-managed fields and nulls removed. An empty script is no
// script. A nil blueprint normalizes to nil.
func NormalizeBlueprint(bp admin.Blueprint) map[string]any {
	if bp == nil {
		return nil
	}
	generic := toMap(bp)
	for _, k := range serverManagedFields {
		delete(generic, k)
	}
	if script, ok := generic["script"].(string); ok && script == "" {
		delete(generic, "script")
	}
	return dropNulls(generic)
}

// NormalizeEntity returns the comparable form of an entity.
func NormalizeEntity(e admin.Entity) map[string]any {
	if e == nil {
		return nil
	}
	return dropNulls(toMap(manifest.NormalizeEntity(e)))
}

// NormalizeSettings returns the comparable form of world settings.
func NormalizeSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return map[string]any{}
	}
	return toMap(settings)
}

// NormalizeSpawn returns the comparable form of the spawn point.
func NormalizeSpawn(spawn admin.Spawn) map[string]any {
	if spawn.Validate() != nil {
		spawn = manifest.DefaultSpawn()
	}
	return toMap(spawn)
}

// Hash hashes a normalized value. A nil map hashes to "".
func Hash(v map[string]any) string {
	if v == nil {
		return ""
	}
	return hashutil.MustHashValue(v)
}

func toMap(v any) map[string]any {
	generic, err := hashutil.ToGeneric(v)
	if err != nil {
		return nil
	}
	m, _ := generic.(map[string]any)
	return m
}

func dropNulls(m map[string]any) map[string]any {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		}
	}
	return m
}
