package reconcile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the optional ownership override under .lobby.
const PolicyFile = "sync-policy.json"

// Ownership decides who wins when both sides changed a field.
type Ownership string

// Ownership values.
const (
	OwnerLocal   Ownership = "local"
	OwnerRuntime Ownership = "runtime"
	OwnerShared  Ownership = "shared"
)

func (o Ownership) valid() bool {
	return o == OwnerLocal || o == OwnerRuntime || o == OwnerShared
}

// Field groups named in the policy file.
const (
	GroupScript    = "script"
	GroupMetadata  = "metadata"
	GroupProps     = "props"
	GroupTransform = "transform"
	GroupState     = "state"
	AnySetting     = "*"
)

// Policy maps field groups to owners.
type Policy struct {
	Blueprint map[string]Ownership `yaml:"blueprint"`
	Entity    map[string]Ownership `yaml:"entity"`
	World     WorldPolicy          `yaml:"world"`
}

// WorldPolicy covers settings (per key, "*" as the fallback) and spawn.
type WorldPolicy struct {
	Settings map[string]Ownership `yaml:"settings"`
	Spawn    map[string]Ownership `yaml:"spawn"`
}

// DefaultPolicy returns the built-in ownership rules.
func DefaultPolicy() Policy {
	return Policy{
		Blueprint: map[string]Ownership{
			GroupScript:   OwnerLocal,
			GroupMetadata: OwnerShared,
			GroupProps:    OwnerShared,
		},
		Entity: map[string]Ownership{
			GroupTransform: OwnerShared,
			GroupProps:     OwnerShared,
			GroupState:     OwnerRuntime,
		},
		World: WorldPolicy{
			Settings: map[string]Ownership{AnySetting: OwnerShared},
			Spawn: map[string]Ownership{
				"position":   OwnerShared,
				"quaternion": OwnerShared,
			},
		},
	}
}

// LoadPolicy reads .lobby/sync-policy.json under root and normalizes it
// against the defaults. A missing file yields the defaults.
func LoadPolicy(root string) (Policy, []string, error) {
	path := filepath.Join(root, ".lobby", PolicyFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultPolicy(), nil, nil
		}
		return DefaultPolicy(), nil, fmt.Errorf("failed to read %s: %w", PolicyFile, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a policy document (JSON or YAML). Unknown groups and
// invalid owners are reported as warnings and leave the default in place.
func ParsePolicy(data []byte) (Policy, []string, error) {
	var raw Policy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return DefaultPolicy(), nil, fmt.Errorf("failed to parse %s: %w", PolicyFile, err)
	}
	p := DefaultPolicy()
	var warnings []string
	warnings = append(warnings, overlay("blueprint", p.Blueprint, raw.Blueprint, false)...)
	warnings = append(warnings, overlay("entity", p.Entity, raw.Entity, false)...)
	warnings = append(warnings, overlay("world.settings", p.World.Settings, raw.World.Settings, true)...)
	warnings = append(warnings, overlay("world.spawn", p.World.Spawn, raw.World.Spawn, false)...)
	return p, warnings, nil
}

// overlay copies valid overrides into dst. Only keys already in dst are
// accepted unless open is set.
func overlay(section string, dst, src map[string]Ownership, open bool) []string {
	var warnings []string
	for key, owner := range src {
		owner = Ownership(strings.ToLower(string(owner)))
		if _, known := dst[key]; !known && !open {
			warnings = append(warnings, fmt.Sprintf("%s.%s: unknown field group", section, key))
			continue
		}
		if !owner.valid() {
			warnings = append(warnings, fmt.Sprintf("%s.%s: invalid owner %q", section, key, owner))
			continue
		}
		dst[key] = owner
	}
	return warnings
}

func lookup(m map[string]Ownership, key string) Ownership {
	if o, ok := m[key]; ok {
		return o
	}
	return OwnerShared
}

var scriptFields = map[string]bool{
	"script":       true,
	"scriptEntry":  true,
	"scriptFiles":  true,
	"scriptFormat": true,
	"scriptRef":    true,
}

// BlueprintGroup returns the policy group of a blueprint field path.
func BlueprintGroup(path string) string {
	top, _, _ := strings.Cut(path, ".")
	switch {
	case scriptFields[top]:
		return GroupScript
	case top == "props":
		return GroupProps
	default:
		return GroupMetadata
	}
}

// EntityGroup returns the policy group of an entity field path.
func EntityGroup(path string) string {
	top, _, _ := strings.Cut(path, ".")
	switch top {
	case "position", "quaternion", "scale":
		return GroupTransform
	case "props":
		return GroupProps
	case "state":
		return GroupState
	default:
		return GroupMetadata
	}
}

// BlueprintOwner returns the owner of a blueprint field path.
func (p Policy) BlueprintOwner(path string) Ownership {
	return lookup(p.Blueprint, BlueprintGroup(path))
}

// EntityOwner returns the owner of an entity field path.
func (p Policy) EntityOwner(path string) Ownership {
	return lookup(p.Entity, EntityGroup(path))
}

// SettingOwner returns the owner of a settings key.
func (p Policy) SettingOwner(key string) Ownership {
	if o, ok := p.World.Settings[key]; ok {
		return o
	}
	return lookup(p.World.Settings, AnySetting)
}

// SpawnOwner returns the owner of a spawn field.
func (p Policy) SpawnOwner(field string) Ownership {
	return lookup(p.World.Spawn, field)
}
