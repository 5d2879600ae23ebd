// Package project builds the local projection of a lobby project: the
// blueprint configs under apps/, each app's entry script and the identity
// index that keeps blueprint ids stable on disk.
package project

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/pathutil"
)

// Layout names under the project root.
const (
	AppsDir       = "apps"
	AssetsDir     = "assets"
	StateDir      = ".lobby"
	IndexFile     = "blueprint-index.json"
	WorldFile     = "world.json"
	ConflictsDir  = "conflicts"
	SyncStateFile = "sync-state.json"
	PolicyFile    = "sync-policy.json"
)

// SceneID is the id of the scene blueprint, which never gets an app prefix.
const SceneID = "$scene"

// Script formats.
const (
	FormatModule     = "module"
	FormatLegacyBody = "legacy-body"
)

var configDenylist = map[string]bool{
	"package.json":  true,
	"tsconfig.json": true,
	"jsconfig.json": true,
}

// EntryCandidates lists entry file names in precedence order.
var EntryCandidates = []string{"index.ts", "index.tsx", "index.js", "index.jsx", "index.mjs", "index.cjs"}

// Blueprint is one blueprint config found on disk.
type Blueprint struct {
	ID                 string
	UID                string
	AppName            string
	FileBase           string
	ConfigPath         string
	RelativeConfigPath string
	// ScriptPath is the absolute entry path, empty when the app has no entry.
	ScriptPath string
	// ScriptKey is the entry path relative to the app directory.
	ScriptKey         string
	Keep              bool
	CreatedAt         string
	IdentitySignature string
	ScriptFormat      string
	Config            map[string]any
}

// Scope returns the config's deploy scope.
func (b *Blueprint) Scope() string {
	s, _ := b.Config["scope"].(string)
	return s
}

// App is one directory under apps/.
type App struct {
	Name         string
	Dir          string
	EntryPath    string
	EntryKey     string
	ScriptFormat string
	Blueprints   []*Blueprint
}

// InvalidConfig is a config file that could not be parsed.
type InvalidConfig struct {
	Path string
	Err  error
}

// Projection is the result of a scan.
type Projection struct {
	Root       string
	Apps       map[string]*App
	Blueprints []*Blueprint
	Invalid    []InvalidConfig
	Warnings   []string
	Index      *IdentityIndex

	byID map[string]*Blueprint
}

// Blueprint returns the scanned blueprint with id.
func (p *Projection) Blueprint(id string) (*Blueprint, bool) {
	bp, ok := p.byID[id]
	return bp, ok
}

// AppNames returns app names, sorted.
func (p *Projection) AppNames() []string {
	names := make([]string, 0, len(p.Apps))
	for name := range p.Apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsEmpty reports whether the project has no blueprint configs.
func (p *Projection) IsEmpty() bool { return len(p.Blueprints) == 0 }

// Scan reads apps/<app>/<base>.json under root and resolves ids against the
// persisted identity index. The returned projection carries the updated
// index; callers persist it with Index.Save.
func Scan(root string, logger *log.Logger) (*Projection, error) {
	if logger == nil {
		logger = log.Default()
	}
	p := &Projection{
		Root:  root,
		Apps:  make(map[string]*App),
		Index: LoadIdentityIndex(root),
		byID:  make(map[string]*Blueprint),
	}

	appsDir := filepath.Join(root, AppsDir)
	entries, err := os.ReadDir(appsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", appsDir, err)
	}

	res := &resolver{root: root, idx: p.Index, claimed: make(map[string]string)}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		app, err := scanApp(p, res, entry.Name())
		if err != nil {
			return nil, err
		}
		p.Apps[app.Name] = app
	}

	for _, w := range p.Warnings {
		logger.Printf("[Project] %s", w)
	}
	return p, nil
}

func scanApp(p *Projection, res *resolver, name string) (*App, error) {
	dir := filepath.Join(p.Root, AppsDir, name)
	app := &App{Name: name, Dir: dir}
	for _, candidate := range EntryCandidates {
		path := filepath.Join(dir, candidate)
		if fileExists(path) {
			app.EntryPath = path
			app.EntryKey = candidate
			break
		}
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read app %s: %w", name, err)
	}
	var names []string
	for _, f := range files {
		if f.IsDir() || configDenylist[f.Name()] || strings.HasPrefix(f.Name(), ".") {
			continue
		}
		if strings.EqualFold(filepath.Ext(f.Name()), ".json") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	for _, fileName := range names {
		configPath := filepath.Join(dir, fileName)
		relPath := filepath.ToSlash(filepath.Join(AppsDir, name, fileName))
		cfg, err := readConfig(configPath)
		if err != nil {
			p.Invalid = append(p.Invalid, InvalidConfig{Path: relPath, Err: err})
			p.Warnings = append(p.Warnings, fmt.Sprintf("Skipping %s: %v", relPath, err))
			continue
		}

		base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
		signature := IdentitySignature(cfg)
		id, explicit := res.resolve(cfg, relPath, name, base, signature)
		if !res.claim(id, relPath) {
			p.Warnings = append(p.Warnings, fmt.Sprintf("Duplicate blueprint id %q in %s (already used by %s); ignoring", id, relPath, res.claimed[id]))
			continue
		}
		if !explicit {
			cfg["id"] = id
		}

		bp := &Blueprint{
			ID:                 id,
			AppName:            name,
			FileBase:           base,
			ConfigPath:         configPath,
			RelativeConfigPath: relPath,
			ScriptPath:         app.EntryPath,
			ScriptKey:          app.EntryKey,
			IdentitySignature:  signature,
			Config:             cfg,
		}
		bp.UID, _ = cfg["uid"].(string)
		bp.CreatedAt, _ = cfg["createdAt"].(string)
		bp.Keep, _ = cfg["keep"].(bool)
		bp.ScriptFormat, _ = cfg["scriptFormat"].(string)
		if app.ScriptFormat == "" && bp.ScriptFormat != "" {
			app.ScriptFormat = bp.ScriptFormat
		}

		p.Index.Record(id, relPath, bp.UID, signature)
		p.Blueprints = append(p.Blueprints, bp)
		p.byID[id] = bp
		app.Blueprints = append(app.Blueprints, bp)
	}
	return app, nil
}

func readConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errcode.Wrap(errcode.InvalidBlueprintConfig, err)
	}
	if cfg == nil {
		return nil, errcode.New(errcode.InvalidBlueprintConfig, "config is not an object")
	}
	return cfg, nil
}

// AppForPath returns the app a project path belongs to, if any.
func AppForPath(root, path string) (string, bool) {
	rel, err := filepath.Rel(filepath.Join(root, AppsDir), path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if parts[0] == "" || strings.HasPrefix(parts[0], ".") {
		return "", false
	}
	return parts[0], true
}

// IsConfigPath reports whether path is apps/<app>/<base>.json.
func IsConfigPath(root, path string) bool {
	rel, err := filepath.Rel(filepath.Join(root, AppsDir), path)
	if err != nil {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	return len(parts) == 2 && strings.EqualFold(filepath.Ext(parts[1]), ".json") && !configDenylist[parts[1]]
}

// ConfigRelPath returns the project-relative config path for app/base.
func ConfigRelPath(app, base string) string {
	return AppsDir + "/" + app + "/" + base + ".json"
}

// SplitID guesses app and file base from a blueprint id.
func SplitID(id string) (app, base string) {
	if id == SceneID {
		return SceneID, SceneID
	}
	if i := strings.Index(id, "__"); i > 0 && i+2 < len(id) {
		return safeSegment(id[:i]), safeSegment(id[i+2:])
	}
	s := safeSegment(id)
	return s, s
}

func safeSegment(s string) string {
	if s == SceneID {
		return s
	}
	return pathutil.SanitizeFileBaseName(s)
}
