// Package bundler packages an app's scripts for the world server. It collects
// every script under the app plus the @shared/ files they reach, hashes each
// file and produces the scriptFiles map the runtime loads modules from.
package bundler

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/hashutil"
	"github.com/lobby-ws/gamedev-sub000/internal/hostapi"
	"github.com/lobby-ws/gamedev-sub000/internal/pathutil"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
)

// DefaultExcludes are directory patterns never walked.
var DefaultExcludes = []string{".git", "node_modules", ".*"}

// ModeModule is the only packaging mode produced.
const ModeModule = "module"

// Upload is one script file that must exist on the server.
type Upload struct {
	// Key is the scriptFiles key.
	Key string
	// Path is the absolute source path.
	Path string
	Hash string
	// Filename is <hash><ext>, the server-side asset name.
	Filename string
}

// URL returns the asset URL for the upload.
func (u Upload) URL() string { return "asset://" + u.Filename }

// Result is a packaged app.
type Result struct {
	Mode         string
	ScriptURL    string
	ScriptEntry  string
	ScriptFiles  map[string]string
	ScriptFormat string
	Uploads      []Upload
}

// Options configures a Bundler.
type Options struct {
	Root     string
	Hasher   *hashutil.FileHasher
	Excludes []string
	Logger   *log.Logger
}

// Bundler builds Results. It caches file hashes between builds and warns at
// most once per app about legacy-body entries.
type Bundler struct {
	root     string
	hasher   *hashutil.FileHasher
	excludes []glob.Glob
	logger   *log.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// New creates a Bundler.
func New(opts Options) (*Bundler, error) {
	b := &Bundler{
		root:   opts.Root,
		hasher: opts.Hasher,
		logger: opts.Logger,
		warned: make(map[string]bool),
	}
	if b.hasher == nil {
		b.hasher = hashutil.NewFileHasher(hashutil.DefaultFileCacheSize)
	}
	if b.logger == nil {
		b.logger = log.Default()
	}
	patterns := opts.Excludes
	if patterns == nil {
		patterns = DefaultExcludes
	}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		b.excludes = append(b.excludes, g)
	}
	return b, nil
}

func (b *Bundler) excluded(name string) bool {
	for _, g := range b.excludes {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Build packages app. explicitFormat, when set, overrides detection.
func (b *Bundler) Build(app *project.App, explicitFormat string) (*Result, error) {
	if app.EntryPath == "" {
		return nil, errcode.New(errcode.MissingScriptEntry, app.Name)
	}

	appFiles, err := b.listAppScripts(app.Dir)
	if err != nil {
		return nil, err
	}

	sharedFiles, err := b.collectShared(app.Dir, appFiles)
	if err != nil {
		return nil, err
	}

	res := &Result{Mode: ModeModule, ScriptFiles: make(map[string]string)}
	add := func(key, absPath string) error {
		if !pathutil.IsValidScriptPath(key) {
			return errcode.Newf(errcode.MissingScriptFiles, "invalid script path %s", key)
		}
		hash, err := b.hasher.HashFile(absPath)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", absPath, err)
		}
		up := Upload{Key: key, Path: absPath, Hash: hash, Filename: hash + strings.ToLower(filepath.Ext(absPath))}
		res.Uploads = append(res.Uploads, up)
		res.ScriptFiles[key] = up.URL()
		return nil
	}

	for _, rel := range appFiles {
		if err := add(rel, filepath.Join(app.Dir, filepath.FromSlash(rel))); err != nil {
			return nil, err
		}
	}
	for _, key := range sharedFiles {
		if err := add(key, pathutil.SharedDiskPath(b.root, key)); err != nil {
			return nil, err
		}
	}

	res.ScriptEntry = app.EntryKey
	res.ScriptURL = res.ScriptFiles[app.EntryKey]
	res.ScriptFormat, err = b.detectFormat(app, explicitFormat)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// listAppScripts returns app-relative slash paths of every script, sorted.
func (b *Bundler) listAppScripts(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && b.excluded(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !pathutil.IsScriptFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list scripts in %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// collectShared walks the import graph from the app's scripts into shared/
// and returns canonical @shared/ keys, sorted. Shared files may only import
// other shared files.
func (b *Bundler) collectShared(appDir string, appFiles []string) ([]string, error) {
	sharedRoot := filepath.Join(b.root, pathutil.SharedDir)
	seen := make(map[string]bool)
	missing := make(map[string]bool)
	var queue []string

	enqueue := func(key string) {
		if seen[key] || missing[key] {
			return
		}
		resolved, ok := resolveFile(pathutil.SharedDiskPath(b.root, key))
		if !ok {
			missing[key] = true
			return
		}
		rel, err := filepath.Rel(sharedRoot, resolved)
		if err != nil {
			missing[key] = true
			return
		}
		canonical := pathutil.SharedPrefix + filepath.ToSlash(rel)
		if seen[canonical] {
			return
		}
		seen[canonical] = true
		queue = append(queue, canonical)
	}

	for _, rel := range appFiles {
		src, err := os.ReadFile(filepath.Join(appDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		for _, spec := range ParseImports(string(src)) {
			if key, ok := pathutil.CanonicalShared(spec); ok {
				enqueue(key)
				continue
			}
			if isRelative(spec) {
				target := filepath.Join(appDir, filepath.Dir(filepath.FromSlash(rel)), filepath.FromSlash(spec))
				if pathutil.Within(sharedRoot, target) {
					r, _ := filepath.Rel(sharedRoot, target)
					enqueue(pathutil.SharedPrefix + filepath.ToSlash(r))
				}
			}
		}
	}

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		src, err := os.ReadFile(pathutil.SharedDiskPath(b.root, key))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		dir := path.Dir(pathutil.SharedRel(key))
		for _, spec := range ParseImports(string(src)) {
			if canonical, ok := pathutil.CanonicalShared(spec); ok {
				enqueue(canonical)
				continue
			}
			if !isRelative(spec) {
				continue
			}
			joined := path.Join(dir, spec)
			if joined == ".." || strings.HasPrefix(joined, "../") {
				missing[spec] = true
				continue
			}
			enqueue(pathutil.SharedPrefix + joined)
		}
	}

	if len(missing) > 0 {
		list := make([]string, 0, len(missing))
		for k := range missing {
			list = append(list, k)
		}
		sort.Strings(list)
		return nil, errcode.New(errcode.MissingSharedScripts, strings.Join(list, ","))
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// resolveFile applies extension and index resolution to an import target.
func resolveFile(p string) (string, bool) {
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p, true
	}
	for _, ext := range pathutil.ScriptExtensions {
		if info, err := os.Stat(p + ext); err == nil && !info.IsDir() {
			return p + ext, true
		}
	}
	for _, ext := range pathutil.ScriptExtensions {
		candidate := filepath.Join(p, "index"+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

func (b *Bundler) detectFormat(app *project.App, explicit string) (string, error) {
	if explicit == "" {
		explicit = app.ScriptFormat
	}
	switch explicit {
	case project.FormatModule, project.FormatLegacyBody:
		return explicit, nil
	}
	src, err := os.ReadFile(app.EntryPath)
	if err != nil {
		return "", fmt.Errorf("failed to read entry %s: %w", app.EntryPath, err)
	}
	if HasDefaultExport(string(src)) {
		return project.FormatModule, nil
	}
	b.mu.Lock()
	first := !b.warned[app.Name]
	b.warned[app.Name] = true
	b.mu.Unlock()
	if first {
		b.logger.Printf("[Bundler] %s: entry has no default export; packaging as %s (scope: %s)",
			app.Name, project.FormatLegacyBody, strings.Join(hostapi.LegacyScope, ", "))
	}
	return project.FormatLegacyBody, nil
}
