// Package assets moves binary assets between the project's assets/ directory
// and the world server's content-addressed store.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/fsutil"
	"github.com/lobby-ws/gamedev-sub000/internal/hashutil"
	"github.com/lobby-ws/gamedev-sub000/internal/pathutil"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// AssetsDir is the project directory holding local assets.
const AssetsDir = "assets"

// Retry and concurrency defaults.
const (
	DefaultFetchAttempts = 4
	DefaultFetchStep     = 250 * time.Millisecond
	DefaultConcurrency   = 4
)

// Store is the server side of the pipeline.
type Store interface {
	UploadAsset(ctx context.Context, up admin.Upload) (bool, error)
	DownloadAsset(ctx context.Context, assetURL string) ([]byte, error)
}

// File is a local file destined for the server.
type File struct {
	Path     string
	Hash     string
	Filename string
}

// URL returns the asset URL of f.
func (f File) URL() string { return admin.AssetScheme + f.Filename }

// Options configures a Pipeline.
type Options struct {
	Root          string
	Store         Store
	Hasher        *hashutil.FileHasher
	PendingWrites *fsutil.PendingWrites
	Logger        *log.Logger
	FetchAttempts int
	FetchStep     time.Duration
	Concurrency   int
}

// Pipeline uploads and localizes assets.
type Pipeline struct {
	root        string
	store       Store
	hasher      *hashutil.FileHasher
	pw          *fsutil.PendingWrites
	logger      *log.Logger
	attempts    int
	step        time.Duration
	concurrency int

	// mu serializes naming and writes under assets/.
	mu sync.Mutex
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	p := &Pipeline{
		root:        opts.Root,
		store:       opts.Store,
		hasher:      opts.Hasher,
		pw:          opts.PendingWrites,
		logger:      opts.Logger,
		attempts:    opts.FetchAttempts,
		step:        opts.FetchStep,
		concurrency: opts.Concurrency,
	}
	if p.hasher == nil {
		p.hasher = hashutil.NewFileHasher(hashutil.DefaultFileCacheSize)
	}
	if p.pw == nil {
		p.pw = fsutil.NewPendingWrites(0)
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	if p.attempts <= 0 {
		p.attempts = DefaultFetchAttempts
	}
	if p.step <= 0 {
		p.step = DefaultFetchStep
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultConcurrency
	}
	return p, nil
}

// HashLocal hashes a local file and returns it as an upload candidate.
func (p *Pipeline) HashLocal(absPath string) (File, error) {
	hash, err := p.hasher.HashFile(absPath)
	if err != nil {
		return File{}, fmt.Errorf("failed to hash %s: %w", absPath, err)
	}
	return File{Path: absPath, Hash: hash, Filename: hash + strings.ToLower(filepath.Ext(absPath))}, nil
}

// PrepareBlueprint rewrites every local assets/ reference in bp to its
// asset:// URL and returns the files that must exist remotely. bp is
// modified in place.
func (p *Pipeline) PrepareBlueprint(bp admin.Blueprint) ([]File, error) {
	var files []File
	for _, r := range collectRefs(bp) {
		if !IsLocalRef(r.url) {
			continue
		}
		rel, _ := pathutil.Normalize(r.url)
		f, err := p.HashLocal(filepath.Join(p.root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		r.set(f.URL())
		files = append(files, f)
	}
	return files, nil
}

// Upload pushes files, skipping those the server already has. It returns the
// number of files actually sent.
func (p *Pipeline) Upload(ctx context.Context, files []File) (int, error) {
	seen := make(map[string]bool, len(files))
	var unique []File
	for _, f := range files {
		if !seen[f.Filename] {
			seen[f.Filename] = true
			unique = append(unique, f)
		}
	}

	var mu sync.Mutex
	sent := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, f := range unique {
		f := f
		g.Go(func() error {
			data, err := os.ReadFile(f.Path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", f.Path, err)
			}
			if got := hashutil.SHA256Hex(data); got != f.Hash {
				return errcode.Newf(errcode.AssetHashMismatch, "%s changed while uploading", f.Path)
			}
			uploaded, err := p.store.UploadAsset(gctx, admin.Upload{
				Filename: f.Filename,
				Data:     data,
				MimeType: mimeFor(f.Filename),
			})
			if err != nil {
				return fmt.Errorf("failed to upload %s: %w", f.Filename, err)
			}
			if uploaded {
				mu.Lock()
				sent++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sent, err
	}
	return sent, nil
}

func mimeFor(filename string) string {
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".glb":
		return "model/gltf-binary"
	case ".vrm":
		return "model/vrm"
	case ".ts", ".tsx", ".jsx", ".mjs", ".cjs", ".js":
		return "text/javascript"
	}
	return "application/octet-stream"
}

// LocalIndex maps content hash to the project-relative path of the first
// local file (by path order) with that hash.
func (p *Pipeline) LocalIndex() (map[string]string, error) {
	dir := filepath.Join(p.root, AssetsDir)
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || strings.Contains(d.Name(), ".tmp-") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index assets: %w", err)
	}
	sort.Strings(paths)

	index := make(map[string]string, len(paths))
	for _, path := range paths {
		hash, err := p.hasher.HashFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		if _, ok := index[hash]; ok {
			continue
		}
		rel, _ := filepath.Rel(p.root, path)
		index[hash] = filepath.ToSlash(rel)
	}
	return index, nil
}

// Fetch downloads an asset, retrying not_found with exponential delay, and
// verifies its hash when the URL carries one.
func (p *Pipeline) Fetch(ctx context.Context, assetURL string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.step
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.attempts-1)), ctx)

	var data []byte
	err := backoff.Retry(func() error {
		var err error
		data, err = p.store.DownloadAsset(ctx, assetURL)
		if err != nil {
			if admin.IsNotFound(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, retry)
	if err != nil {
		return nil, &errcode.Error{Code: errcode.AssetDownloadFailed, Detail: assetURL, Err: err}
	}

	if want, ok := HashFromURL(assetURL); ok {
		if got := hashutil.SHA256Hex(data); got != want {
			return nil, errcode.Newf(errcode.AssetHashMismatch, "%s hashed to %s", assetURL, got)
		}
	}
	return data, nil
}

// Localize rewrites every asset:// reference in bps to a path under assets/.
// Files already present locally with the same hash are reused; the rest are
// downloaded concurrently and named after their prop (or blueprint) name.
// bps are modified in place.
func (p *Pipeline) Localize(ctx context.Context, bps []admin.Blueprint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	index, err := p.LocalIndex()
	if err != nil {
		return err
	}

	type need struct {
		url  string
		hint string
	}
	var refs []ref
	var needs []need
	wanted := make(map[string]bool)
	for _, bp := range bps {
		for _, r := range collectRefs(bp) {
			if !IsAssetURL(r.url) {
				continue
			}
			refs = append(refs, r)
			if hash, ok := HashFromURL(r.url); ok {
				if _, local := index[hash]; local {
					continue
				}
			}
			if !wanted[r.url] {
				wanted[r.url] = true
				needs = append(needs, need{url: r.url, hint: r.hint})
			}
		}
	}

	fetched := make([][]byte, len(needs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, n := range needs {
		i, n := i, n
		g.Go(func() error {
			data, err := p.Fetch(gctx, n.url)
			if err != nil {
				return err
			}
			fetched[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byURL := make(map[string]string, len(needs))
	for i, n := range needs {
		hash := hashutil.SHA256Hex(fetched[i])
		if rel, ok := index[hash]; ok {
			byURL[n.url] = rel
			continue
		}
		rel, err := p.writeNamed(n.hint, ExtFromURL(n.url), hash, fetched[i])
		if err != nil {
			return err
		}
		index[hash] = rel
		byURL[n.url] = rel
		p.logger.Printf("[Assets] Downloaded %s -> %s", n.url, rel)
	}

	for _, r := range refs {
		if rel, ok := byURL[r.url]; ok {
			r.set(rel)
			continue
		}
		if hash, ok := HashFromURL(r.url); ok {
			if rel, ok := index[hash]; ok {
				r.set(rel)
			}
		}
	}
	return nil
}

// writeNamed writes data as assets/<hint><ext>, adding _1, _2, ... when a
// different file already holds the name.
func (p *Pipeline) writeNamed(hint, ext, hash string, data []byte) (string, error) {
	base := pathutil.SanitizeFileBaseName(hint)
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		rel := AssetsDir + "/" + name + ext
		abs := filepath.Join(p.root, filepath.FromSlash(rel))
		if _, err := os.Stat(abs); err == nil {
			existing, err := p.hasher.HashFile(abs)
			if err != nil {
				return "", err
			}
			if existing == hash {
				return rel, nil
			}
			continue
		}
		if err := p.pw.WriteFile(abs, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", rel, err)
		}
		p.hasher.Forget(abs)
		return rel, nil
	}
}
