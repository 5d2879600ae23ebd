package assets

import (
	"path"
	"sort"
	"strings"

	"github.com/lobby-ws/gamedev-sub000/internal/pathutil"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// ref is one file reference inside a blueprint.
type ref struct {
	url  string
	hint string
	set  func(string)
}

// collectRefs finds model, image and props file references. Props are
// visited in key order so naming is deterministic.
func collectRefs(bp admin.Blueprint) []ref {
	var refs []ref
	name := bp.Name()
	if name == "" {
		name = bp.ID()
	}

	if u, ok := bp["model"].(string); ok && u != "" {
		refs = append(refs, ref{url: u, hint: name, set: func(v string) { bp["model"] = v }})
	}
	switch img := bp["image"].(type) {
	case string:
		if img != "" {
			refs = append(refs, ref{url: img, hint: name + " image", set: func(v string) { bp["image"] = v }})
		}
	case map[string]any:
		if u, ok := img["url"].(string); ok && u != "" {
			refs = append(refs, ref{url: u, hint: name + " image", set: func(v string) { img["url"] = v }})
		}
	}

	props := bp.Props()
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry, ok := props[k].(map[string]any)
		if !ok {
			continue
		}
		if u, ok := entry["url"].(string); ok && u != "" {
			refs = append(refs, ref{url: u, hint: k, set: func(v string) { entry["url"] = v }})
		}
	}
	return refs
}

// IsAssetURL reports whether u is asset://<name>.
func IsAssetURL(u string) bool { return strings.HasPrefix(u, admin.AssetScheme) }

// IsLocalRef reports whether u points into the project's assets/ directory.
func IsLocalRef(u string) bool {
	if u == "" || IsAssetURL(u) || strings.Contains(u, "://") {
		return false
	}
	rel, err := pathutil.Normalize(u)
	if err != nil {
		return false
	}
	return strings.HasPrefix(rel, AssetsDir+"/")
}

// HashFromURL extracts the content hash from asset://<hash>.<ext>. ok is
// false when the name is not a 64-hex hash.
func HashFromURL(u string) (string, bool) {
	name := path.Base(strings.TrimPrefix(u, admin.AssetScheme))
	hash := strings.TrimSuffix(name, path.Ext(name))
	if len(hash) != 64 {
		return "", false
	}
	for _, c := range hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", false
		}
	}
	return hash, true
}

// ExtFromURL returns the lower-cased extension, including the dot.
func ExtFromURL(u string) string {
	return strings.ToLower(path.Ext(strings.TrimPrefix(u, admin.AssetScheme)))
}
