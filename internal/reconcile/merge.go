// Package reconcile computes three-way merges between the local project, the
// runtime and the sync baseline, and turns them into a deploy plan.
//
// Every object is first classified by comparing hashes against the baseline.
// Only objects changed on both sides are merged field by field; ownership
// policy decides fields both sides changed, and fields it cannot decide
// become conflicts.
package reconcile

import (
	"sort"

	"github.com/lobby-ws/gamedev-sub000/internal/hashutil"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
)

// Class is the outcome of comparing both sides' hashes to the baseline.
type Class string

// Classes.
const (
	ClassUnchanged  Class = "unchanged"
	ClassLocalOnly  Class = "local-only"
	ClassRemoteOnly Class = "remote-only"
	ClassConcurrent Class = "concurrent"
)

// Classify compares hashes. An empty hash means the value is absent.
func Classify(baseHash, localHash, remoteHash string) Class {
	localChanged := localHash != baseHash
	remoteChanged := remoteHash != baseHash
	switch {
	case !localChanged && !remoteChanged:
		return ClassUnchanged
	case localChanged && !remoteChanged:
		return ClassLocalOnly
	case !localChanged && remoteChanged:
		return ClassRemoteOnly
	case localHash == remoteHash:
		return ClassUnchanged
	default:
		return ClassConcurrent
	}
}

// Resolution says how one field was settled.
type Resolution string

// Field resolutions.
const (
	ResolvedEqual        Resolution = "equal"
	ResolvedUnchanged    Resolution = "unchanged"
	ResolvedLocalOnly    Resolution = "local-only"
	ResolvedRemoteOnly   Resolution = "remote-only"
	ResolvedLocalPolicy  Resolution = "local-policy"
	ResolvedRemotePolicy Resolution = "remote-policy"
	ResolvedConflict     Resolution = "conflict"
)

// ResolveField settles one field. Absent values are nil.
func ResolveField(base, local, remote any, owner Ownership) Resolution {
	localChanged := !hashutil.Equal(local, base)
	remoteChanged := !hashutil.Equal(remote, base)
	switch {
	case !localChanged && !remoteChanged:
		return ResolvedUnchanged
	case hashutil.Equal(local, remote):
		return ResolvedEqual
	case !remoteChanged:
		return ResolvedLocalOnly
	case !localChanged:
		return ResolvedRemoteOnly
	}
	switch owner {
	case OwnerLocal:
		return ResolvedLocalPolicy
	case OwnerRuntime:
		return ResolvedRemotePolicy
	default:
		return ResolvedConflict
	}
}

// takesRemote reports whether the merged value comes from the remote side.
func (r Resolution) takesRemote() bool {
	return r == ResolvedRemoteOnly || r == ResolvedRemotePolicy
}

// ObjectMerge is the field-level merge of one object.
type ObjectMerge struct {
	Merged       map[string]any
	Unresolved   []syncstate.FieldChange
	AutoResolved []syncstate.FieldChange
}

// HasConflicts reports whether any field needs a decision.
func (m *ObjectMerge) HasConflicts() bool { return len(m.Unresolved) > 0 }

// MergeFields merges three versions of an object field by field. Keys listed
// in expand are merged one level deeper (path "key.sub") when every present
// side holds an object there. Conflicting fields keep the local value in
// Merged.
func MergeFields(base, local, remote map[string]any, expand map[string]bool, owner func(path string) Ownership) *ObjectMerge {
	out := &ObjectMerge{Merged: map[string]any{}}
	for _, key := range unionKeys(base, local, remote) {
		b, l, r := base[key], local[key], remote[key]
		if expand[key] && allObjects(b, l, r) {
			sub := MergeFields(asObject(b), asObject(l), asObject(r), nil, func(p string) Ownership {
				return owner(key + "." + p)
			})
			for i := range sub.Unresolved {
				sub.Unresolved[i].Path = key + "." + sub.Unresolved[i].Path
			}
			for i := range sub.AutoResolved {
				sub.AutoResolved[i].Path = key + "." + sub.AutoResolved[i].Path
			}
			out.Unresolved = append(out.Unresolved, sub.Unresolved...)
			out.AutoResolved = append(out.AutoResolved, sub.AutoResolved...)
			// a side that dropped the whole object keeps it dropped once
			// nothing in it survives the merge
			dropped := b != nil && (l == nil || r == nil)
			if len(sub.Merged) > 0 || (!dropped && (l != nil || r != nil)) {
				out.Merged[key] = sub.Merged
			}
			continue
		}

		policy := owner(key)
		res := ResolveField(b, l, r, policy)
		value := l
		if res.takesRemote() {
			value = r
		}
		if value != nil {
			out.Merged[key] = value
		}
		change := syncstate.FieldChange{
			Path:       key,
			Base:       b,
			Local:      l,
			Remote:     r,
			Policy:     string(policy),
			Resolution: string(res),
		}
		switch res {
		case ResolvedConflict:
			out.Unresolved = append(out.Unresolved, change)
		case ResolvedLocalOnly, ResolvedRemoteOnly, ResolvedLocalPolicy, ResolvedRemotePolicy:
			out.AutoResolved = append(out.AutoResolved, change)
		}
	}
	return out
}

func unionKeys(maps ...map[string]any) []string {
	seen := map[string]bool{}
	var keys []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func allObjects(values ...any) bool {
	for _, v := range values {
		if v == nil {
			continue
		}
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
