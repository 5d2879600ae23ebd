package project

import (
	"sort"

	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// Script fields held only by the main blueprint of a script group.
var scriptGroupFields = []string{"scriptEntry", "scriptFiles", "scriptFormat"}

// ScriptGroup is the set of blueprints sharing one script value.
type ScriptGroup struct {
	Script  string
	Main    string
	Members []string
}

// FileBaseFunc returns the file base used to break createdAt ties.
type FileBaseFunc func(id string) string

// DefaultFileBase derives the file base from the id.
func DefaultFileBase(id string) string {
	_, base := SplitID(id)
	return base
}

// ScriptGroups groups blueprints by non-empty script. The main of each group
// has the smallest createdAt, then the smallest file base, then the smallest
// id. A blueprint with an empty createdAt sorts after any dated one.
func ScriptGroups(bps []admin.Blueprint, fileBase FileBaseFunc) []ScriptGroup {
	if fileBase == nil {
		fileBase = DefaultFileBase
	}
	byScript := make(map[string][]admin.Blueprint)
	for _, bp := range bps {
		if script := bp.Script(); script != "" {
			byScript[script] = append(byScript[script], bp)
		}
	}

	groups := make([]ScriptGroup, 0, len(byScript))
	for script, members := range byScript {
		sort.Slice(members, func(i, j int) bool {
			a, b := members[i], members[j]
			ca, cb := a.CreatedAt(), b.CreatedAt()
			if ca != cb {
				if ca == "" {
					return false
				}
				if cb == "" {
					return true
				}
				return ca < cb
			}
			fa, fb := fileBase(a.ID()), fileBase(b.ID())
			if fa != fb {
				return fa < fb
			}
			return a.ID() < b.ID()
		})
		g := ScriptGroup{Script: script, Main: members[0].ID()}
		for _, m := range members {
			g.Members = append(g.Members, m.ID())
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Main < groups[j].Main })
	return groups
}

// ApplyScriptGroups rewrites bps in place so each group's main holds the
// script fields and every other member carries scriptRef to the main with
// its own script fields cleared. It returns id -> main id for grouped
// blueprints.
func ApplyScriptGroups(bps []admin.Blueprint, fileBase FileBaseFunc) map[string]string {
	groups := ScriptGroups(bps, fileBase)
	mainOf := make(map[string]string)
	byID := make(map[string]admin.Blueprint, len(bps))
	for _, bp := range bps {
		byID[bp.ID()] = bp
	}

	for _, g := range groups {
		main := byID[g.Main]
		// A variant may have carried the script fields; hand them to the main.
		if main.ScriptFiles() == nil {
			for _, id := range g.Members {
				donor := byID[id]
				if donor.ScriptFiles() != nil {
					for _, f := range scriptGroupFields {
						if v, ok := donor[f]; ok {
							main[f] = v
						}
					}
					break
				}
			}
		}
		delete(main, "scriptRef")
		for _, id := range g.Members {
			mainOf[id] = g.Main
			if id == g.Main {
				continue
			}
			member := byID[id]
			member["scriptRef"] = g.Main
			for _, f := range scriptGroupFields {
				member[f] = nil
			}
		}
	}
	return mainOf
}
