package bundler

import (
	"regexp"
	"strings"
)

var (
	staticImportPattern  = regexp.MustCompile(`(?m)(?:^|[;\s}])(?:import|export)\s+(?:[\w*${}\s,]+?\s+from\s+)?["']([^"'\n]+)["']`)
	dynamicImportPattern = regexp.MustCompile(`\b(?:import|require)\s*\(\s*["']([^"'\n]+)["']\s*\)`)
	defaultExportPattern = regexp.MustCompile(`(?m)(?:^|[;\s}])export\s+default\b|export\s*\{[^}]*\bas\s+default\b`)
)

// stripComments removes // and /* */ comments while leaving string and
// template literals intact, so import scanning does not see commented-out
// code.
func stripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				if src[i] == '\n' {
					b.WriteByte('\n')
				}
				i++
			}
			i++
			b.WriteByte(' ')
		case c == '"' || c == '\'' || c == '`':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				j = len(src) - 1
			}
			b.WriteString(src[i : j+1])
			i = j
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ParseImports returns the module specifiers src imports, in order of first
// appearance and without duplicates.
func ParseImports(src string) []string {
	clean := stripComments(src)
	type hit struct {
		pos  int
		spec string
	}
	var hits []hit
	for _, m := range staticImportPattern.FindAllStringSubmatchIndex(clean, -1) {
		hits = append(hits, hit{m[2], clean[m[2]:m[3]]})
	}
	for _, m := range dynamicImportPattern.FindAllStringSubmatchIndex(clean, -1) {
		hits = append(hits, hit{m[2], clean[m[2]:m[3]]})
	}
	// insertion sort by position; lists are short
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	seen := make(map[string]bool, len(hits))
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if !seen[h.spec] {
			seen[h.spec] = true
			out = append(out, h.spec)
		}
	}
	return out
}

// HasDefaultExport reports whether src exports a default binding.
func HasDefaultExport(src string) bool {
	return defaultExportPattern.MatchString(stripComments(src))
}

func isRelative(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}
