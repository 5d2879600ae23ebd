// Package hostapi describes how the world runtime invokes app scripts. The
// sync engine never executes scripts; it uses these shapes to package and
// describe them.
package hostapi

import (
	"fmt"
	"strings"
)

// ModuleParams are the parameters a module script's default export receives,
// in order.
var ModuleParams = []string{"world", "app", "fetch", "props", "setTimeout"}

// LegacyScope are the bindings in scope for a legacy-body script.
var LegacyScope = []string{"world", "app", "props", "shared", "config"}

// ModuleSignature renders the expected default export signature.
func ModuleSignature() string {
	return fmt.Sprintf("export default (%s) => { ... }", strings.Join(ModuleParams, ", "))
}

// WrapLegacyBody wraps a legacy-body script into the module shape the runtime
// evaluates: the body runs as the init function with the legacy bindings in
// scope. shared and config are taken from the app.
func WrapLegacyBody(body string) string {
	var b strings.Builder
	b.WriteString("export default (")
	b.WriteString(strings.Join(ModuleParams, ", "))
	b.WriteString(") => {\n")
	b.WriteString("  const shared = app.shared\n")
	b.WriteString("  const config = app.config\n")
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		if line == "" {
			b.WriteString("\n")
			continue
		}
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return b.String()
}
