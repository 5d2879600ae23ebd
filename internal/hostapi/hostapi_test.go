package hostapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModuleSignature(t *testing.T) {
	assert.Equal(t, "export default (world, app, fetch, props, setTimeout) => { ... }", ModuleSignature())
}

func TestWrapLegacyBody(t *testing.T) {
	got := WrapLegacyBody("app.on('update', () => {})\n\nconsole.log(props.text)\n")
	want := "export default (world, app, fetch, props, setTimeout) => {\n" +
		"  const shared = app.shared\n" +
		"  const config = app.config\n" +
		"  app.on('update', () => {})\n" +
		"\n" +
		"  console.log(props.text)\n" +
		"}\n"
	assert.Equal(t, want, got)
}

func TestLegacyScopeCoversModuleBindings(t *testing.T) {
	for _, name := range []string{"world", "app", "props"} {
		assert.Contains(t, ModuleParams, name)
		assert.Contains(t, LegacyScope, name)
	}
}
