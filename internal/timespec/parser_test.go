package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	now := time.Date(2025, 10, 29, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		spec string
		want time.Time
	}{
		{spec: "1h", want: now.Add(-time.Hour)},
		{spec: "1h30m", want: now.Add(-90 * time.Minute)},
		{spec: "2d", want: now.Add(-48 * time.Hour)},
		{spec: " 30s ", want: now.Add(-30 * time.Second)},
		{spec: "2025-10-29T13:00:00Z", want: time.Date(2025, 10, 29, 13, 0, 0, 0, time.UTC)},
		{spec: "2025-10-01", want: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := Parse(tt.spec, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, spec := range []string{"", "yesterday", "-1h", "xd", "2025-13-45"} {
		_, err := Parse(spec, time.Now())
		assert.Error(t, err, spec)
	}
}

func TestParseRange(t *testing.T) {
	since, until, err := ParseRange("2h", "1h")
	require.NoError(t, err)
	assert.Less(t, since, until)

	since, until, err = ParseRange("", "")
	require.NoError(t, err)
	assert.Zero(t, since)
	assert.Zero(t, until)

	_, _, err = ParseRange("1h", "2h")
	assert.ErrorContains(t, err, "--since must be before --until")

	_, _, err = ParseRange("bogus", "")
	assert.ErrorContains(t, err, "invalid --since")
}
