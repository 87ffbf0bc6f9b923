package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, out string)
	}{
		{
			name: "table output",
			args: []string{"version", "--short=false", "-o", "table"},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "Somleng CLI")
				assert.Regexp(t, `Version:\s+v`+Version, out)
				assert.Contains(t, out, "Platform:")
			},
		},
		{
			name: "short flag",
			args: []string{"version", "--short"},
			check: func(t *testing.T, out string) {
				assert.Equal(t, "v"+Version+"\n", out)
			},
		},
		{
			name: "json output",
			args: []string{"version", "--short=false", "-o", "json"},
			check: func(t *testing.T, out string) {
				var info buildInfo
				require.NoError(t, json.Unmarshal([]byte(out), &info))
				assert.Equal(t, "v"+Version, info.Version)
				assert.NotEmpty(t, info.GoVersion)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			require.NoError(t, err)
			tt.check(t, out)
		})
	}
}

func TestVersionCommandFlags(t *testing.T) {
	cmd := NewRootCmd()
	versionCmd, _, err := cmd.Find([]string{"version"})
	require.NoError(t, err)
	assert.NotNil(t, versionCmd.Flags().Lookup("short"))
}
