package executil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExitCode(t *testing.T) {
	out, code, err := Run(context.Background(), Command{Name: "echo warn; exit 3"})
	require.Error(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, out, "warn")
}

func TestRunArgsAreNotShellExpanded(t *testing.T) {
	out, code, err := Run(context.Background(), Command{Name: "echo", Args: []string{"$HOME"}})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "$HOME\n", out)
}

func TestOutputEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	out, err := Output(context.Background(), Command{Name: "echo $GATE_X; pwd", Env: map[string]string{"GATE_X": "1"}, Dir: dir})
	require.NoError(t, err)
	assert.Contains(t, string(out), "1\n")
	assert.Contains(t, string(out), dir)
}

func TestBuildEmpty(t *testing.T) {
	_, err := Build(context.Background(), Command{})
	require.Error(t, err)
}
