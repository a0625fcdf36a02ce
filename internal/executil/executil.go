package executil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Command describes an external program invocation.
type Command struct {
	// Name is the executable. Without Args it is run through bash -c.
	Name string
	// Args are passed verbatim, never through a shell.
	Args []string
	// Env adds environment variables on top of the current process environment.
	Env map[string]string
	// Dir is the working directory.
	Dir string
}

// Build builds an exec.Cmd for c.
func Build(ctx context.Context, c Command) (*exec.Cmd, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("command is empty")
	}
	var cmd *exec.Cmd
	if len(c.Args) == 0 {
		cmd = exec.CommandContext(ctx, "bash", "-c", c.Name)
	} else {
		cmd = exec.CommandContext(ctx, c.Name, c.Args...)
	}
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(c.Env))
	for key := range c.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, c.Env[key]))
	}
	return cmd, nil
}

// Run executes c and returns combined output, exit code, and error.
func Run(ctx context.Context, c Command) (string, int, error) {
	cmd, err := Build(ctx, c)
	if err != nil {
		return "", -1, err
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err = cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return output.String(), exitCode, err
}

// Output executes c and returns stdout only; stderr is folded into the error.
func Output(ctx context.Context, c Command) ([]byte, error) {
	cmd, err := Build(ctx, c)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return stdout.Bytes(), err
		}
		return stdout.Bytes(), fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}
