package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts command execution for pedestal adapters.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Result carries a finished command's output and exit code.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int32
}

// Output returns trimmed stdout.
func (r Result) Output() string {
	return strings.TrimSpace(string(r.Stdout))
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = int32(exitErr.ExitCode())
		return res, fmt.Errorf("%s %s: exit %d: %s", name, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(stderr.String()))
	}

	res.ExitCode = 1
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		res.ExitCode = 127
	}
	return res, fmt.Errorf("%s: %w", name, err)
}
