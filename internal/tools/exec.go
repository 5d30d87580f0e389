package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"lesionseg/internal/memo"
)

// ToolError reports a failed external tool execution.
//
// Failures are distinct from success by construction: a ToolError is never
// recorded in the memo store, so a retried invocation executes again.
type ToolError struct {
	Operation string
	ExitCode  int
	Stderr    string
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed with exit code %d", e.Operation, e.ExitCode)
	}
	return fmt.Sprintf("%s failed with exit code %d: %s", e.Operation, e.ExitCode, e.Stderr)
}

// ExecAdapter runs registered operations as external processes.
type ExecAdapter struct {
	log *logrus.Entry
}

// NewExecAdapter creates an adapter logging through log.
func NewExecAdapter(log *logrus.Entry) *ExecAdapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ExecAdapter{log: log}
}

// Run executes operation inside workDir and returns its named output paths.
//
// The process runs in its own process group so cancellation kills the whole
// tree, not just the launcher script. Stdout and stderr are captured; on a
// nonzero exit the stderr tail travels with the returned ToolError.
func (a *ExecAdapter) Run(ctx context.Context, operation string, params memo.Params, workDir string) (memo.Outputs, error) {
	spec, ok := registry[operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation: %q", operation)
	}

	argv, err := spec.build(params, workDir)
	if err != nil {
		return nil, fmt.Errorf("building command for %s: %w", operation, err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	// FSL tools pick their container format from FSLOUTPUTTYPE. The format
	// travels in the parameter record as output_type, so it is part of the
	// invocation key.
	if format, ok := params["output_type"].(string); ok && format != "" {
		cmd.Env = append(cmd.Env, "FSLOUTPUTTYPE="+format)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.log.WithFields(logrus.Fields{
		"operation": operation,
		"command":   argv[0],
	}).Debug("executing tool")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", operation, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			// Negative PID kills the whole process group.
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
	case err = <-done:
	}

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("executing %s: %w", operation, err)
		}
		return nil, &ToolError{
			Operation: operation,
			ExitCode:  exitErr.ExitCode(),
			Stderr:    tail(stderr.String(), 1024),
		}
	}

	// A tool exiting zero without its declared outputs is still a failure.
	outputs := make(memo.Outputs, len(spec.outputs))
	for name, rel := range spec.outputs {
		path := filepath.Join(workDir, rel)
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, fmt.Errorf("%s succeeded but output %q is missing at %s", operation, name, path)
		}
		outputs[name] = path
	}
	return outputs, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
