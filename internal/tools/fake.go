package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lesionseg/internal/memo"
)

// FakeCall records one adapter invocation for assertions.
type FakeCall struct {
	Operation string
	Params    memo.Params
	WorkDir   string
}

// FakeAdapter satisfies memo.Adapter without running any external process.
// It fabricates the declared outputs of each registered operation as empty
// files (or directories) inside the working directory and records every call.
// Useful for driver and invoker tests.
type FakeAdapter struct {
	mu    sync.Mutex
	calls []FakeCall

	// FailOn maps operation names to the error Run should return for them.
	FailOn map[string]error
}

// NewFakeAdapter creates an adapter that succeeds on every operation.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{FailOn: make(map[string]error)}
}

// Run fabricates the operation's declared outputs.
func (a *FakeAdapter) Run(_ context.Context, operation string, params memo.Params, workDir string) (memo.Outputs, error) {
	a.mu.Lock()
	a.calls = append(a.calls, FakeCall{Operation: operation, Params: params, WorkDir: workDir})
	failErr := a.FailOn[operation]
	a.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}

	spec, ok := registry[operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation: %q", operation)
	}

	outputs := make(memo.Outputs, len(spec.outputs))
	for name, rel := range spec.outputs {
		path := filepath.Join(workDir, rel)
		if name == "out_dir" {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return nil, err
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return nil, err
			}
		}
		outputs[name] = path
	}
	return outputs, nil
}

// Calls returns a copy of the recorded invocations in order.
func (a *FakeAdapter) Calls() []FakeCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FakeCall(nil), a.calls...)
}

// CallCount returns how many times operation was physically invoked.
func (a *FakeAdapter) CallCount(operation string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Operation == operation {
			n++
		}
	}
	return n
}
