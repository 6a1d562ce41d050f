// Package executortest provides an in-memory executor.Executor for tests.
package executortest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/codefionn/iqdump/internal/executor"
)

// Call records one Executor method invocation
type Call struct {
	Method string // "Run", "Output" or "Pipeline"
	Stages []executor.Stage
}

// Fake records invocations instead of launching programs. Every stage
// succeeds unless Handler says otherwise.
type Fake struct {
	// Handler decides the outcome of each stage; nil means success
	Handler func(ctx context.Context, stage executor.Stage) error
	// Stdout is returned by Output and written to a pipeline's sink
	Stdout []byte

	mu    sync.Mutex
	calls []Call
}

// New creates an empty Fake
func New() *Fake {
	return &Fake{}
}

// FailOn makes every stage whose program name is in names exit with status 1
func (f *Fake) FailOn(names ...string) *Fake {
	failing := make(map[string]bool, len(names))
	for _, n := range names {
		failing[n] = true
	}
	f.Handler = func(_ context.Context, stage executor.Stage) error {
		if failing[stage.Name] {
			return ExitFailure(stage, 1)
		}
		return nil
	}
	return f
}

// ExitFailure builds the error a stage exiting with code returns
func ExitFailure(stage executor.Stage, code int) error {
	return &executor.ToolError{Stage: stage, Started: true, ExitCode: code, Err: errors.New("exit status")}
}

func (f *Fake) record(method string, stages ...executor.Stage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, Stages: append([]executor.Stage(nil), stages...)})
}

func (f *Fake) outcome(ctx context.Context, stage executor.Stage) error {
	if f.Handler == nil {
		return nil
	}
	return f.Handler(ctx, stage)
}

// Run implements executor.Executor
func (f *Fake) Run(ctx context.Context, stage executor.Stage) error {
	f.record("Run", stage)
	return f.outcome(ctx, stage)
}

// Output implements executor.Executor
func (f *Fake) Output(ctx context.Context, stage executor.Stage) ([]byte, error) {
	f.record("Output", stage)
	if err := f.outcome(ctx, stage); err != nil {
		return nil, err
	}
	return append([]byte(nil), f.Stdout...), nil
}

// Pipeline implements executor.Executor. All stages are evaluated, like a
// real pipeline waits on every stage, and the first failure is returned.
func (f *Fake) Pipeline(ctx context.Context, out io.Writer, stages ...executor.Stage) error {
	f.record("Pipeline", stages...)

	var first error
	for _, stage := range stages {
		if err := f.outcome(ctx, stage); err != nil && first == nil {
			first = err
		}
	}
	if out != nil && len(f.Stdout) > 0 {
		if _, err := out.Write(f.Stdout); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Calls returns a copy of the recorded invocations
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Stages flattens all recorded invocations in call order
func (f *Fake) Stages() []executor.Stage {
	var stages []executor.Stage
	for _, c := range f.Calls() {
		stages = append(stages, c.Stages...)
	}
	return stages
}

// Reset forgets recorded invocations
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
