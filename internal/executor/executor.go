// Package executor launches the external programs behind each diagnostic
// command and reports how they exited.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/iqdump/internal/consts"
	"github.com/codefionn/iqdump/internal/logger"
)

// Stage is one program invocation
type Stage struct {
	Name string
	Args []string
}

// Cmd builds a Stage
func Cmd(name string, args ...string) Stage {
	return Stage{Name: name, Args: args}
}

// String renders the stage roughly as a shell would show it
func (s Stage) String() string {
	if len(s.Args) == 0 {
		return s.Name
	}
	return s.Name + " " + strings.Join(s.Args, " ")
}

// Executor runs external programs synchronously
type Executor interface {
	// Run waits for the program and returns nil on exit status 0
	Run(ctx context.Context, stage Stage) error
	// Output is Run with stdout captured
	Output(ctx context.Context, stage Stage) ([]byte, error)
	// Pipeline connects each stage's stdout to the next stage's stdin and
	// the last stage's stdout to out. Every stage is waited on and the first
	// failure is returned.
	Pipeline(ctx context.Context, out io.Writer, stages ...Stage) error
}

// ToolError reports a program that could not be started or exited unsuccessfully
type ToolError struct {
	Stage    Stage
	Started  bool
	ExitCode int // -1 when the program never started or was killed by a signal
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	if !e.Started {
		fmt.Fprintf(&b, "failed to start %q: %v", e.Stage.Name, e.Err)
	} else {
		fmt.Fprintf(&b, "%q exited with status %d: %v", e.Stage.String(), e.ExitCode, e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, " (stderr: %s)", strings.TrimSpace(e.Stderr))
	}
	return b.String()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func startError(stage Stage, err error) *ToolError {
	return &ToolError{Stage: stage, ExitCode: -1, Err: err}
}

func exitError(stage Stage, err error, stderr *tailBuffer) *ToolError {
	te := &ToolError{Stage: stage, Started: true, ExitCode: -1, Err: err, Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	return te
}

// killGrace is how long Wait keeps draining I/O after a stage was killed
const killGrace = 2 * time.Second

// ProcessExecutor runs programs with os/exec. Each program gets its own
// process group so a cancelled context kills everything it spawned.
type ProcessExecutor struct {
	// Timeout bounds every invocation; zero waits indefinitely
	Timeout time.Duration
	// Env replaces the environment of launched programs when non-nil. A PATH
	// in Env is also where programs named without a directory are looked up.
	Env []string
}

// NewProcessExecutor creates a ProcessExecutor with the given per-invocation timeout
func NewProcessExecutor(timeout time.Duration) *ProcessExecutor {
	return &ProcessExecutor{Timeout: timeout}
}

func (e *ProcessExecutor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Timeout > 0 {
		return context.WithTimeout(ctx, e.Timeout)
	}
	return context.WithCancel(ctx)
}

func (e *ProcessExecutor) command(ctx context.Context, stage Stage, stderr *tailBuffer) *exec.Cmd {
	cmd := exec.CommandContext(ctx, stage.Name, stage.Args...)
	if e.Env != nil {
		cmd.Env = e.Env
		if path, ok := lookupEnv(e.Env, "PATH"); ok && !strings.ContainsRune(stage.Name, os.PathSeparator) {
			// exec.Command resolved the name against our own PATH
			cmd.Path, cmd.Err = lookPathIn(stage.Name, path)
		}
	}
	cmd.Stderr = stderr
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		logger.Warn("executor: killing %q (pid=%d): %v", stage.Name, cmd.Process.Pid, context.Cause(ctx))
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = killGrace
	return cmd
}

// Run implements Executor
func (e *ProcessExecutor) Run(ctx context.Context, stage Stage) error {
	return e.run(ctx, stage, nil)
}

// Output implements Executor
func (e *ProcessExecutor) Output(ctx context.Context, stage Stage) ([]byte, error) {
	var stdout bytes.Buffer
	err := e.run(ctx, stage, &stdout)
	return stdout.Bytes(), err
}

func (e *ProcessExecutor) run(ctx context.Context, stage Stage, stdout io.Writer) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	stderr := newTailBuffer(consts.BufferSize1KB * 4)
	cmd := e.command(ctx, stage, stderr)
	cmd.Stdout = stdout

	logger.Debug("executor: running %s", stage)
	if err := cmd.Start(); err != nil {
		return startError(stage, err)
	}
	if err := cmd.Wait(); err != nil {
		return exitError(stage, err, stderr)
	}
	return nil
}

// Pipeline implements Executor
func (e *ProcessExecutor) Pipeline(ctx context.Context, out io.Writer, stages ...Stage) error {
	if len(stages) == 0 {
		return errors.New("pipeline needs at least one stage")
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	// A failing stage cancels gctx, which kills the stages still running.
	g, gctx := errgroup.WithContext(ctx)

	cmds := make([]*exec.Cmd, len(stages))
	stderrs := make([]*tailBuffer, len(stages))
	for i, stage := range stages {
		stderrs[i] = newTailBuffer(consts.BufferSize1KB * 4)
		cmds[i] = e.command(gctx, stage, stderrs[i])
	}

	// Parent copies of the pipe ends are closed once the children hold them.
	var pipeEnds []*os.File
	closePipes := func() {
		for _, f := range pipeEnds {
			_ = f.Close()
		}
		pipeEnds = nil
	}
	defer closePipes()

	for i := 0; i < len(cmds)-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("failed to create pipe: %w", err)
		}
		pipeEnds = append(pipeEnds, r, w)
		cmds[i].Stdout = w
		cmds[i+1].Stdin = r
	}
	cmds[len(cmds)-1].Stdout = out

	logger.Debug("executor: running pipeline %s", pipelineString(stages))
	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			for _, started := range cmds[:i] {
				_ = killProcessGroup(started)
				_ = started.Wait()
			}
			return startError(stages[i], err)
		}
	}
	closePipes()

	for i, cmd := range cmds {
		g.Go(func() error {
			if err := cmd.Wait(); err != nil {
				return exitError(stages[i], err, stderrs[i])
			}
			return nil
		})
	}
	return g.Wait()
}

func pipelineString(stages []Stage) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}
