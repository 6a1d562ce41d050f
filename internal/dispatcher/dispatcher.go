// Package dispatcher maps decoded protocol commands onto the external tools
// that carry them out on the device.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/codefionn/iqdump/internal/config"
	"github.com/codefionn/iqdump/internal/executor"
	"github.com/codefionn/iqdump/internal/logger"
	"github.com/codefionn/iqdump/internal/protocol"
)

// Result is the outcome of one dispatched command
type Result struct {
	// Respond is false for fire-and-forget commands
	Respond bool
	Header  protocol.ResponseHeader
	// Body holds exactly Header.FileSize bytes to stream after the header.
	// Only a successful CopyFile sets it; the receiver must close it.
	Body io.ReadCloser
}

// Dispatcher executes commands. It holds no per-connection state and may be
// shared by concurrent sessions.
type Dispatcher struct {
	exec executor.Executor
	cfg  config.Config
	log  *logger.Logger
}

// New creates a Dispatcher that launches tools through ex
func New(cfg *config.Config, ex executor.Executor) *Dispatcher {
	return &Dispatcher{
		exec: ex,
		cfg:  *cfg,
		log:  logger.Global().WithPrefix("dispatch"),
	}
}

// WithLogger returns a copy of d that logs through l
func (d *Dispatcher) WithLogger(l *logger.Logger) *Dispatcher {
	c := *d
	c.log = l
	return &c
}

// Dispatch executes cmd and describes the response to send
func (d *Dispatcher) Dispatch(ctx context.Context, cmd protocol.Command) Result {
	switch c := cmd.(type) {
	case protocol.DumpIQ:
		return status(true, !d.dumpIQ(ctx, c))

	case protocol.DeleteFiles:
		return status(true, !d.deleteFiles(ctx))

	case protocol.CopyFile:
		return d.copyFile(c)

	case protocol.SetRegister:
		return d.fireAndForget(d.setRegister(ctx, c))

	case protocol.ShellCommand:
		return d.fireAndForget(d.shellCommand(ctx, c))

	case protocol.AteInit:
		return d.fireAndForget(d.ateInit(ctx))

	case protocol.AteCommand:
		return d.fireAndForget(d.ateCommand(ctx, c))

	default:
		d.log.Error("unsupported command %T", cmd)
		return status(true, true)
	}
}

func status(respond, isError bool) Result {
	return Result{Respond: respond, Header: protocol.Status(isError)}
}

func (d *Dispatcher) fireAndForget(ok bool) Result {
	return status(d.cfg.AcknowledgeAll, !ok)
}

// run executes one stage and logs a failure
func (d *Dispatcher) run(ctx context.Context, stage executor.Stage) bool {
	if err := d.exec.Run(ctx, stage); err != nil {
		d.log.Error("%v", err)
		return false
	}
	return true
}

func (d *Dispatcher) shell(script string) executor.Stage {
	return executor.Cmd(d.cfg.Shell, "-c", script)
}

// tempPath resolves name inside the temp dir. Names that would escape it
// are rejected.
func (d *Dispatcher) tempPath(name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("file name %q must stay inside %s", name, d.cfg.TempDir)
	}
	return filepath.Join(d.cfg.TempDir, name), nil
}

func (d *Dispatcher) deleteFiles(ctx context.Context) bool {
	script := fmt.Sprintf("rm -f -- %s/*.txt", shellQuote(d.cfg.TempDir))
	return d.run(ctx, d.shell(script))
}

func (d *Dispatcher) copyFile(c protocol.CopyFile) Result {
	path, err := d.tempPath(c.Name)
	if err != nil {
		d.log.Error("copy: %v", err)
		return status(true, true)
	}

	f, err := os.Open(path)
	if err != nil {
		d.log.Error("copy: can't open %s: %v", path, err)
		return status(true, true)
	}

	// The size is taken before the header goes out so the announced length
	// matches what the receiver is told to read.
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		if err == nil {
			err = fmt.Errorf("not a regular file")
		}
		d.log.Error("copy: can't stat %s: %v", path, err)
		return status(true, true)
	}

	d.log.Info("copy: sending %s (%d bytes)", path, info.Size())
	return Result{
		Respond: true,
		Header:  protocol.FileHeader(uint64(info.Size())),
		Body:    f,
	}
}

func (d *Dispatcher) setRegister(ctx context.Context, c protocol.SetRegister) bool {
	return d.run(ctx, executor.Cmd(d.cfg.Tools.DevMem,
		fmt.Sprintf("0x%08X", c.Address),
		"32",
		fmt.Sprintf("0x%08X", c.Value),
	))
}

func (d *Dispatcher) shellCommand(ctx context.Context, c protocol.ShellCommand) bool {
	return d.run(ctx, d.shell(c.Text))
}

// ateInit creates a managed interface on every configured radio, then brings
// them up. Every step is attempted even if an earlier one failed.
func (d *Dispatcher) ateInit(ctx context.Context) bool {
	var stages []executor.Stage
	for _, radio := range d.cfg.Ate.Radios {
		stages = append(stages, executor.Cmd(d.cfg.Tools.IW,
			"phy", radio.Phy, "interface", "add", radio.Interface, "type", "managed"))
	}
	for _, radio := range d.cfg.Ate.Radios {
		stages = append(stages, executor.Cmd(d.cfg.Tools.Ifconfig, radio.Interface, "up"))
	}

	ok := true
	for _, stage := range stages {
		if !d.run(ctx, stage) {
			ok = false
		}
	}
	return ok
}

func (d *Dispatcher) ateCommand(ctx context.Context, c protocol.AteCommand) bool {
	return d.run(ctx, executor.Cmd(d.cfg.Tools.AteCmd, strings.Split(c.Text, " ")...))
}

// shellQuote wraps s in single quotes for sh
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
