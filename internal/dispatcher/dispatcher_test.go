package dispatcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/iqdump/internal/config"
	"github.com/codefionn/iqdump/internal/executor"
	"github.com/codefionn/iqdump/internal/executor/executortest"
	"github.com/codefionn/iqdump/internal/protocol"
)

func newTestDispatcher(t *testing.T, fake *executortest.Fake) (*Dispatcher, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.TempDir = t.TempDir()
	cfg.DebugFSRoot = "/sys/kernel/debug/ieee80211"
	cfg.Shell = "/bin/sh"
	return New(cfg, fake), cfg
}

func TestDumpIQBandSteps(t *testing.T) {
	tests := []struct {
		band      protocol.Band
		armScript string
		base      string
		length    string
	}{
		{
			band:      protocol.Band5GHz,
			armScript: "echo '0 1 0 15 0 e000 0 2 0  1 0 0 0' > '/sys/kernel/debug/ieee80211/phy1/siwifi/iq_engine'",
			base:      "0x20000000",
			length:    "0x62000",
		},
		{
			band:      protocol.Band24GHz,
			armScript: "echo '0 1 0 15 0 1c000 0 2 0  1 0 0 0' > '/sys/kernel/debug/ieee80211/phy0/siwifi/iq_engine'",
			base:      "0x30000000",
			length:    "0xd8000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.band.String(), func(t *testing.T) {
			fake := executortest.New()
			fake.Stdout = []byte("0x00000001\n0x00000002\n")
			d, cfg := newTestDispatcher(t, fake)

			res := d.Dispatch(context.Background(), protocol.DumpIQ{Band: tt.band, OutputName: "iq.txt"})
			assert.True(t, res.Respond)
			assert.Equal(t, protocol.Status(false), res.Header)
			assert.Nil(t, res.Body)

			calls := fake.Calls()
			require.Len(t, calls, 2)

			assert.Equal(t, "Run", calls[0].Method)
			assert.Equal(t, []executor.Stage{executor.Cmd("/bin/sh", "-c", tt.armScript)}, calls[0].Stages)

			assert.Equal(t, "Pipeline", calls[1].Method)
			assert.Equal(t, []executor.Stage{
				executor.Cmd("memdump", tt.base, tt.length),
				executor.Cmd("hexdump", "-v", "-e", `"0x%08x""\n"`),
			}, calls[1].Stages)

			data, err := os.ReadFile(filepath.Join(cfg.TempDir, "iq.txt"))
			require.NoError(t, err)
			assert.Equal(t, "0x00000001\n0x00000002\n", string(data))
		})
	}
}

func TestDumpIQSuccessIsAndOfSteps(t *testing.T) {
	tests := []struct {
		name    string
		failing []string
		isError bool
	}{
		{"both succeed", nil, false},
		{"arm fails", []string{"/bin/sh"}, true},
		{"memdump fails", []string{"memdump"}, true},
		{"hexdump fails", []string{"hexdump"}, true},
		{"all fail", []string{"/bin/sh", "memdump", "hexdump"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := executortest.New().FailOn(tt.failing...)
			d, _ := newTestDispatcher(t, fake)

			res := d.Dispatch(context.Background(), protocol.DumpIQ{Band: protocol.Band5GHz, OutputName: "iq.txt"})
			assert.True(t, res.Respond)
			assert.Equal(t, tt.isError, res.Header.IsError)
			assert.Zero(t, res.Header.FileSize)

			// The dump step runs even when arming failed.
			assert.Len(t, fake.Calls(), 2)
		})
	}
}

func TestDumpIQRejectsEscapingName(t *testing.T) {
	for _, name := range []string{"", "../etc/passwd", "/abs.txt", ".."} {
		fake := executortest.New()
		d, _ := newTestDispatcher(t, fake)

		res := d.Dispatch(context.Background(), protocol.DumpIQ{Band: protocol.Band24GHz, OutputName: name})
		assert.True(t, res.Header.IsError, "name %q", name)
		assert.Empty(t, fake.Calls(), "name %q", name)
	}
}

func TestDumpIQOutputNotCreatable(t *testing.T) {
	fake := executortest.New()
	d, _ := newTestDispatcher(t, fake)

	res := d.Dispatch(context.Background(), protocol.DumpIQ{Band: protocol.Band5GHz, OutputName: "missing-dir/iq.txt"})
	assert.True(t, res.Header.IsError)

	calls := fake.Calls()
	require.Len(t, calls, 1, "only the arm step runs when the output file can't be created")
	assert.Equal(t, "Run", calls[0].Method)
}

func TestDeleteFiles(t *testing.T) {
	for _, fail := range []bool{false, true} {
		fake := executortest.New()
		if fail {
			fake.FailOn("/bin/sh")
		}
		d, cfg := newTestDispatcher(t, fake)

		res := d.Dispatch(context.Background(), protocol.DeleteFiles{})
		assert.True(t, res.Respond)
		assert.Equal(t, protocol.Status(fail), res.Header)

		stages := fake.Stages()
		require.Len(t, stages, 1)
		assert.Equal(t, executor.Cmd("/bin/sh", "-c", "rm -f -- '"+cfg.TempDir+"'/*.txt"), stages[0])
	}
}

func TestCopyFileExisting(t *testing.T) {
	fake := executortest.New()
	d, cfg := newTestDispatcher(t, fake)

	content := []byte("0x00000001\n0x0000abcd\n\x00binary\xff")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.TempDir, "iq.txt"), content, 0644))

	res := d.Dispatch(context.Background(), protocol.CopyFile{Name: "iq.txt"})
	require.NotNil(t, res.Body)
	defer res.Body.Close()

	assert.True(t, res.Respond)
	assert.Equal(t, protocol.FileHeader(uint64(len(content))), res.Header)

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Empty(t, fake.Calls())
}

func TestCopyFileEmpty(t *testing.T) {
	d, cfg := newTestDispatcher(t, executortest.New())
	require.NoError(t, os.WriteFile(filepath.Join(cfg.TempDir, "empty.txt"), nil, 0644))

	res := d.Dispatch(context.Background(), protocol.CopyFile{Name: "empty.txt"})
	require.NotNil(t, res.Body)
	defer res.Body.Close()
	assert.Equal(t, protocol.FileHeader(0), res.Header)
}

func TestCopyFileMissingOrInvalid(t *testing.T) {
	d, cfg := newTestDispatcher(t, executortest.New())
	require.NoError(t, os.Mkdir(filepath.Join(cfg.TempDir, "dir"), 0755))

	for _, name := range []string{"missing.txt", "dir", "../outside.txt", ""} {
		res := d.Dispatch(context.Background(), protocol.CopyFile{Name: name})
		assert.True(t, res.Respond, "name %q", name)
		assert.Equal(t, protocol.Status(true), res.Header, "name %q", name)
		assert.Nil(t, res.Body, "name %q", name)
	}
}

func TestSetRegister(t *testing.T) {
	fake := executortest.New()
	d, _ := newTestDispatcher(t, fake)

	res := d.Dispatch(context.Background(), protocol.SetRegister{Address: 0xABCD, Value: 0x1})
	assert.False(t, res.Respond)
	assert.Equal(t, []executor.Stage{executor.Cmd("devmem", "0x0000ABCD", "32", "0x00000001")}, fake.Stages())
}

func TestShellCommandVerbatim(t *testing.T) {
	fake := executortest.New()
	d, _ := newTestDispatcher(t, fake)

	text := `echo "a  b" | tee /tmp/x; ls`
	res := d.Dispatch(context.Background(), protocol.ShellCommand{Text: text})
	assert.False(t, res.Respond)
	assert.Equal(t, []executor.Stage{executor.Cmd("/bin/sh", "-c", text)}, fake.Stages())
}

func TestAteInitSequence(t *testing.T) {
	fake := executortest.New().FailOn("iw")
	d, _ := newTestDispatcher(t, fake)

	res := d.Dispatch(context.Background(), protocol.AteInit{})
	assert.False(t, res.Respond)

	// All four steps are attempted in order even though iw fails.
	assert.Equal(t, []executor.Stage{
		executor.Cmd("iw", "phy", "phy0", "interface", "add", "wlan0", "type", "managed"),
		executor.Cmd("iw", "phy", "phy1", "interface", "add", "wlan1", "type", "managed"),
		executor.Cmd("ifconfig", "wlan0", "up"),
		executor.Cmd("ifconfig", "wlan1", "up"),
	}, fake.Stages())
}

func TestAteCommandSplitsOnSingleSpaces(t *testing.T) {
	fake := executortest.New()
	d, _ := newTestDispatcher(t, fake)

	res := d.Dispatch(context.Background(), protocol.AteCommand{Text: "wlan0 fastconfig  -f 5180"})
	assert.False(t, res.Respond)
	assert.Equal(t, []executor.Stage{
		executor.Cmd("ate_cmd", "wlan0", "fastconfig", "", "-f", "5180"),
	}, fake.Stages())
}

func TestAcknowledgeAll(t *testing.T) {
	fake := executortest.New().FailOn("devmem")
	cfg := config.DefaultConfig()
	cfg.TempDir = t.TempDir()
	cfg.AcknowledgeAll = true
	d := New(cfg, fake)

	res := d.Dispatch(context.Background(), protocol.SetRegister{Address: 1, Value: 2})
	assert.True(t, res.Respond)
	assert.Equal(t, protocol.Status(true), res.Header)

	res = d.Dispatch(context.Background(), protocol.AteCommand{Text: "status"})
	assert.True(t, res.Respond)
	assert.Equal(t, protocol.Status(false), res.Header)
}

func TestProfileFor(t *testing.T) {
	p, ok := ProfileFor(protocol.Band5GHz)
	require.True(t, ok)
	assert.Equal(t, uint32(0x20000000), p.Base)

	_, ok = ProfileFor(protocol.Band(7))
	assert.False(t, ok)
}
