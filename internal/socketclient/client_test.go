package socketclient

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/iqdump/internal/config"
	"github.com/codefionn/iqdump/internal/executor/executortest"
	"github.com/codefionn/iqdump/internal/protocol"
	"github.com/codefionn/iqdump/internal/socketserver"
)

func startServer(t *testing.T, fake *executortest.Fake, acknowledgeAll bool) (*Client, *config.Config) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TempDir = t.TempDir()
	cfg.AcknowledgeAll = acknowledgeAll

	server, err := socketserver.NewServer(cfg, fake)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })

	clientCfg := DefaultConfig()
	clientCfg.Addr = server.Addr().String()
	clientCfg.ReadTimeout = 10 * time.Second
	clientCfg.AcknowledgeAll = acknowledgeAll

	client, err := Dial(context.Background(), clientCfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, cfg
}

func TestDumpThenCopy(t *testing.T) {
	fake := executortest.New()
	fake.Stdout = []byte("0x00000001\n0x00000002\n")
	client, _ := startServer(t, fake, false)
	ctx := context.Background()

	require.NoError(t, client.DumpIQ(ctx, protocol.Band24GHz, "iq_2g.txt"))

	var buf bytes.Buffer
	n, err := client.CopyFile(ctx, "iq_2g.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(fake.Stdout)), n)
	assert.Equal(t, fake.Stdout, buf.Bytes())

	require.NoError(t, client.DeleteFiles(ctx))
}

func TestRemoteFailures(t *testing.T) {
	fake := executortest.New().FailOn("memdump")
	client, cfg := startServer(t, fake, false)
	ctx := context.Background()

	err := client.DumpIQ(ctx, protocol.Band5GHz, "iq_5g.txt")
	assert.ErrorIs(t, err, ErrRemote)

	var buf bytes.Buffer
	_, err = client.CopyFile(ctx, "missing.txt", &buf)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Zero(t, buf.Len())

	// Still usable after remote failures.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.TempDir, "x.txt"), []byte("x"), 0644))
	_, err = client.CopyFile(ctx, "x.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "x", buf.String())
}

func TestFireAndForget(t *testing.T) {
	fake := executortest.New().FailOn("devmem")
	client, _ := startServer(t, fake, false)
	ctx := context.Background()

	// Failures are invisible without acknowledgements.
	assert.NoError(t, client.SetRegister(ctx, 0x1000, 1))
	assert.NoError(t, client.Shell(ctx, "true"))
	assert.NoError(t, client.AteInit(ctx))
	assert.NoError(t, client.AteCommand(ctx, "wlan0 status"))

	require.NoError(t, client.DeleteFiles(ctx))
	stages := fake.Stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, "devmem", stages[0].Name)
}

func TestAcknowledgeAll(t *testing.T) {
	fake := executortest.New().FailOn("devmem")
	client, _ := startServer(t, fake, true)
	ctx := context.Background()

	assert.ErrorIs(t, client.SetRegister(ctx, 0x1000, 1), ErrRemote)
	assert.NoError(t, client.Shell(ctx, "true"))
	assert.NoError(t, client.DeleteFiles(ctx))
}

func TestDoRejectsCopyFile(t *testing.T) {
	client, _ := startServer(t, executortest.New(), false)
	_, err := client.Do(context.Background(), protocol.CopyFile{Name: "a.txt"})
	assert.Error(t, err)
}

func TestClosedClient(t *testing.T) {
	client, _ := startServer(t, executortest.New(), false)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.ErrorIs(t, client.DeleteFiles(context.Background()), ErrClosed)
}

func TestMalformedHeaderClosesClient(t *testing.T) {
	server, conn := net.Pipe()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		if _, err := r.ReadBytes('\n'); err != nil {
			return
		}
		io.WriteString(server, "garbage\n")
	}()

	client := NewClient(conn, nil)
	err := client.DeleteFiles(context.Background())
	assert.ErrorIs(t, err, protocol.ErrDecode)
	assert.ErrorIs(t, client.DeleteFiles(context.Background()), ErrClosed)
}

func TestTruncatedPayload(t *testing.T) {
	server, conn := net.Pipe()

	go func() {
		r := bufio.NewReader(server)
		if _, err := r.ReadBytes('\n'); err != nil {
			return
		}
		server.Write(protocol.EncodeHeader(protocol.FileHeader(10)))
		io.WriteString(server, "abc")
		server.Close()
	}()

	client := NewClient(conn, nil)
	var buf bytes.Buffer
	n, err := client.CopyFile(context.Background(), "a.txt", &buf)
	require.Error(t, err)
	assert.Equal(t, int64(3), n)
	assert.ErrorIs(t, client.DeleteFiles(context.Background()), ErrClosed)
}

func TestDeadline(t *testing.T) {
	assert.True(t, deadline(context.Background(), 0).IsZero())

	d := deadline(context.Background(), time.Minute)
	assert.WithinDuration(t, time.Now().Add(time.Minute), d, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d = deadline(ctx, time.Hour)
	assert.WithinDuration(t, time.Now().Add(time.Second), d, 5*time.Second)
}

func TestDialFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	cfg := DefaultConfig()
	cfg.Addr = addr
	cfg.ConnectTimeout = time.Second
	_, err = Dial(context.Background(), cfg)
	assert.Error(t, err)
}
