package socketserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/iqdump/internal/config"
	"github.com/codefionn/iqdump/internal/executor/executortest"
	"github.com/codefionn/iqdump/internal/protocol"
)

func startTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *config.Config) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TempDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	server, err := NewServer(cfg, executortest.New())
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })
	return server, cfg
}

type testConn struct {
	net.Conn
	r *bufio.Reader
}

func dialTest(t *testing.T, server *Server) *testConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", server.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return &testConn{Conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) header() (protocol.ResponseHeader, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return protocol.ResponseHeader{}, err
	}
	return protocol.DecodeHeader(line)
}

func (c *testConn) fetch(name string) ([]byte, error) {
	if _, err := fmt.Fprintf(c, "{\"CopyFiles\":%q}\n", name); err != nil {
		return nil, err
	}
	h, err := c.header()
	if err != nil {
		return nil, err
	}
	if h.IsError {
		return nil, fmt.Errorf("remote error for %s", name)
	}
	body := make([]byte, h.FileSize)
	_, err = io.ReadFull(c.r, body)
	return body, err
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil, executortest.New())
	assert.Error(t, err)

	cfg := config.DefaultConfig()
	_, err = NewServer(cfg, nil)
	assert.Error(t, err)

	cfg.TempDir = "relative/tmp"
	_, err = NewServer(cfg, executortest.New())
	assert.Error(t, err)
}

func TestServerStartTwice(t *testing.T) {
	server, _ := startTestServer(t, nil)
	assert.True(t, server.IsRunning())
	assert.Error(t, server.Start(context.Background()))
}

func TestServerCopyFileRoundTrip(t *testing.T) {
	server, cfg := startTestServer(t, nil)

	content := bytes.Repeat([]byte("0x0000abcd\n"), 10000)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.TempDir, "iq_2g.txt"), content, 0644))

	conn := dialTest(t, server)
	got, err := conn.fetch("iq_2g.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = conn.fetch("missing.txt")
	assert.Error(t, err)

	// Still in frame after the failed fetch.
	got, err = conn.fetch("iq_2g.txt")
	require.NoError(t, err)
	assert.Len(t, got, len(content))
}

func TestServerConcurrentCopyFiles(t *testing.T) {
	server, cfg := startTestServer(t, nil)

	files := map[string][]byte{
		"a.txt": bytes.Repeat([]byte("A"), 256*1024+7),
		"b.txt": bytes.Repeat([]byte("b"), 128*1024+3),
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.TempDir, name), content, 0644))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*len(files))
	for name, content := range files {
		conn := dialTest(t, server)
		wg.Add(1)
		go func(name string, content []byte) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				got, err := conn.fetch(name)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(content, got) {
					errs <- fmt.Errorf("%s: payload mismatch on iteration %d", name, i)
					return
				}
			}
		}(name, content)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestServerDisconnectOnlyEndsThatSession(t *testing.T) {
	server, _ := startTestServer(t, nil)

	other := dialTest(t, server)
	dropped := dialTest(t, server)
	require.Eventually(t, func() bool { return server.SessionCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(dropped, "{\"DumpIQ\":{\"band_5g\":tr")
	require.NoError(t, err)
	require.NoError(t, dropped.Close())

	require.Eventually(t, func() bool { return server.SessionCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(other, "\"DelFiles\"\n")
	require.NoError(t, err)
	h, err := other.header()
	require.NoError(t, err)
	assert.False(t, h.IsError)
}

func TestServerMalformedRequestClosesConnection(t *testing.T) {
	server, _ := startTestServer(t, nil)
	conn := dialTest(t, server)

	_, err := io.WriteString(conn, "[1,2,3]\n")
	require.NoError(t, err)

	h, err := conn.header()
	require.NoError(t, err)
	assert.Equal(t, protocol.Status(true), h)

	_, err = conn.r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerAcknowledgeAll(t *testing.T) {
	server, _ := startTestServer(t, func(cfg *config.Config) { cfg.AcknowledgeAll = true })
	conn := dialTest(t, server)

	_, err := io.WriteString(conn, "{\"SetRegister\":{\"address\":4096,\"value\":7}}\n\"AteInit\"\n")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		h, err := conn.header()
		require.NoError(t, err)
		assert.Equal(t, protocol.Status(false), h)
	}
}

func TestServerMaxConnections(t *testing.T) {
	server, _ := startTestServer(t, func(cfg *config.Config) { cfg.MaxConnections = 1 })

	first := dialTest(t, server)
	require.Eventually(t, func() bool { return server.SessionCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	second := dialTest(t, server)
	_, err := second.r.ReadByte()
	assert.Error(t, err, "connection over the limit is closed")

	_, err = io.WriteString(first, "\"DelFiles\"\n")
	require.NoError(t, err)
	_, err = first.header()
	require.NoError(t, err)

	first.Close()
	require.Eventually(t, func() bool { return server.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	third := dialTest(t, server)
	_, err = io.WriteString(third, "\"DelFiles\"\n")
	require.NoError(t, err)
	_, err = third.header()
	assert.NoError(t, err)
}

func TestServerStopDisconnectsSessions(t *testing.T) {
	server, _ := startTestServer(t, nil)
	conn := dialTest(t, server)
	require.Eventually(t, func() bool { return server.SessionCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	addr := server.Addr().String()
	require.NoError(t, server.Stop())

	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish stopping")
	}
	assert.False(t, server.IsRunning())
	assert.Zero(t, server.SessionCount())

	_, err := conn.r.ReadByte()
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener is closed")

	// Stop is idempotent.
	assert.NoError(t, server.Stop())
}
