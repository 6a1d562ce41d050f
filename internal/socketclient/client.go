package socketclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/codefionn/iqdump/internal/consts"
	"github.com/codefionn/iqdump/internal/protocol"
)

// ErrRemote is returned when the server answers a command with is_error set
var ErrRemote = errors.New("server reported failure")

// ErrClosed is returned when using a client after Close
var ErrClosed = errors.New("client is closed")

// Config holds client configuration
type Config struct {
	// Addr is the host:port of the diagnostic server
	Addr string
	// ConnectTimeout is the timeout for the initial connection
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for a response header and its payload
	ReadTimeout time.Duration
	// WriteTimeout bounds sending a request
	WriteTimeout time.Duration
	// AcknowledgeAll must match the server: when set, fire-and-forget
	// commands are answered and the client waits for their header
	AcknowledgeAll bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:           fmt.Sprintf("127.0.0.1:%d", consts.DefaultPort),
		ConnectTimeout: consts.Timeout10Seconds,
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   consts.Timeout10Seconds,
	}
}

// Client talks to a diagnostic server over one connection. Requests are
// serialized; the protocol has no request ids, so responses are matched by order.
type Client struct {
	config *Config

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

// Dial connects to the server at config.Addr
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		return nil, errors.New("server address is required")
	}

	dialer := net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Addr, err)
	}
	return NewClient(conn, config), nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		config: config,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, consts.BufferSize64KB),
	}
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Do sends cmd and, if the server will answer it, waits for the header.
// CopyFile must go through CopyFile so that its payload is consumed.
// A nil header with a nil error means the command is fire-and-forget.
func (c *Client) Do(ctx context.Context, cmd protocol.Command) (*protocol.ResponseHeader, error) {
	if _, ok := cmd.(protocol.CopyFile); ok {
		return nil, errors.New("use CopyFile to fetch files")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, cmd); err != nil {
		return nil, err
	}
	if !c.expectsResponse(cmd) {
		return nil, nil
	}

	h, err := c.readHeader(ctx)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// DumpIQ captures band's IQ buffer into name in the server's temp directory
func (c *Client) DumpIQ(ctx context.Context, band protocol.Band, name string) error {
	return c.check(c.Do(ctx, protocol.DumpIQ{Band: band, OutputName: name}))
}

// DeleteFiles removes the .txt files from the server's temp directory
func (c *Client) DeleteFiles(ctx context.Context) error {
	return c.check(c.Do(ctx, protocol.DeleteFiles{}))
}

// SetRegister writes a 32-bit register
func (c *Client) SetRegister(ctx context.Context, address, value uint32) error {
	return c.check(c.Do(ctx, protocol.SetRegister{Address: address, Value: value}))
}

// Shell runs text through the server's shell
func (c *Client) Shell(ctx context.Context, text string) error {
	return c.check(c.Do(ctx, protocol.ShellCommand{Text: text}))
}

// AteInit brings up the ATE interfaces
func (c *Client) AteInit(ctx context.Context) error {
	return c.check(c.Do(ctx, protocol.AteInit{}))
}

// AteCommand runs the ATE tool with text split on single spaces
func (c *Client) AteCommand(ctx context.Context, text string) error {
	return c.check(c.Do(ctx, protocol.AteCommand{Text: text}))
}

// CopyFile fetches name from the server's temp directory into w and returns
// the number of bytes written
func (c *Client) CopyFile(ctx context.Context, name string, w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, protocol.CopyFile{Name: name}); err != nil {
		return 0, err
	}
	h, err := c.readHeader(ctx)
	if err != nil {
		return 0, err
	}
	if h.IsError {
		return 0, fmt.Errorf("copy %s: %w", name, ErrRemote)
	}

	n, err := io.CopyN(w, c.reader, int64(h.FileSize))
	if err != nil {
		// The connection is out of frame now.
		c.closeLocked()
		return n, fmt.Errorf("failed to receive %s (%d of %d bytes): %w", name, n, h.FileSize, err)
	}
	return n, nil
}

func (c *Client) check(h *protocol.ResponseHeader, err error) error {
	if err != nil {
		return err
	}
	if h != nil && h.IsError {
		return ErrRemote
	}
	return nil
}

func (c *Client) expectsResponse(cmd protocol.Command) bool {
	return c.config.AcknowledgeAll || protocol.ExpectsResponse(cmd)
}

func (c *Client) send(ctx context.Context, cmd protocol.Command) error {
	if c.closed {
		return ErrClosed
	}

	line, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	if err := c.conn.SetWriteDeadline(deadline(ctx, c.config.WriteTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(line); err != nil {
		c.closeLocked()
		return fmt.Errorf("failed to send %s: %w", cmd.Tag(), err)
	}
	return nil
}

func (c *Client) readHeader(ctx context.Context) (protocol.ResponseHeader, error) {
	if err := c.conn.SetReadDeadline(deadline(ctx, c.config.ReadTimeout)); err != nil {
		return protocol.ResponseHeader{}, err
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.closeLocked()
		if errors.Is(err, io.EOF) {
			return protocol.ResponseHeader{}, fmt.Errorf("server closed the connection: %w", err)
		}
		return protocol.ResponseHeader{}, fmt.Errorf("failed to read response: %w", err)
	}

	h, err := protocol.DecodeHeader(line)
	if err != nil {
		c.closeLocked()
		return protocol.ResponseHeader{}, err
	}
	return h, nil
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
}

// deadline picks the earlier of ctx's deadline and now+timeout. The zero
// time clears the deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}
