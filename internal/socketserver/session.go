package socketserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/iqdump/internal/consts"
	"github.com/codefionn/iqdump/internal/dispatcher"
	"github.com/codefionn/iqdump/internal/logger"
	"github.com/codefionn/iqdump/internal/protocol"
)

// ErrLineTooLong is returned when a request exceeds consts.MaxRequestLineBytes
var ErrLineTooLong = errors.New("request line too long")

// SessionOptions tune how a session reacts to bad input and slow peers
type SessionOptions struct {
	// KeepOnDecodeError keeps the session alive after answering a malformed request
	KeepOnDecodeError bool
	// ReadIdleTimeout bounds the wait for the next request; zero disables it
	ReadIdleTimeout time.Duration
	// WriteTimeout bounds each response; zero disables it
	WriteTimeout time.Duration
}

// Session serves the requests of one connection
type Session struct {
	ID string

	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	dispatcher *dispatcher.Dispatcher
	opts       SessionOptions
	log        *logger.Logger
}

// NewSession creates a session over conn
func NewSession(conn net.Conn, d *dispatcher.Dispatcher, opts SessionOptions) *Session {
	id := uuid.NewString()
	log := logger.Global().WithPrefix("session:" + id[:8])
	return &Session{
		ID:         id,
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, consts.BufferSize64KB),
		writer:     bufio.NewWriterSize(conn, consts.BufferSize64KB),
		dispatcher: d.WithLogger(log),
		opts:       opts,
		log:        log,
	}
}

// Run processes requests until the peer disconnects, a socket operation
// fails or a malformed request ends the session. A clean disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.log.Info("connected from %s", s.conn.RemoteAddr())

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := s.readLine()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log.Info("peer disconnected")
				return nil
			case errors.Is(err, net.ErrClosed) && ctx.Err() != nil:
				s.log.Info("connection closed on shutdown")
				return nil
			case errors.Is(err, ErrLineTooLong):
				// The rest of the line is still unread, so the session cannot resync.
				s.log.Warn("rejecting request over %d bytes", consts.MaxRequestLineBytes)
				if werr := s.respond(dispatcher.Result{Respond: true, Header: protocol.Status(true)}); werr != nil {
					return werr
				}
				return fmt.Errorf("closing session: %w", err)
			default:
				return fmt.Errorf("failed to read request: %w", err)
			}
		}

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		cmd, err := protocol.Decode(line)
		if err != nil {
			s.log.Warn("rejecting request %q: %v", bytes.TrimSpace(line), err)
			if werr := s.respond(dispatcher.Result{Respond: true, Header: protocol.Status(true)}); werr != nil {
				return werr
			}
			if s.opts.KeepOnDecodeError {
				continue
			}
			return fmt.Errorf("closing session after malformed request: %w", err)
		}

		s.log.Info("received %s %+v", cmd.Tag(), cmd)
		res := s.dispatcher.Dispatch(ctx, cmd)
		if err := s.respond(res); err != nil {
			return err
		}
	}
}

// readLine returns the next newline-terminated line. A partial line cut off
// by a disconnect is dropped and reported as io.EOF.
func (s *Session) readLine() ([]byte, error) {
	if s.opts.ReadIdleTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadIdleTimeout)); err != nil {
			return nil, err
		}
	}

	var line []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(line) > consts.MaxRequestLineBytes {
				return nil, ErrLineTooLong
			}
		default:
			if len(line) > 0 && errors.Is(err, io.EOF) {
				s.log.Warn("dropping %d bytes of unterminated request", len(line))
			}
			return nil, err
		}
	}
}

// respond writes the header and, for file transfers, the body. Any failure
// here leaves the stream out of frame and is fatal to the session.
func (s *Session) respond(res dispatcher.Result) error {
	if res.Body != nil {
		defer res.Body.Close()
	}
	if !res.Respond {
		return nil
	}

	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return err
		}
	}

	if _, err := s.writer.Write(protocol.EncodeHeader(res.Header)); err != nil {
		return fmt.Errorf("failed to write response header: %w", err)
	}

	if res.Body != nil {
		want := int64(res.Header.FileSize)
		n, err := io.CopyN(s.writer, res.Body, want)
		if err != nil {
			return fmt.Errorf("file payload desynchronized after %d of %d bytes: %w", n, want, err)
		}
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush response: %w", err)
	}

	s.log.Debug("responded is_error=%t file_size=%d", res.Header.IsError, res.Header.FileSize)
	return nil
}
