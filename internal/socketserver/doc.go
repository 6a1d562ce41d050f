// Package socketserver implements the TCP endpoint of the iqdump diagnostic server.
//
// # Architecture
//
//   - Server: binds the listen address, accepts connections and runs one
//     Session per connection in its own goroutine. Accept errors are logged
//     and never stop the loop.
//   - Session: owns one connection and processes its requests strictly in
//     order: read a line, decode it, dispatch it, write the response, repeat.
//
// Sessions share nothing but the stateless dispatcher, so a slow or hung
// session never affects another one.
//
// # Message Protocol
//
// Requests and response headers are newline-delimited JSON (see package
// protocol). A CopyFiles response header is followed by exactly file_size
// raw bytes on the same connection:
//
//	-> {"CopyFiles":"iq_5g.txt"}\n
//	<- {"is_error":false,"file_size":1234}\n<1234 bytes>
//
// SetRegister, ShellCommand, AteInit and AteCommand are not answered unless
// acknowledge_all is configured.
//
// # Session Lifecycle
//
// A session ends when the peer disconnects, on any socket error, or after a
// malformed request has been answered with {"is_error":true,"file_size":0}.
// With keep_session_on_decode_error the session instead waits for the next
// line. There is no close command.
//
// Usage
//
//	server, err := socketserver.NewServer(cfg, executor.NewProcessExecutor(cfg.Timeouts.Command()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	<-ctx.Done()
//	server.Stop()
package socketserver
