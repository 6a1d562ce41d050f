// Package socketclient provides a client library for the iqdump diagnostic server.
//
// A Client owns one TCP connection and issues requests one at a time. The
// server answers in order and sends nothing for fire-and-forget commands, so
// the client only waits for a header when one is due.
//
// Basic Usage
//
//	client, err := socketclient.Dial(ctx, socketclient.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.DumpIQ(ctx, protocol.Band5GHz, "iq_5g.txt"); err != nil {
//	    log.Fatal(err)
//	}
//
//	f, _ := os.Create("iq_5g.txt")
//	defer f.Close()
//	if _, err := client.CopyFile(ctx, "iq_5g.txt", f); err != nil {
//	    log.Fatal(err)
//	}
//
// # Errors
//
// A command the server reports as failed returns an error matching ErrRemote.
// Any transport failure or malformed header closes the client, because the
// stream can no longer be trusted to be in frame.
package socketclient
