// Package server implements the TCP detection server the robot talks to.
//
// # Protocol
//
// The server speaks the line protocol defined in package protocol:
//   - Input: one frame reference per line
//   - Output: one JSON response line per reference, in request order
//
// Each accepted connection gets its own goroutine and read buffer. Lines may
// arrive split across any number of reads; the session buffers bytes until a
// newline completes a request. Blank lines are skipped.
//
// # Session Lifecycle
//
//	AWAITING_DATA --line--> PROCESSING --response--> AWAITING_DATA
//	AWAITING_DATA --EOF / idle timeout / read error--> CLOSED
//	PROCESSING --write error--> CLOSED
//
// The idle timeout (2s by default) only runs while the session waits for
// data, so a slow detector never closes a connection.
//
// # Frame Cleanup
//
// Frame references are usually temporary files the client wrote just for
// this request. With RemoveFrames set, the server deletes the file once the
// response is ready, whether the detection succeeded or not. Only files
// inside CleanupDir are ever deleted.
//
// # Example Usage
//
//	srv := server.New(b, server.DefaultConfig())
//	if err := srv.ListenAndServe(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
