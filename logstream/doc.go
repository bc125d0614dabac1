// Package logstream reassembles sandbox log output into discrete records.
//
// The runtime delivers logs as a byte stream with arbitrary chunk boundaries,
// either raw (TTY sandboxes) or framed with the Docker stdout/stderr stream
// header. Records splits on '\n' only, so the records produced never depend on
// how the bytes were chunked, and multi-byte runes split across chunks are
// reassembled before decoding.
//
// Usage:
//
//	for rec, err := range logstream.Records(stream, stream.Multiplexed) {
//	    if errors.Is(err, sandbox.ErrStream) {
//	        break
//	    }
//	    fmt.Println(rec)
//	}
package logstream
