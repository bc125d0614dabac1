// Package lifecycle orchestrates ephemeral sandboxes from creation to removal.
//
// A Controller creates a sandbox through a sandbox.Runtime, streams its output
// for a bounded monitoring window and then stops and removes it. Monitoring
// runs as two cooperating parts: a consumer goroutine reading the log stream
// and a watchdog waiting on the timer and the caller's context. Whichever fires
// first closes the stream, which unblocks the consumer, and cleanup begins.
//
// Usage:
//
//	ctrl := lifecycle.New(rt, logger, lifecycle.DefaultConfig())
//	defer ctrl.Close()
//	res, err := ctrl.Run(ctx, spec, func(rec logstream.Record) {
//	    fmt.Println(rec)
//	})
//	os.Exit(lifecycle.ExitCode(res, err))
package lifecycle
