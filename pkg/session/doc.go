// Package session tracks live client connections by session ID and enforces
// per-connection backpressure.
//
// Each registered connection is wrapped in a Handle that owns a FIFO queue of
// outbound messages and a writer goroutine, the only one that writes to the
// raw connection. Senders enqueue and return immediately, so a slow peer
// never holds the caller. Two limits protect the producer side from slow
// consumers:
//
//   - SendTimeLimit: a single raw send that runs longer is treated as an
//     unresponsive peer (default 10s).
//   - BufferSizeLimit: bytes queued but not yet written (default 512 KiB).
//
// Exceeding either limit force-closes the connection and reports an error
// wrapping ErrTransportFailure through the registry's transport-error hook.
// The hook owner is expected to drop the session's subscriptions.
package session
