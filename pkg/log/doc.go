// Package log records a machine-readable trace of hub traffic.
//
// The trace is separate from operational logging (slog). Each Event
// describes one thing that happened to a session: a frame crossed the
// transport, a request or push was decoded or encoded, a session or
// subscription changed state, or something failed.
//
// # Basic Usage
//
//	// Development: events on the console at debug level
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// Production: append CBOR records to a file
//	logger, _ := log.NewFileLogger("/var/log/notifyhub/hub.hlog")
//
//	// Both
//	logger := log.NewMultiLogger(console, file)
//
// # Layers
//
//   - Transport: raw frames (FrameEvent)
//   - Wire: decoded requests, responses and pushes (MessageEvent)
//   - Service: session and subscription lifecycle (StateChangeEvent)
//
// # File Format
//
// Files hold a sequence of CBOR-encoded events with integer keys
// (.hlog extension). Reader streams them back with an optional Filter;
// `notifyhubd log view` prints them.
package log
