// Package log captures bus protocol traffic for later inspection.
//
// This is separate from operational logging (slog): a capture is a complete,
// machine-readable trace of every datagram, decoded message and ownership
// change seen by a client session or by the simulator.
//
// # Basic Usage
//
//	// Console output via slog at debug level
//	cfg.Capture = log.NewSlogAdapter(slog.Default())
//
//	// Binary capture file
//	cfg.Capture, _ = log.NewFileLogger("/var/log/halsim/bus.hlog")
//
//	// Both
//	cfg.Capture = log.NewMultiLogger(console, file)
//
// # Event Types
//
//   - Transport: raw datagram bytes (FrameEvent)
//   - Wire: decoded messages (MessageEvent)
//   - Bus: ownership and session state changes (StateChangeEvent)
//
// Errors at any layer are recorded as ErrorEventData.
//
// # File Format
//
// Capture files are a stream of CBOR-encoded events with integer keys and
// use the .hlog extension. "halctl log" prints and filters them.
package log
