// Package transport carries bus protocol messages in UDP datagrams.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   Bus messages (pkg/wire)      │
//	├────────────────────────────────┤
//	│   One message per datagram     │
//	├────────────────────────────────┤
//	│             UDP                │
//	└────────────────────────────────┘
//
// A client session owns one connected socket (Conn) to a single simulator
// endpoint. Receive takes a timeout; expiry surfaces as ErrTimeout so the
// caller can decide whether to retransmit. If the platform refuses read
// deadlines the Conn falls back to blocking reads and reports it through
// Blocking.
//
// The simulator side (Server) reads datagrams on one socket and hands each
// to OnMessage on its own goroutine, bounded by MaxInflight. Replies go
// back to the originating Peer.
//
// Both sides can record every datagram to a capture logger (pkg/log).
package transport
