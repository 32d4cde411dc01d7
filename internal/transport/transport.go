// Package transport defines the boundary between the mux session and
// whatever secures and carries its bytes. The session only ever sees the
// four operations below; the concrete PSK/AEAD implementation in this
// package is one adapter satisfying that contract, generalizing gonc's
// SecureStreamConn (secure/conn.go) from a bare CTR keystream to an
// authenticated cipher with a proper handshake, in the spirit of
// Smithshao-tcpsocks' CAPS/CAPS_ACK key derivation.
package transport

// Transport is the contract the mux session depends on: a connected,
// thread-safe byte pipe with an async read pump and an ordered send
// queue. Nothing about how bytes reach the wire — TLS, a PSK cipher, a
// raw TCP stream — is visible past this interface.
type Transport interface {
	// Send enqueues bytes for delivery, preserving caller order. It does
	// not block on the network; failures surface through onDisconnected.
	Send(b []byte) error

	// StartReading begins delivering inbound bytes to onData, in order,
	// until the first terminal condition invokes onDisconnected exactly
	// once. Must be called at most once per Transport.
	StartReading(onData func([]byte), onDisconnected func(error))

	// IsConnected reports whether the transport believes itself live.
	// It is advisory: onDisconnected is the authoritative signal.
	IsConnected() bool

	// Close releases the underlying connection. Idempotent.
	Close() error
}
