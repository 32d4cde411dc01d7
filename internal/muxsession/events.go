package muxsession

import "revsocks/internal/netio"

// The channel's run loop is fed a single stream of these through its
// inbox, whether they originate from a mux frame or from the channel's
// own outbound TCP connection. Serial delivery through one channel gives
// the per-channel ordering guarantee without pinning any callback to a
// specific goroutine.
type (
	evOpen            struct{}
	evRequest         struct{ payload []byte }
	evData            struct{ payload []byte }
	evWindowUpdate    struct{ increment uint32 }
	evClose           struct{}
	evCloseAck        struct{}
	evShutdown        struct{}
	evTargetConnected struct {
		conn *netio.Conn
		err  error
	}
	evTargetData         struct{ data []byte }
	evTargetDisconnected struct{ err error }
)
