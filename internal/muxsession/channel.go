package muxsession

import (
	"context"
	"log"

	"revsocks/internal/frame"
	"revsocks/internal/netio"
	"revsocks/internal/rerr"
	"revsocks/internal/socks5"
)

// State is one of the six channel lifecycle states of the mux protocol.
type State int

const (
	StateOpening State = iota
	StateRequesting
	StateConnecting
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateRequesting:
		return "Requesting"
	case StateConnecting:
		return "Connecting"
	case StateRelaying:
		return "Relaying"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// channel drives one logical mux stream: its own SOCKS5 handshake, its
// own outbound TCP connection, and its own send/recv flow-control
// windows. Every event that touches it, whether a mux frame or a target
// callback, is funnelled through inbox so state transitions never race.
type channel struct {
	id      uint16
	session *Session
	log     *log.Logger

	state      State
	socksBuf   []byte
	methodDone bool

	target        *netio.Conn
	connectCancel context.CancelFunc

	sendWindow uint32
	pendingOut []byte

	recvWindow        uint32
	recvWindowInitial uint32
	recvConsumed      uint32

	inbox   chan any
	stopped chan struct{}
}

func newChannel(id uint16, s *Session, windowSize uint32) *channel {
	c := &channel{
		id:                id,
		session:           s,
		log:               s.log,
		state:             StateOpening,
		sendWindow:        windowSize,
		recvWindow:        windowSize,
		recvWindowInitial: windowSize,
		inbox:             make(chan any, 256),
		stopped:           make(chan struct{}),
	}
	go c.run()
	return c
}

// post delivers ev to the channel's inbox unless its run loop has
// already exited, in which case the event is dropped: a channel that
// has reached Closed will never process anything again.
func (c *channel) post(ev any) {
	select {
	case c.inbox <- ev:
	case <-c.stopped:
	}
}

func (c *channel) run() {
	defer close(c.stopped)
	for ev := range c.inbox {
		c.handle(ev)
		if c.state == StateClosed {
			return
		}
	}
}

func (c *channel) handle(ev any) {
	switch e := ev.(type) {
	case evOpen:
		c.onOpen()
	case evRequest:
		c.onRequest(e.payload)
	case evData:
		c.onData(e.payload)
	case evWindowUpdate:
		c.onWindowUpdate(e.increment)
	case evClose:
		c.onClose()
	case evCloseAck:
		c.forceCloseInternal()
		c.session.removeChannel(c.id)
	case evShutdown:
		c.forceCloseInternal()
	case evTargetConnected:
		c.onTargetConnected(e.conn, e.err)
	case evTargetData:
		c.onTargetData(e.data)
	case evTargetDisconnected:
		c.onTargetDisconnected(e.err)
	}
}

func (c *channel) onOpen() {
	c.session.sendChannelOpenAck(c.id)
	c.state = StateRequesting
}

func (c *channel) onRequest(payload []byte) {
	if c.state != StateRequesting {
		c.log.Printf("channel %d: CHANNEL_REQUEST in state %s, ignoring", c.id, c.state)
		return
	}
	c.socksBuf = append(c.socksBuf, payload...)
	c.driveSocks5()
}

func (c *channel) driveSocks5() {
	if !c.methodDone {
		consumed, offersNoAuth, err := socks5.ParseMethodRequest(c.socksBuf)
		if consumed == 0 && err == nil {
			return
		}
		if err != nil || !offersNoAuth {
			c.session.sendChannelRequestAck(c.id, socks5.BuildMethodResponse(socks5.AuthNoAcceptable))
			c.session.sendChannelClose(c.id, frame.FlagRST)
			c.forceCloseInternal()
			c.session.removeChannel(c.id)
			return
		}
		c.socksBuf = c.socksBuf[consumed:]
		c.session.sendChannelRequestAck(c.id, socks5.BuildMethodResponse(socks5.AuthNoAuth))
		c.methodDone = true
	}

	if len(c.socksBuf) == 0 {
		return
	}

	consumed, req, err := socks5.ParseConnectRequest(c.socksBuf)
	if consumed == 0 && err == nil {
		return
	}
	if err != nil {
		c.session.sendChannelRequestAck(c.id, socks5.BuildConnectReply(socks5.RepGeneralFailure))
		c.session.sendChannelClose(c.id, frame.FlagRST)
		c.forceCloseInternal()
		c.session.removeChannel(c.id)
		return
	}
	c.socksBuf = c.socksBuf[consumed:]
	if req.Cmd != socks5.CmdConnect {
		c.session.sendChannelRequestAck(c.id, socks5.BuildConnectReply(socks5.RepCommandNotSupported))
		c.session.sendChannelClose(c.id, frame.FlagRST)
		c.forceCloseInternal()
		c.session.removeChannel(c.id)
		return
	}
	c.state = StateConnecting
	c.startConnect(req)
}

func (c *channel) startConnect(req socks5.ConnectRequest) {
	ctx, cancel := context.WithCancel(c.session.ctx)
	c.connectCancel = cancel
	go func() {
		result := <-netio.ConnectAsync(ctx, c.session.resolver, req.Host, req.Port)
		c.post(evTargetConnected{conn: result.Conn, err: result.Err})
	}()
}

func (c *channel) onTargetConnected(conn *netio.Conn, err error) {
	if c.state != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.session.sendChannelRequestAck(c.id, socks5.BuildConnectReply(socks5.MapError(rerr.KindOf(err))))
		c.session.sendChannelClose(c.id, frame.FlagRST)
		c.forceCloseInternal()
		c.session.removeChannel(c.id)
		return
	}

	c.target = conn
	c.session.sendChannelRequestAck(c.id, socks5.BuildConnectReply(socks5.RepSucceeded))
	c.state = StateRelaying

	ch := c
	conn.StartReading(
		func(b []byte) { ch.post(evTargetData{data: b}) },
		func(err error) { ch.post(evTargetDisconnected{err: err}) },
	)
}

func (c *channel) onData(payload []byte) {
	if c.state != StateRelaying {
		return
	}
	c.recvConsumed += uint32(len(payload))
	if c.target != nil {
		c.target.Send(payload)
	}
	if c.recvConsumed >= c.recvWindowInitial/2 {
		c.session.sendWindowUpdate(c.id, c.recvConsumed)
		c.recvWindow += c.recvConsumed
		c.recvConsumed = 0
	}
}

func (c *channel) onWindowUpdate(increment uint32) {
	c.sendWindow += increment
	c.flushPending()
}

func (c *channel) onTargetData(data []byte) {
	if c.state != StateRelaying {
		return
	}
	c.pendingOut = append(c.pendingOut, data...)
	c.flushPending()
}

// flushPending sends as much of pendingOut as the current send window
// and the max frame payload allow, retaining the rest instead of the
// zero-window clamp-and-proceed shortcut: excess bytes wait here until
// the next WINDOW_UPDATE widens the window.
func (c *channel) flushPending() {
	for len(c.pendingOut) > 0 && c.sendWindow > 0 {
		chunk := len(c.pendingOut)
		if chunk > int(c.sendWindow) {
			chunk = int(c.sendWindow)
		}
		if chunk > frame.MaxPayload {
			chunk = frame.MaxPayload
		}
		c.session.sendData(c.id, c.pendingOut[:chunk])
		c.sendWindow -= uint32(chunk)
		c.pendingOut = c.pendingOut[chunk:]
	}
}

func (c *channel) onTargetDisconnected(err error) {
	if c.state == StateRelaying || c.state == StateConnecting {
		c.session.sendChannelClose(c.id, frame.FlagFIN)
		c.state = StateClosing
	}
	if c.target != nil {
		c.target.Close()
	}
}

func (c *channel) onClose() {
	c.session.sendChannelCloseAck(c.id)
	c.forceCloseInternal()
	c.session.removeChannel(c.id)
}

func (c *channel) forceCloseInternal() {
	if c.state == StateClosed {
		return
	}
	if c.connectCancel != nil {
		c.connectCancel()
	}
	if c.target != nil {
		c.target.Close()
		c.target = nil
	}
	c.state = StateClosed
}
