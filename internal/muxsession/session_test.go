package muxsession

import (
	"encoding/binary"
	"io"
	"log"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"revsocks/internal/frame"
	"revsocks/internal/resolver"
	"revsocks/internal/socks5"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeTransport struct {
	onData func([]byte)
	onDisc func(error)
	sent   chan []byte
	closed atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan []byte, 256)}
}

func (f *fakeTransport) Send(b []byte) error {
	cp := append([]byte(nil), b...)
	f.sent <- cp
	return nil
}

func (f *fakeTransport) StartReading(onData func([]byte), onDisconnected func(error)) {
	f.onData = onData
	f.onDisc = onDisconnected
}

func (f *fakeTransport) IsConnected() bool { return !f.closed.Load() }

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeTransport) inject(b []byte) { f.onData(b) }

func (f *fakeTransport) waitFrame(t *testing.T) frame.Frame {
	t.Helper()
	select {
	case b := <-f.sent:
		d := frame.NewDecoder()
		frames, err := d.Feed(b)
		if err != nil {
			t.Fatalf("re-decode sent frame: %v", err)
		}
		if len(frames) != 1 {
			t.Fatalf("expected exactly 1 frame per Send, got %d", len(frames))
		}
		return frames[0]
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame to be sent")
		return frame.Frame{}
	}
}

func newTestSession(windowSize uint32, keepalive time.Duration) (*Session, *fakeTransport) {
	ft := newFakeTransport()
	res := resolver.New("127.0.0.1:1") // never queried in these tests; literal IPs only.
	s := New(ft, res, windowSize, keepalive, testLogger())
	s.Start(func(error) {})
	return s, ft
}

func encodeFrame(t *testing.T, typ frame.Type, flags uint8, id uint16, payload []byte) []byte {
	t.Helper()
	b, err := frame.Encode(typ, flags, id, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func connectRequestIPv4(ip net.IP, port uint16) []byte {
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip.To4()...)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], port)
	return append(req, portBytes[:]...)
}

// TestHappyPathIPv4Relay exercises the CHANNEL_OPEN -> method negotiation
// -> CONNECT -> relay path against a real loopback listener standing in
// for the outbound target.
func TestHappyPathIPv4Relay(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	echoed := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write([]byte("abc"))
		echoed <- append([]byte(nil), buf[:n]...)
	}()

	s, ft := newTestSession(262144, 0)
	defer s.Shutdown()

	const id = uint16(7)
	ft.inject(encodeFrame(t, frame.ChannelOpen, 0, id, nil))
	if f := ft.waitFrame(t); f.Type != frame.ChannelOpenAck || f.ChannelID != id {
		t.Fatalf("expected CHANNEL_OPEN_ACK, got %+v", f)
	}

	ft.inject(encodeFrame(t, frame.ChannelRequest, 0, id, []byte{0x05, 0x01, 0x00}))
	f := ft.waitFrame(t)
	if f.Type != frame.ChannelRequestAck || len(f.Payload) != 2 || f.Payload[1] != 0x00 {
		t.Fatalf("expected method ack [05 00], got %+v", f)
	}

	addr := ln.Addr().(*net.TCPAddr)
	ft.inject(encodeFrame(t, frame.ChannelRequest, 0, id, connectRequestIPv4(addr.IP, uint16(addr.Port))))

	f = ft.waitFrame(t)
	if f.Type != frame.ChannelRequestAck || f.Payload[1] != 0x00 {
		t.Fatalf("expected successful CONNECT reply, got %+v", f)
	}

	// Now DATA flowing peer -> channel -> target.
	ft.inject(encodeFrame(t, frame.Data, 0, id, []byte("xyz")))

	select {
	case got := <-echoed:
		if string(got) != "xyz" {
			t.Fatalf("target received %q, want xyz", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("target never received relayed bytes")
	}

	// And target -> channel -> peer.
	f = ft.waitFrame(t)
	if f.Type != frame.Data || f.ChannelID != id || string(f.Payload) != "abc" {
		t.Fatalf("expected DATA(abc) relayed back, got %+v", f)
	}
}

// TestUnsupportedMethodClosesChannel is Scenario B: no NO_AUTH offered.
func TestUnsupportedMethodClosesChannel(t *testing.T) {
	s, ft := newTestSession(262144, 0)
	defer s.Shutdown()

	const id = uint16(3)
	ft.inject(encodeFrame(t, frame.ChannelOpen, 0, id, nil))
	ft.waitFrame(t) // OPEN_ACK

	ft.inject(encodeFrame(t, frame.ChannelRequest, 0, id, []byte{0x05, 0x02, 0x01, 0x02}))

	f := ft.waitFrame(t)
	if f.Type != frame.ChannelRequestAck || f.Payload[1] != 0xFF {
		t.Fatalf("expected [05 FF] method rejection, got %+v", f)
	}
	f = ft.waitFrame(t)
	if f.Type != frame.ChannelClose || !f.HasFlag(frame.FlagRST) {
		t.Fatalf("expected CHANNEL_CLOSE(RST), got %+v", f)
	}
}

// TestUnsupportedCommandRejected covers a CONNECT-request parse that
// succeeds but names a command other than CONNECT (e.g. BIND): the
// channel must reply command-not-supported and RST-close instead of
// silently dialing out, per the parsed request's Cmd field.
func TestUnsupportedCommandRejected(t *testing.T) {
	s, ft := newTestSession(262144, 0)
	defer s.Shutdown()

	const id = uint16(13)
	ft.inject(encodeFrame(t, frame.ChannelOpen, 0, id, nil))
	ft.waitFrame(t)
	ft.inject(encodeFrame(t, frame.ChannelRequest, 0, id, []byte{0x05, 0x01, 0x00}))
	ft.waitFrame(t)

	bindRequest := []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90}
	ft.inject(encodeFrame(t, frame.ChannelRequest, 0, id, bindRequest))

	f := ft.waitFrame(t)
	if f.Type != frame.ChannelRequestAck || f.Payload[1] != socks5.RepCommandNotSupported {
		t.Fatalf("expected command-not-supported reply, got %+v", f)
	}
	f = ft.waitFrame(t)
	if f.Type != frame.ChannelClose || !f.HasFlag(frame.FlagRST) {
		t.Fatalf("expected CHANNEL_CLOSE(RST), got %+v", f)
	}
	if s.ChannelCount() != 0 {
		t.Fatalf("expected channel removed from registry, got count %d", s.ChannelCount())
	}
}

// TestConnectRefused is Scenario C: outbound connect fails.
func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listening now: connect will be refused.

	s, ft := newTestSession(262144, 0)
	defer s.Shutdown()

	const id = uint16(5)
	ft.inject(encodeFrame(t, frame.ChannelOpen, 0, id, nil))
	ft.waitFrame(t)
	ft.inject(encodeFrame(t, frame.ChannelRequest, 0, id, []byte{0x05, 0x01, 0x00}))
	ft.waitFrame(t)

	ft.inject(encodeFrame(t, frame.ChannelRequest, 0, id, connectRequestIPv4(addr.IP, uint16(addr.Port))))

	f := ft.waitFrame(t)
	if f.Type != frame.ChannelRequestAck || f.Payload[1] != 0x05 {
		t.Fatalf("expected connection-refused reply [.. 05 ..], got %+v", f)
	}
	f = ft.waitFrame(t)
	if f.Type != frame.ChannelClose || !f.HasFlag(frame.FlagRST) {
		t.Fatalf("expected CHANNEL_CLOSE(RST), got %+v", f)
	}
}

// TestFlowControlWindowUpdate is Scenario D.
func TestFlowControlWindowUpdate(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()

	const windowSize = uint32(1024)
	s, ft := newTestSession(windowSize, 0)
	defer s.Shutdown()

	const id = uint16(9)
	ft.inject(encodeFrame(t, frame.ChannelOpen, 0, id, nil))
	ft.waitFrame(t)
	ft.inject(encodeFrame(t, frame.ChannelRequest, 0, id, []byte{0x05, 0x01, 0x00}))
	ft.waitFrame(t)

	addr := ln.Addr().(*net.TCPAddr)
	ft.inject(encodeFrame(t, frame.ChannelRequest, 0, id, connectRequestIPv4(addr.IP, uint16(addr.Port))))
	ft.waitFrame(t) // CONNECT success ack

	payload := make([]byte, 600)
	for i := 0; i < 2; i++ {
		ft.inject(encodeFrame(t, frame.Data, 0, id, payload))
		f := ft.waitFrame(t)
		if f.Type != frame.WindowUpdate || f.ChannelID != id {
			t.Fatalf("round %d: expected WINDOW_UPDATE, got %+v", i, f)
		}
		increment := binary.LittleEndian.Uint32(f.Payload)
		if increment != 600 {
			t.Fatalf("round %d: expected increment 600, got %d", i, increment)
		}
	}
}

// TestKeepalivePings is Scenario E.
func TestKeepalivePings(t *testing.T) {
	s, ft := newTestSession(262144, 20*time.Millisecond)
	defer s.Shutdown()

	seen := 0
	deadline := time.After(300 * time.Millisecond)
	for seen < 3 {
		select {
		case b := <-ft.sent:
			d := frame.NewDecoder()
			frames, _ := d.Feed(b)
			if len(frames) == 1 && frames[0].Type == frame.Ping {
				seen++
			}
		case <-deadline:
			t.Fatalf("only saw %d PINGs within deadline", seen)
		}
	}

	ft.inject(encodeFrame(t, frame.Ping, 0, frame.SessionChannelID, nil))
	f := ft.waitFrame(t)
	for f.Type == frame.Ping {
		f = ft.waitFrame(t)
	}
	if f.Type != frame.Pong {
		t.Fatalf("expected PONG in response to inbound PING, got %+v", f)
	}
}

// TestGracefulShutdownClosesChannels is Scenario F.
func TestGracefulShutdownClosesChannels(t *testing.T) {
	s, ft := newTestSession(262144, 0)

	ids := []uint16{1, 4, 9}
	for _, id := range ids {
		ft.inject(encodeFrame(t, frame.ChannelOpen, 0, id, nil))
		ft.waitFrame(t)
	}
	if got := s.ChannelCount(); got != len(ids) {
		t.Fatalf("expected %d channels, got %d", len(ids), got)
	}

	disconnectCalled := false
	s.onDisconnect = func(error) { disconnectCalled = true }

	s.Shutdown()

	if got := s.ChannelCount(); got != 0 {
		t.Fatalf("expected 0 channels after shutdown, got %d", got)
	}
	if disconnectCalled {
		t.Fatal("locally-initiated shutdown must not invoke the disconnect callback")
	}
}

// TestAtMostOnceDisconnect is property 6.
func TestAtMostOnceDisconnect(t *testing.T) {
	ft := newFakeTransport()
	res := resolver.New("127.0.0.1:1")
	var calls int32
	s := New(ft, res, 262144, 0, testLogger())
	s.Start(func(error) { atomic.AddInt32(&calls, 1) })

	ft.onDisc(nil)
	ft.onDisc(nil)
	s.Shutdown()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected disconnect callback exactly once, got %d", got)
	}
}

// TestIdempotentClose is property 8.
func TestIdempotentClose(t *testing.T) {
	s, _ := newTestSession(262144, 0)
	s.Shutdown()
	s.Shutdown()
	s.Shutdown()
}

// TestRegistryConsistencyAfterCloseAck is property 7.
func TestRegistryConsistencyAfterCloseAck(t *testing.T) {
	s, ft := newTestSession(262144, 0)
	defer s.Shutdown()

	const id = uint16(11)
	ft.inject(encodeFrame(t, frame.ChannelOpen, 0, id, nil))
	ft.waitFrame(t)
	if s.ChannelCount() != 1 {
		t.Fatalf("expected 1 channel after open, got %d", s.ChannelCount())
	}

	ft.inject(encodeFrame(t, frame.ChannelCloseAck, 0, id, nil))

	deadline := time.After(2 * time.Second)
	for s.ChannelCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("channel was never removed from the registry")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestUnknownChannelCloseStillAcks covers the CLOSE/CLOSE_ACK race note:
// a CHANNEL_CLOSE for an id with no live channel still gets ACKed.
func TestUnknownChannelCloseStillAcks(t *testing.T) {
	s, ft := newTestSession(262144, 0)
	defer s.Shutdown()

	ft.inject(encodeFrame(t, frame.ChannelClose, 0, 99, nil))
	f := ft.waitFrame(t)
	if f.Type != frame.ChannelCloseAck || f.ChannelID != 99 {
		t.Fatalf("expected CHANNEL_CLOSE_ACK for unknown channel, got %+v", f)
	}
}
