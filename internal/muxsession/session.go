// Package muxsession implements the multiplexing core: the per-channel
// state machine, the flow-control window discipline, and the session
// dispatcher that owns the framing codec, the channel registry, and the
// transport. It is grounded on the mux_session.cpp/channel.cpp pair of
// the framed reverse-SOCKS5 client, translated from an IOCP callback
// object graph into goroutines and channels: each channel gets a
// single-goroutine command loop instead of a shared thread pool touching
// shared mutable state, so the per-channel serial-dispatch guarantee
// falls out of the language rather than needing a lock per field.
package muxsession

import (
	"context"
	"encoding/binary"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"revsocks/internal/frame"
	"revsocks/internal/resolver"
	"revsocks/internal/rerr"
	"revsocks/internal/transport"
)

// Session owns the codec, the channel registry, the transport, and the
// keepalive timer. It is the single reader of the transport's byte
// stream and the single writer of the encoded frame stream.
type Session struct {
	transport transport.Transport
	resolver  *resolver.Resolver
	log       *log.Logger

	windowSize        uint32
	keepaliveInterval time.Duration

	decoder *frame.Decoder
	sendMu  sync.Mutex

	mu       sync.RWMutex
	channels map[uint16]*channel

	running        atomic.Bool
	onDisconnect   func(error)
	shutdownOnce   sync.Once
	keepaliveStop  chan struct{}
	keepaliveWG    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Session over an already-connected transport. windowSize
// is the initial per-channel send/recv credit (channel_window_size);
// keepaliveInterval is the PING period (0 disables it).
func New(t transport.Transport, res *resolver.Resolver, windowSize uint32, keepaliveInterval time.Duration, logger *log.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		transport:         t,
		resolver:          res,
		log:               logger,
		windowSize:        windowSize,
		keepaliveInterval: keepaliveInterval,
		decoder:           frame.NewDecoder(),
		channels:          make(map[uint16]*channel),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Start hooks into the transport's read pump and begins the keepalive
// timer. onDisconnect fires at most once: when the transport fails or a
// fatal protocol error occurs, and never if Shutdown is called first.
func (s *Session) Start(onDisconnect func(error)) {
	s.onDisconnect = onDisconnect
	s.running.Store(true)
	s.transport.StartReading(s.onBytes, s.onTransportDisconnected)
	s.startKeepalive()
	s.log.Printf("mux session started")
}

// Shutdown force-closes every channel, stops the keepalive timer, and
// closes the transport, without invoking the disconnect callback: this
// path is for locally-initiated teardown, not a lost connection.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.teardown()
		s.transport.Close()
	})
}

func (s *Session) onBytes(data []byte) {
	if !s.running.Load() {
		return
	}
	frames, err := s.decoder.Feed(data)
	if err != nil {
		s.log.Printf("fatal protocol error: %v", err)
		s.onTransportDisconnected(rerr.Wrap(rerr.ProtocolError, err, "frame decode"))
		s.transport.Close()
		return
	}
	for _, f := range frames {
		s.dispatch(f)
	}
}

func (s *Session) onTransportDisconnected(err error) {
	s.shutdownOnce.Do(func() {
		s.teardown()
		if s.onDisconnect != nil {
			s.onDisconnect(err)
		}
	})
}

func (s *Session) teardown() {
	s.running.Store(false)
	s.cancel()
	s.stopKeepalive()
	s.closeAllChannels()
}

func (s *Session) closeAllChannels() {
	all := s.snapshotAndClearChannels()
	for _, ch := range all {
		ch.post(evShutdown{})
		<-ch.stopped
	}
	if len(all) > 0 {
		s.log.Printf("closed %d channels", len(all))
	}
}

func (s *Session) dispatch(f frame.Frame) {
	switch f.Type {
	case frame.ChannelOpen:
		s.handleChannelOpen(f.ChannelID)
	case frame.ChannelRequest:
		s.forwardToChannel(f.ChannelID, evRequest{payload: f.Payload})
	case frame.Data:
		s.forwardToChannel(f.ChannelID, evData{payload: f.Payload})
	case frame.ChannelClose:
		s.handleChannelClose(f.ChannelID)
	case frame.ChannelCloseAck:
		s.forwardToChannel(f.ChannelID, evCloseAck{})
	case frame.Ping:
		s.sendPong()
	case frame.Pong:
		// liveness is the transport's responsibility; nothing to track.
	case frame.WindowUpdate:
		if len(f.Payload) < 4 {
			s.log.Printf("WINDOW_UPDATE for channel %d missing payload", f.ChannelID)
			return
		}
		increment := binary.LittleEndian.Uint32(f.Payload)
		s.forwardToChannel(f.ChannelID, evWindowUpdate{increment: increment})
	default:
		s.log.Printf("unknown frame type %d for channel %d, ignoring", f.Type, f.ChannelID)
	}
}

func (s *Session) handleChannelOpen(id uint16) {
	if s.findChannel(id) != nil {
		s.log.Printf("duplicate CHANNEL_OPEN for channel %d, ignoring", id)
		return
	}
	ch := newChannel(id, s, s.windowSize)
	s.insertChannel(id, ch)
	ch.post(evOpen{})
}

func (s *Session) handleChannelClose(id uint16) {
	ch := s.findChannel(id)
	if ch == nil {
		s.sendChannelCloseAck(id)
		return
	}
	ch.post(evClose{})
}

func (s *Session) forwardToChannel(id uint16, ev any) {
	ch := s.findChannel(id)
	if ch == nil {
		return
	}
	ch.post(ev)
}

// --- send helpers, called by channels through their back-reference ---

func (s *Session) sendChannelOpenAck(id uint16) {
	s.sendFrame(frame.ChannelOpenAck, 0, id, nil)
}

func (s *Session) sendChannelRequestAck(id uint16, payload []byte) {
	s.sendFrame(frame.ChannelRequestAck, 0, id, payload)
}

func (s *Session) sendData(id uint16, payload []byte) {
	s.sendFrame(frame.Data, 0, id, payload)
}

func (s *Session) sendChannelClose(id uint16, flags uint8) {
	s.sendFrame(frame.ChannelClose, flags, id, nil)
}

func (s *Session) sendChannelCloseAck(id uint16) {
	s.sendFrame(frame.ChannelCloseAck, 0, id, nil)
}

func (s *Session) sendWindowUpdate(id uint16, increment uint32) {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], increment)
	s.sendFrame(frame.WindowUpdate, 0, id, payload[:])
}

func (s *Session) sendPong() {
	s.sendFrame(frame.Pong, 0, frame.SessionChannelID, nil)
}

func (s *Session) sendFrame(typ frame.Type, flags uint8, id uint16, payload []byte) {
	if !s.running.Load() {
		return
	}
	buf, err := frame.Encode(typ, flags, id, payload)
	if err != nil {
		s.log.Printf("encode %s for channel %d: %v", typ, id, err)
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.transport.Send(buf); err != nil {
		s.log.Printf("send %s for channel %d: %v", typ, id, err)
	}
}

// --- keepalive ---

func (s *Session) startKeepalive() {
	if s.keepaliveInterval <= 0 {
		return
	}
	s.keepaliveStop = make(chan struct{})
	s.keepaliveWG.Add(1)
	go func() {
		defer s.keepaliveWG.Done()
		ticker := time.NewTicker(s.keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.running.Load() {
					s.sendFrame(frame.Ping, 0, frame.SessionChannelID, nil)
				}
			case <-s.keepaliveStop:
				return
			}
		}
	}()
}

func (s *Session) stopKeepalive() {
	if s.keepaliveStop == nil {
		return
	}
	select {
	case <-s.keepaliveStop:
	default:
		close(s.keepaliveStop)
	}
	s.keepaliveWG.Wait()
}
