package dispatch

import (
	"net"
	"sync"

	"github.com/veilmux/core/internal/errs"
)

// Dialer matches the teacher's internal/common.Dialer: the dispatcher
// never needs more than plain TCP dial to reach an exit, so no transport
// package dependency is pulled in here.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// exitStream is one persistent, multiplexed TCP connection to an exit
// process carrying many conn_id-tagged flows at once, per spec.md §4.10.
// Incoming packets are demultiplexed by conn_id to whichever handler last
// registered interest in that id.
type exitStream struct {
	conn net.Conn

	sendMu sync.Mutex

	handlersMu sync.Mutex
	handlers   map[uint64]func([]byte)

	closeOnce sync.Once
	closeCh   chan struct{}
}

func dialExitStream(dialer Dialer, addr string) (*exitStream, error) {
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, errs.New(errs.Unavailable, "dispatch.dialExitStream", err)
	}
	s := &exitStream{
		conn:     conn,
		handlers: make(map[uint64]func([]byte)),
		closeCh:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *exitStream) readLoop() {
	defer s.Close()
	for {
		pkt, err := ReadPacket(s.conn)
		if err != nil {
			// Magic mismatch or a dead socket: close the whole stream
			// rather than trying to resynchronise on the framing.
			return
		}
		s.handlersMu.Lock()
		fn := s.handlers[pkt.ConnID]
		s.handlersMu.Unlock()
		if fn != nil {
			fn(pkt.Payload)
		}
	}
}

func (s *exitStream) registerHandler(connID uint64, fn func([]byte)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[connID] = fn
}

func (s *exitStream) unregisterHandler(connID uint64) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	delete(s.handlers, connID)
}

func (s *exitStream) Send(p *Packet) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if _, err := s.conn.Write(EncodePacket(p)); err != nil {
		return errs.New(errs.Unavailable, "dispatch.exitStream.Send", err)
	}
	return nil
}

func (s *exitStream) closed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

func (s *exitStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.conn.Close()
	})
	return err
}
