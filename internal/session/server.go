package session

import (
	"fmt"
	"net"
	"sync"

	liberr "github.com/nabbar/dsm/errors"
	"github.com/nabbar/dsm/internal/proto"
	"github.com/nabbar/dsm/internal/transport"
	"github.com/nabbar/dsm/internal/wire"
	"github.com/nabbar/dsm/logger"

	libsck "github.com/nabbar/golib/socket"
)

// wireConn adapts an internal/wire.Conn to the Machine's Peer
// interface.
type wireConn struct {
	c *wire.Conn
}

func (w *wireConn) Send(tag proto.Tag, p Payload) error {
	f := wire.Frame{
		Tag:    tag,
		Pid:    p.Pid,
		Gid:    p.Gid,
		Count:  p.Count,
		Offset: p.Offset,
		Size:   p.Size,
	}
	copy(f.Bytes[:], p.Bytes)
	return w.c.WriteFrame(&f)
}

// Server listens on an ephemeral TCP port for arbiter connections and
// drives a Machine from the frames it receives. One Server per
// session, per spec.md §2.
type Server struct {
	log  logger.Logger
	sid  proto.SessionID
	addr string

	mu sync.Mutex
	m  *Machine

	ln *transport.Listener

	// onEmpty is invoked once the last arbiter has disconnected
	// (spec.md §4.2 Termination), so the owning daemon client can send
	// DEL_SESSION.
	onEmpty func()
}

// NewServer builds a Server for sid expecting n participants.
func NewServer(log logger.Logger, sid proto.SessionID, n int, onEmpty func()) *Server {
	return &Server{
		log:     log,
		sid:     sid,
		m:       NewMachine(n),
		onEmpty: onEmpty,
	}
}

// Listen binds an ephemeral TCP port and returns it; the caller
// forwards this port to the daemon via SET_SESSION.
func (s *Server) Listen() (port int, err liberr.Error) {
	ln, e := transport.Listen("127.0.0.1:0", s.handle)
	if e != nil {
		return 0, proto.CodeSessionBlock.Error(e)
	}
	s.ln = ln
	s.addr = ln.Addr().String()

	_, portStr, serr := net.SplitHostPort(s.addr)
	if serr != nil {
		return 0, proto.CodeSessionBlock.Error(serr)
	}

	var p int
	if _, serr = fmt.Sscanf(portStr, "%d", &p); serr != nil {
		return 0, proto.CodeSessionBlock.Error(serr)
	}
	return p, nil
}

// Serve accepts arbiter connections until the listener is closed.
func (s *Server) Serve() {
	s.ln.Serve()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handle(raw libsck.Context) {
	conn := wire.NewConn(raw)
	h := Handle(raw.RemoteHost())

	s.mu.Lock()
	s.m.AddPeer(h, &wireConn{c: conn})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.m.RemovePeer(h)
		empty := len(s.m.peers) == 0
		s.mu.Unlock()

		_ = conn.Close()

		if empty && s.onEmpty != nil {
			s.onEmpty()
		}
	}()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return
		}

		if err := s.dispatch(h, f); err != nil {
			s.log.Error("session dispatch failed", nil, err)
			return
		}
	}
}

func (s *Server) dispatch(h Handle, f wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Tag {
	case proto.TagAddProc:
		return s.m.OnAddProc()
	case proto.TagSyncReq:
		return s.m.OnSyncReq(h)
	case proto.TagStopDone:
		return s.m.OnStopDone(h, int(f.Count))
	case proto.TagSyncInfo:
		sz := f.Size
		if sz > wire.MaxInlineBytes {
			sz = wire.MaxInlineBytes
		}
		return s.m.OnSyncInfo(h, f.Offset, f.Size, f.Bytes[:sz])
	case proto.TagSyncDone:
		return s.m.OnSyncDone(h, int(f.Count))
	case proto.TagWaitBarr:
		return s.m.OnWaitBarr(int(f.Count))
	case proto.TagPrgmDone:
		return nil
	default:
		return proto.NewViolation(proto.CodeUnknownTag, f.Tag, s.m.step.String())
	}
}
