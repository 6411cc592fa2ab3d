// Package daemon implements the session daemon (D): the well-known
// rendezvous service mapping session ids to session-server addresses,
// per spec.md §4.1.
package daemon

import (
	"net"
	"sync"

	liberr "github.com/nabbar/dsm/errors"
	"github.com/nabbar/dsm/internal/proto"
	"github.com/nabbar/dsm/internal/transport"
	"github.com/nabbar/dsm/internal/wire"
	"github.com/nabbar/dsm/logger"

	libsck "github.com/nabbar/golib/socket"
)

// Spawner starts a session server for (sid, nproc). It returns nothing:
// the spawned server reports its port back to the daemon with its own
// SET_SESSION request. Decoupled from internal/session so the daemon can be tested without
// spawning real servers.
type Spawner func(sid proto.SessionID, nproc int)

// directoryEntry is the D-owned per-session state described in
// spec.md §3: at most one per session id, with a pending-reply queue
// flushed atomically once the port is known.
type directoryEntry struct {
	port    int
	known   bool
	pending []*wire.Conn
}

// Daemon is the session daemon of spec.md §4.1. A goroutine per
// connection stands in for the literal poll loop; the directory map is
// shared by those goroutines and guarded by mu.
type Daemon struct {
	log logger.Logger
	ln  *transport.Listener

	spawn Spawner

	mu  sync.Mutex
	dir map[proto.SessionID]*directoryEntry
}

// New builds a Daemon. spawn is called exactly once per new session id
// seen by GET_SESSION.
func New(log logger.Logger, spawn Spawner) *Daemon {
	return &Daemon{
		log:   log,
		spawn: spawn,
		dir:   make(map[proto.SessionID]*directoryEntry),
	}
}

// Listen binds the well-known daemon port.
func (d *Daemon) Listen(addr string) liberr.Error {
	ln, err := transport.Listen(addr, d.handle)
	if err != nil {
		return err
	}
	d.ln = ln
	return nil
}

// Serve accepts connections until the listener is closed, reading
// exactly one request per connection per spec.md §4.1.
func (d *Daemon) Serve() {
	d.ln.Serve()
}

// Addr reports the listener's bound address, useful when Listen was
// given port 0.
func (d *Daemon) Addr() net.Addr {
	return d.ln.Addr()
}

func (d *Daemon) Close() error {
	if d.ln == nil {
		return nil
	}
	return d.ln.Close()
}

func (d *Daemon) handle(raw libsck.Context) {
	conn := wire.NewConn(raw)

	f, err := conn.ReadFrame()
	if err != nil {
		_ = conn.Close()
		return
	}

	switch f.Tag {
	case proto.TagGetSession:
		d.getSession(conn, f)
	case proto.TagSetSession:
		d.setSession(f)
		_ = conn.Close()
	case proto.TagDelSession:
		d.delSession(f)
		_ = conn.Close()
	default:
		d.log.Error("daemon received unexpected tag", nil, f.Tag.String())
		_ = conn.Close()
	}
}

// getSession implements spec.md §4.1 GET_SESSION.
func (d *Daemon) getSession(conn *wire.Conn, f wire.Frame) {
	d.mu.Lock()

	e, exists := d.dir[f.Session]
	if !exists {
		e = &directoryEntry{}
		d.dir[f.Session] = e
		d.mu.Unlock()

		if d.spawn != nil {
			d.spawn(f.Session, int(f.Nproc))
		}

		d.mu.Lock()
	}

	if !e.known {
		e.pending = append(e.pending, conn)
		d.mu.Unlock()
		return
	}

	port := e.port
	d.mu.Unlock()

	_ = conn.WriteFrame(&wire.Frame{Tag: proto.TagSetSession, Session: f.Session, Port: uint16(port)})
	_ = conn.Close()
}

// setSession implements spec.md §4.1 SET_SESSION: registers the
// freshly spawned server's port and flushes the pending queue. The
// daemon tolerates a duplicate SET_SESSION by replacing the port
// (spec.md §7 locally-recoverable conditions).
func (d *Daemon) setSession(f wire.Frame) {
	d.mu.Lock()

	e, exists := d.dir[f.Session]
	if !exists {
		e = &directoryEntry{}
		d.dir[f.Session] = e
	}

	e.port = int(f.Port)
	e.known = true
	pending := e.pending
	e.pending = nil

	d.mu.Unlock()

	reply := wire.Frame{Tag: proto.TagSetSession, Session: f.Session, Port: f.Port}
	for _, c := range pending {
		_ = c.WriteFrame(&reply)
		_ = c.Close()
	}
}

// delSession implements spec.md §4.1 DEL_SESSION.
func (d *Daemon) delSession(f wire.Frame) {
	d.mu.Lock()
	e, exists := d.dir[f.Session]
	if exists {
		for _, c := range e.pending {
			_ = c.Close()
		}
		delete(d.dir, f.Session)
	}
	d.mu.Unlock()
}
