package arbiter

import (
	"net"
	"sync"
	"syscall"

	liberr "github.com/nabbar/dsm/errors"
	"github.com/nabbar/dsm/internal/proto"
	"github.com/nabbar/dsm/internal/shm"
	"github.com/nabbar/dsm/internal/transport"
	"github.com/nabbar/dsm/internal/wire"
	"github.com/nabbar/dsm/logger"

	libsck "github.com/nabbar/golib/socket"
)

// Arbiter is the per-host event loop described in spec.md §4.3: one
// listener for local participants, one connection to the session
// server, a process table, and the local half of the shared-memory
// region it owns and every local participant maps.
//
// The process table is touched only from the goroutine running Serve,
// matching spec.md §5's single-threaded-per-component model;
// participant and server connections each run their own read loop and
// hand frames to the arbiter over a buffered channel rather than
// locking the table directly. The client map and the startup-gate
// flag are also reached from the accept goroutines, so they are
// guarded by mu.
type Arbiter struct {
	log logger.Logger

	region *shm.Region

	ln      *transport.Listener
	srv     *wire.Conn
	srvAddr string

	table *Table

	startupGatePassed bool

	mu      sync.Mutex
	clients map[Handle]*wire.Conn

	events chan event
}

type event struct {
	from Handle
	f    wire.Frame
	fromServer bool
}

// New builds an Arbiter backed by region, dialing the session server
// at srvAddr.
func New(log logger.Logger, region *shm.Region, srvAddr string) *Arbiter {
	return &Arbiter{
		log:     log,
		region:  region,
		srvAddr: srvAddr,
		table:   NewTable(),
		clients: make(map[Handle]*wire.Conn),
		events:  make(chan event, 64),
	}
}

// Listen binds the local per-host participant port and starts
// accepting on it in its own goroutine.
func (a *Arbiter) Listen(addr string) liberr.Error {
	ln, err := transport.Listen(addr, a.accept)
	if err != nil {
		return err
	}
	a.ln = ln
	go ln.Serve()
	return nil
}

// Addr reports the local participant listener's bound address, useful
// when Listen was given port 0.
func (a *Arbiter) Addr() net.Addr {
	return a.ln.Addr()
}

// DialServer connects to the session server.
func (a *Arbiter) DialServer() liberr.Error {
	c, err := transport.Dial(a.srvAddr)
	if err != nil {
		return err
	}
	a.srv = wire.NewConn(c)
	go a.readLoop(a.srv, "", true)
	return nil
}

// Serve drains the event channel, running the single dispatcher loop
// described in spec.md §4.3; the participant listener built by Listen
// already accepts in its own goroutine via internal/transport.
func (a *Arbiter) Serve() {
	for ev := range a.events {
		var err error
		if ev.fromServer {
			err = a.dispatchFromServer(ev.f)
		} else {
			err = a.dispatchFromParticipant(ev.from, ev.f)
		}
		if err != nil {
			a.log.Error("arbiter dispatch failed", nil, err)
		}
	}
}

// accept is the per-connection handler golib's socket server invokes
// for every local participant connection.
func (a *Arbiter) accept(raw libsck.Context) {
	// Late-joiner refusal (spec.md §8 scenario 3): once the startup
	// gate has passed, new connections are closed without registering.
	a.mu.Lock()
	passed := a.startupGatePassed
	a.mu.Unlock()
	if passed {
		_ = raw.Close()
		return
	}

	h := Handle(raw.RemoteHost())
	conn := wire.NewConn(raw)

	a.mu.Lock()
	a.clients[h] = conn
	a.mu.Unlock()

	a.readLoop(conn, h, false)
}

func (a *Arbiter) readLoop(conn *wire.Conn, h Handle, fromServer bool) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if !fromServer {
				a.mu.Lock()
				delete(a.clients, h)
				a.mu.Unlock()
			}
			return
		}
		a.events <- event{from: h, f: f, fromServer: fromServer}
	}
}

func (a *Arbiter) sendParticipant(h Handle, f *wire.Frame) error {
	a.mu.Lock()
	c, ok := a.clients[h]
	a.mu.Unlock()
	if !ok {
		return proto.NewViolation(proto.CodeUnauthorizedSender, f.Tag, "participant-gone")
	}
	return c.WriteFrame(f)
}

func (a *Arbiter) sendServer(f *wire.Frame) error {
	return a.srv.WriteFrame(f)
}

// dispatchFromParticipant implements the P->A half of spec.md §4.3.
func (a *Arbiter) dispatchFromParticipant(h Handle, f wire.Frame) error {
	switch f.Tag {
	case proto.TagAddProc:
		a.table.Add(h, f.Pid)
		return a.sendServer(&wire.Frame{Tag: proto.TagAddProc, Pid: f.Pid})

	case proto.TagSyncReq:
		a.table.EnqueueWriter(h)
		return a.sendServer(&wire.Frame{Tag: proto.TagSyncReq})

	case proto.TagSyncInfo:
		if err := a.sendServer(&wire.Frame{Tag: proto.TagSyncInfo, Offset: f.Offset, Size: f.Size, Bytes: f.Bytes}); err != nil {
			return err
		}
		a.table.DequeueWriter()
		return nil

	case proto.TagWaitBarr:
		if e, ok := a.table.Get(h); ok {
			e.Waiting = true
		}
		return a.sendServer(&wire.Frame{Tag: proto.TagWaitBarr, Count: 1})

	case proto.TagPrgmDone:
		a.table.Remove(h)
		a.mu.Lock()
		delete(a.clients, h)
		a.mu.Unlock()
		if err := a.sendServer(&wire.Frame{Tag: proto.TagPrgmDone}); err != nil {
			return err
		}
		if a.table.Len() == 0 {
			return a.shutdown()
		}
		return nil

	default:
		return proto.NewViolation(proto.CodeUnauthorizedSender, f.Tag, "from-participant")
	}
}

// dispatchFromServer implements the S->A half of spec.md §4.3.
func (a *Arbiter) dispatchFromServer(f wire.Frame) error {
	switch f.Tag {
	case proto.TagSetGid:
		h, ok := a.table.SetGid(f.Pid, f.Gid)
		if !ok {
			return nil
		}
		return a.sendParticipant(h, &wire.Frame{Tag: proto.TagSetGid, Pid: f.Pid, Gid: f.Gid})

	case proto.TagStopAll:
		return a.stopAll()

	case proto.TagContAll:
		return a.contAll()

	case proto.TagWriteOkay:
		head, ok := a.table.WriterHead()
		if !ok {
			return proto.NewViolation(proto.CodeOutOfStepMessage, f.Tag, "no-writer-queued")
		}
		return a.sendParticipant(head, &wire.Frame{Tag: proto.TagWriteOkay})

	case proto.TagSyncInfo:
		sz := f.Size
		if sz > wire.MaxInlineBytes {
			sz = wire.MaxInlineBytes
		}
		a.region.LockIO()
		if int(f.Offset)+int(sz) <= len(a.region.Data) {
			copy(a.region.Data[f.Offset:f.Offset+sz], f.Bytes[:sz])
		}
		a.region.UnlockIO()
		return a.sendServer(&wire.Frame{Tag: proto.TagSyncDone, Count: 1})

	case proto.TagWaitDone:
		return a.waitDone()

	default:
		return proto.NewViolation(proto.CodeUnauthorizedSender, f.Tag, "from-server")
	}
}

// stopAll implements spec.md §4.3 "Pause/resume translation": STOP_ALL.
func (a *Arbiter) stopAll() error {
	count := 0
	for h, e := range a.table.All() {
		if e.Stopped || e.Waiting {
			continue
		}
		e.Stopped = true
		if err := a.signal(h, e.Pid, syscall.SIGTSTP); err != nil {
			return err
		}
		count++
	}
	return a.sendServer(&wire.Frame{Tag: proto.TagStopDone, Count: uint32(count)})
}

// contAll implements spec.md §4.3: CONT_ALL.
func (a *Arbiter) contAll() error {
	for h, e := range a.table.All() {
		if e.Queued || e.Waiting {
			continue
		}
		if e.Stopped {
			e.Stopped = false
			if err := a.signal(h, e.Pid, syscall.SIGCONT); err != nil {
				return err
			}
		}
	}
	return nil
}

// waitDone implements spec.md §4.3 "Barrier release" and the merged
// startup gate: clear Waiting on every entry, SIGCONT those not also
// Stopped, and broadcast WAIT_DONE to local participants so their
// blocking receive returns.
func (a *Arbiter) waitDone() error {
	for h, e := range a.table.All() {
		if !e.Waiting {
			continue
		}
		e.Waiting = false
		if !e.Stopped {
			if err := a.signal(h, e.Pid, syscall.SIGCONT); err != nil {
				return err
			}
		}
		if err := a.sendParticipant(h, &wire.Frame{Tag: proto.TagWaitDone}); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.startupGatePassed = true
	a.mu.Unlock()
	return nil
}

func (a *Arbiter) signal(h Handle, pid uint32, sig syscall.Signal) error {
	if pid == 0 {
		return nil
	}
	if err := syscall.Kill(int(pid), sig); err != nil {
		return proto.CodeArbiterBlock.Error(err)
	}
	return nil
}

func (a *Arbiter) shutdown() error {
	_ = a.ln.Close()
	if a.srv != nil {
		_ = a.srv.Close()
	}
	close(a.events)
	return nil
}
