// Package dsm is the participant runtime (P) described in spec.md
// §4.4: the small library linked into an application process that
// maps the arbiter-owned shared page, installs the write-fault trap,
// and exposes Barrier/GetSharedPage/Exit to application code.
package dsm

import (
	"os"
	"sync"

	liberr "github.com/nabbar/dsm/errors"
	"github.com/nabbar/dsm/internal/proto"
	"github.com/nabbar/dsm/internal/shm"
	"github.com/nabbar/dsm/internal/trap"
	"github.com/nabbar/dsm/internal/transport"
	"github.com/nabbar/dsm/internal/wire"
)

// Config describes how a participant joins a session. ArbiterAddr is
// the per-host arbiter's local listen address (spec.md §2: "P->A is a
// UNIX stream socket" generalized here to a loopback TCP port, see
// DESIGN.md).
type Config struct {
	Session     string
	ArbiterAddr string
	SharedName  string
	RegionSize  int
}

// Participant is one application process's handle onto the shared
// page, per spec.md §4.4.
type Participant struct {
	cfg Config
	sid proto.SessionID
	pid uint32

	conn   *wire.Conn
	region *shm.Region
	trap   *trap.Trap

	mu  sync.Mutex
	gid uint32

	released  chan struct{}
	barrier   chan struct{}
	writeOkay chan struct{}
}

// Init performs the participant initialization sequence of spec.md
// §4.4: open the shared object, build the write trap, register with
// the arbiter (ADD_PROC), and wait for the startup-gate release. It
// does not read-protect the data page or install signal handlers;
// coordinated writes go through Write.
func Init(cfg Config) (*Participant, liberr.Error) {
	region, _, err := shm.Open(cfg.SharedName, cfg.RegionSize)
	if err != nil {
		return nil, proto.CodeParticipantBlock.Error(err)
	}

	raw, derr := transport.Dial(cfg.ArbiterAddr)
	if derr != nil {
		return nil, derr
	}

	p := &Participant{
		cfg:       cfg,
		sid:       proto.NewSessionID(cfg.Session),
		pid:       uint32(os.Getpid()),
		conn:      wire.NewConn(raw),
		region:    region,
		trap:      trap.New(region),
		released:  make(chan struct{}, 1),
		barrier:   make(chan struct{}, 1),
		writeOkay: make(chan struct{}, 1),
	}

	go p.readLoop()

	if e := p.conn.WriteFrame(&wire.Frame{Tag: proto.TagAddProc, Session: p.sid, Pid: p.pid}); e != nil {
		return nil, proto.CodeParticipantBlock.Error(e)
	}

	<-p.released

	return p, nil
}

// readLoop is the participant's single reader, handing every inbound
// frame from the local arbiter to the matching latch or field update.
func (p *Participant) readLoop() {
	started := false
	for {
		f, err := p.conn.ReadFrame()
		if err != nil {
			return
		}

		switch f.Tag {
		case proto.TagSetGid:
			p.mu.Lock()
			p.gid = f.Gid
			p.mu.Unlock()
		case proto.TagWaitDone:
			// Merged startup gate (spec.md §9 design note): the same
			// WAIT_DONE message serves both releases. The first one
			// releases Init; every later one releases a Barrier.
			if !started {
				started = true
				latch(p.released)
			} else {
				latch(p.barrier)
			}
		case proto.TagWriteOkay:
			latch(p.writeOkay)
		}
	}
}

// latch records ch's single pending signal without blocking, so a
// WAIT_DONE/WRITE_OKAY that arrives before its receiver is waiting is
// not lost.
func latch(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// GetGID returns the global id assigned by the session server.
func (p *Participant) GetGID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gid
}

// GetSharedPage returns the mapped data region.
func (p *Participant) GetSharedPage() []byte {
	return p.region.Data
}

// Write performs one coordinated write at offset (spec.md §4.4's
// write-fault protocol, redesigned per internal/trap's doc comment):
// acquire local exclusivity, request global write permission, commit
// the bytes, then publish them to every other arbiter.
func (p *Participant) Write(offset uintptr, data []byte) liberr.Error {
	if len(data) > wire.MaxInlineBytes {
		return proto.CodeWriteTooWide.Error()
	}

	p.trap.OnBeforeWrite = func() {
		_ = p.conn.WriteFrame(&wire.Frame{Tag: proto.TagSyncReq})
		<-p.writeOkay
	}

	p.trap.OnAfterWrite = func(off uintptr, width int) {
		f := wire.Frame{Tag: proto.TagSyncInfo, Offset: uint32(off), Size: uint32(width)}
		copy(f.Bytes[:], data)
		_ = p.conn.WriteFrame(&f)
	}

	if err := p.trap.Write(offset, data); err != nil {
		return proto.CodeParticipantBlock.Error(err)
	}
	return nil
}

// Barrier implements dsm_barrier (spec.md §4.4): send WAIT_BARR and
// block until the arbiter delivers WAIT_DONE.
func (p *Participant) Barrier() liberr.Error {
	if err := p.conn.WriteFrame(&wire.Frame{Tag: proto.TagWaitBarr, Count: 1}); err != nil {
		return proto.CodeParticipantBlock.Error(err)
	}
	<-p.barrier
	return nil
}

// Exit implements PRGM_DONE (spec.md §4.4 step at process termination).
func (p *Participant) Exit() liberr.Error {
	err := p.conn.WriteFrame(&wire.Frame{Tag: proto.TagPrgmDone})
	_ = p.conn.Close()
	_ = p.region.Close()
	if err != nil {
		return proto.CodeParticipantBlock.Error(err)
	}
	return nil
}
