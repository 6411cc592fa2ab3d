// Package session implements the session server (S): the global
// coordinator for one session, enforcing spec.md §4.2's write
// serialization state machine, the barrier, and the startup gate.
package session

import (
	"github.com/nabbar/dsm/internal/proto"
)

// Step is one of the four states of the write-serialization state
// machine. Modeled as a named-state enum checked by one On* method per
// message kind rather than a callback table keyed by tag, per the
// REDESIGN FLAGS in spec.md §9.
type Step uint8

const (
	StepReady Step = iota
	StepWaitStopAck
	StepWaitSyncInfo
	StepWaitSyncAck
)

func (s Step) String() string {
	switch s {
	case StepReady:
		return "READY"
	case StepWaitStopAck:
		return "WAIT_STOP_ACK"
	case StepWaitSyncInfo:
		return "WAIT_SYNC_INFO"
	case StepWaitSyncAck:
		return "WAIT_SYNC_ACK"
	default:
		return "UNKNOWN"
	}
}

// Handle identifies one arbiter connection to the session server. Both
// the server's writer queue and its connection table key on this value
// — the writer queue holds only handles (weak references resolved
// through the connection table on each use), per the cyclic-reference
// design note in spec.md §9.
type Handle string

// Peer is the sending half of an arbiter connection, as seen by the
// state machine. Kept minimal and decoupled from internal/wire.Conn so
// the machine can be driven directly by tests without a socket.
type Peer interface {
	Send(tag proto.Tag, payload Payload) error
}

// Payload carries the fields relevant to a given tag; unused fields
// are left zero, mirroring internal/wire.Frame's fixed-field shape.
type Payload struct {
	Pid    uint32
	Gid    uint32
	Count  uint32
	Offset uint32
	Size   uint32
	Bytes  []byte
}

// Machine is the per-session state of the write-serialization protocol
// plus the independent barrier and startup-gate counters described in
// spec.md §4.2.
type Machine struct {
	N int

	step Step

	queue []Handle

	stoppedAcks int
	syncedAcks  int

	barrierArrivals int
	startupArrived  int
	startupDone     bool

	peers map[Handle]Peer
}

// NewMachine returns a Machine for a session expecting N participants.
func NewMachine(n int) *Machine {
	return &Machine{
		N:     n,
		step:  StepReady,
		queue: make([]Handle, 0, n),
		peers: make(map[Handle]Peer),
	}
}

// Step reports the current write-serialization state, for tests and
// diagnostics.
func (m *Machine) Step() Step {
	return m.step
}

// AddPeer registers an arbiter connection under h. Forwarding of
// ADD_PROC to increment the startup-gate counter is driven by
// OnAddProc, not by AddPeer itself, since one arbiter connection can
// register many local participants.
func (m *Machine) AddPeer(h Handle, p Peer) {
	m.peers[h] = p
}

// RemovePeer drops an arbiter connection. Per spec.md §4.2
// Termination: when the last arbiter disconnects the caller is
// responsible for tearing down the session; Machine only forgets the
// peer.
func (m *Machine) RemovePeer(h Handle) {
	delete(m.peers, h)
}

func (m *Machine) broadcast(tag proto.Tag, payload Payload, except Handle) error {
	for h, p := range m.peers {
		if h == except {
			continue
		}
		if err := p.Send(tag, payload); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) send(h Handle, tag proto.Tag, payload Payload) error {
	p, ok := m.peers[h]
	if !ok {
		return proto.NewViolation(proto.CodeUnauthorizedSender, tag, m.step.String())
	}
	return p.Send(tag, payload)
}

// OnAddProc handles ADD_PROC forwarded by an arbiter for one of its
// local participants (spec.md §4.3); it feeds the startup gate
// (spec.md §4.2 "Startup gate").
func (m *Machine) OnAddProc() error {
	m.startupArrived++
	if !m.startupDone && m.startupArrived >= m.N {
		m.startupDone = true
		return m.broadcast(proto.TagWaitDone, Payload{}, "")
	}
	return nil
}

// OnSyncReq handles SYNC_REQ from the given arbiter handle: spec.md
// §4.2 READY state.
func (m *Machine) OnSyncReq(from Handle) error {
	m.queue = append(m.queue, from)

	if len(m.queue) == 1 {
		if err := m.broadcast(proto.TagStopAll, Payload{}, ""); err != nil {
			return err
		}
		m.step = StepWaitStopAck
	}

	return nil
}

// OnStopDone handles STOP_DONE(from, k): spec.md §4.2 WAIT_STOP_ACK.
func (m *Machine) OnStopDone(from Handle, k int) error {
	if m.step != StepWaitStopAck {
		return proto.NewViolation(proto.CodeOutOfStepMessage, proto.TagStopDone, m.step.String())
	}

	m.stoppedAcks += k

	if m.stoppedAcks >= m.N-1 {
		head := m.queue[0]
		m.stoppedAcks = 0
		m.step = StepWaitSyncInfo
		return m.send(head, proto.TagWriteOkay, Payload{})
	}

	return nil
}

// OnSyncInfo handles SYNC_INFO(from=head, offset, size, bytes): spec.md
// §4.2 WAIT_SYNC_INFO. A SYNC_INFO from anyone but the current head is
// fatal per spec.md §4.2 tie-breaks.
func (m *Machine) OnSyncInfo(from Handle, offset, size uint32, data []byte) error {
	if m.step != StepWaitSyncInfo {
		return proto.NewViolation(proto.CodeOutOfStepMessage, proto.TagSyncInfo, m.step.String())
	}

	if len(m.queue) == 0 || m.queue[0] != from {
		return proto.NewViolation(proto.CodeUnauthorizedSender, proto.TagSyncInfo, m.step.String())
	}

	if err := m.broadcast(proto.TagSyncInfo, Payload{Offset: offset, Size: size, Bytes: data}, from); err != nil {
		return err
	}

	m.step = StepWaitSyncAck
	return nil
}

// OnSyncDone handles SYNC_DONE(from, k): spec.md §4.2 WAIT_SYNC_ACK.
func (m *Machine) OnSyncDone(from Handle, k int) error {
	if m.step != StepWaitSyncAck {
		return proto.NewViolation(proto.CodeOutOfStepMessage, proto.TagSyncDone, m.step.String())
	}

	m.syncedAcks += k

	if m.syncedAcks < m.N-1 {
		return nil
	}

	m.syncedAcks = 0
	m.queue = m.queue[1:]

	if len(m.queue) > 0 {
		m.step = StepWaitSyncInfo
		return m.send(m.queue[0], proto.TagWriteOkay, Payload{})
	}

	m.step = StepReady
	return m.broadcast(proto.TagContAll, Payload{}, "")
}

// OnWaitBarr handles WAIT_BARR(count) from an arbiter reporting that
// many local participants reached the barrier: spec.md §4.2 "Barrier",
// independent of the writer state machine.
func (m *Machine) OnWaitBarr(count int) error {
	m.barrierArrivals += count

	if m.barrierArrivals >= m.N {
		m.barrierArrivals = 0
		return m.broadcast(proto.TagWaitDone, Payload{}, "")
	}

	return nil
}
