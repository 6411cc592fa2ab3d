// Package arbiter implements the per-host multiplexer (A): the local
// process table, signal-based pause/resume, and the local half of the
// write-mediation and barrier-release protocol, per spec.md §4.3.
package arbiter

// Handle identifies one local participant's control connection.
type Handle string

// Entry is the A-owned per-participant state described in spec.md §3:
// Arbiter process table. The invariants there hold by construction of
// the methods on Table below: Queued iff present in the writer FIFO;
// Stopped implies SIGTSTP delivered or pending because Waiting;
// Waiting implies suspended awaiting barrier release.
type Entry struct {
	Handle  Handle
	Pid     uint32
	Gid     uint32
	Stopped bool
	Waiting bool
	Queued  bool
}

// Table is the A-owned sparse mapping from local-endpoint-handle to
// participant-entry, plus the local writer FIFO. Accessed only from
// the arbiter's single event-loop goroutine (spec.md §5), so no
// internal locking is used — callers must serialize access themselves
// if that invariant is ever relaxed.
type Table struct {
	entries map[Handle]*Entry
	writerQ []Handle
}

// NewTable returns an empty process table.
func NewTable() *Table {
	return &Table{entries: make(map[Handle]*Entry)}
}

// Add registers a new participant entry, marked Waiting per spec.md
// §4.3 ADD_PROC: "all new participants wait at the initial startup
// gate".
func (t *Table) Add(h Handle, pid uint32) *Entry {
	e := &Entry{Handle: h, Pid: pid, Waiting: true}
	t.entries[h] = e
	return e
}

// Remove drops a participant entry and, if it was queued as a writer,
// removes it from the writer FIFO as well.
func (t *Table) Remove(h Handle) {
	delete(t.entries, h)
	for i, q := range t.writerQ {
		if q == h {
			t.writerQ = append(t.writerQ[:i], t.writerQ[i+1:]...)
			break
		}
	}
}

// Get looks up an entry by handle.
func (t *Table) Get(h Handle) (*Entry, bool) {
	e, ok := t.entries[h]
	return e, ok
}

// SetGid attaches the gid assigned by S to the entry for pid.
func (t *Table) SetGid(pid, gid uint32) (Handle, bool) {
	for h, e := range t.entries {
		if e.Pid == pid {
			e.Gid = gid
			return h, true
		}
	}
	return "", false
}

// Len reports the number of local participants, used to decide when
// the arbiter has no local participants left (spec.md §4.3 Lifecycle).
func (t *Table) Len() int {
	return len(t.entries)
}

// All returns every entry, for iteration during STOP_ALL/CONT_ALL/
// WAIT_DONE fan-out.
func (t *Table) All() map[Handle]*Entry {
	return t.entries
}

// EnqueueWriter appends h to the writer FIFO and marks it Queued and
// Stopped, per spec.md §4.3 "Write mediation": SYNC_REQ from a
// participant.
func (t *Table) EnqueueWriter(h Handle) {
	e, ok := t.entries[h]
	if !ok {
		return
	}
	e.Queued = true
	e.Stopped = true
	t.writerQ = append(t.writerQ, h)
}

// WriterHead returns the handle currently at the head of the local
// writer FIFO, the only entry allowed to hold write permission
// (spec.md §3 Writer queue invariant).
func (t *Table) WriterHead() (Handle, bool) {
	if len(t.writerQ) == 0 {
		return "", false
	}
	return t.writerQ[0], true
}

// DequeueWriter removes the head of the writer FIFO and clears its
// Queued flag, per spec.md §4.3: "SYNC_INFO from a participant: ...
// dequeue the head and clear its queued flag".
func (t *Table) DequeueWriter() {
	if len(t.writerQ) == 0 {
		return
	}
	h := t.writerQ[0]
	t.writerQ = t.writerQ[1:]
	if e, ok := t.entries[h]; ok {
		e.Queued = false
	}
}
