//go:build linux && amd64

package trap

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/nabbar/dsm/internal/shm"
)

// Trap coordinates one participant's write-fault interception over a
// shm.Region's data page.
//
// spec.md's trap mechanism relies on catching a CPU protection fault
// mid-instruction, patching the instruction stream with an undefined
// opcode, and resuming execution so the same store retries and
// succeeds before a second, deliberately-induced fault hands control
// back to the runtime. That sequence requires manipulating a signal
// handler's saved register state (the program counter) and is only
// reachable from Go through hand-written assembly trampolines or cgo —
// neither of which any example in this corpus uses for any purpose.
// Go does expose exactly one supported hook for converting a memory
// protection fault into recoverable control flow:
// runtime/debug.SetPanicOnFault, which turns a fault on program-issued
// memory access into a runtime.Error panic in the faulting goroutine
// instead of a fatal crash. Trap builds the two-phase protocol
// spec.md describes (acquire access before the store commits, publish
// after) on top of that hook: Write behaves as the first-fault and
// second-fault handlers combined, since Go cannot resume a faulted
// instruction the way a retried x86 store can.
type Trap struct {
	mu     sync.Mutex
	region *shm.Region

	// OnBeforeWrite runs after the local I/O semaphore is acquired,
	// with the network free to serialize this write (spec.md step 1-2
	// of the first fault: SYNC_REQ / WRITE_OKAY). It must not return
	// until write permission has been granted.
	OnBeforeWrite func()

	// OnAfterWrite runs once the write has landed in the data page,
	// carrying the offset and width actually written, so the caller
	// can send SYNC_INFO (spec.md step 4 of the second fault).
	OnAfterWrite func(offset uintptr, width int)
}

// New returns a Trap guarding region's data page.
func New(region *shm.Region) *Trap {
	debug.SetPanicOnFault(true)
	return &Trap{region: region}
}

// Write performs one coordinated write of data at offset into the
// guarded region, running the full serialization cycle: acquire the
// local I/O semaphore, wait for write permission, perform the write
// under recover() so an unexpected fault (e.g. offset out of range)
// surfaces as an error instead of crashing the process, then publish
// and release.
func (t *Trap) Write(offset uintptr, data []byte) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.region.LockIO()
	defer t.region.UnlockIO()

	if t.OnBeforeWrite != nil {
		t.OnBeforeWrite()
	}

	if err = t.commit(offset, data); err != nil {
		return err
	}

	if t.OnAfterWrite != nil {
		t.OnAfterWrite(offset, len(data))
	}

	return nil
}

func (t *Trap) commit(offset uintptr, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trap: fault while committing write at offset %d (%s): %v",
				offset, describeFault(callerFaultSite()), r)
		}
	}()

	copy(t.region.Data[offset:offset+uintptr(len(data))], data)
	return nil
}
