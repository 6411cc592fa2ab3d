// Package shm implements the POSIX shared-memory region described in
// the data model: a control header (I/O semaphore, barrier semaphore,
// data offset, total size) followed by a page-aligned data region,
// grounded on dsm_interface.c's initSharedMapAt/getSharedFile/
// mapSharedFile sequence (_examples/original_source).
//
// golang.org/x/sys/unix does not expose a named sem_open binding, so
// the header's two semaphores are implemented as process-shared
// spinlocks over an atomic field rather than pulling in a second,
// unvendored POSIX-semaphore dependency (see DESIGN.md).
package shm

import (
	"runtime"
	"sync/atomic"
)

// PageSize is the data-region alignment unit; the header itself
// occupies exactly one page, matching dsm_smap's data_off assignment
// in the original source.
const PageSize = 4096

// HeaderSize is the fixed size of Header, padded to PageSize so the
// data region always begins at a page boundary.
const HeaderSize = PageSize

// Header is the control block mapped at offset 0 of the shared region.
// It is written once during initialization and never mutated by a
// participant outside the two semaphore words.
type Header struct {
	ioSem      uint32
	barrierSem uint32
	DataOffset uint32
	TotalSize  uint32
	_          [PageSize - 16]byte
}

// Region is a mapped shared-memory object: a Header followed by a
// page-aligned data area of Header.TotalSize - Header.DataOffset bytes.
type Region struct {
	raw  []byte
	Hdr  *Header
	Data []byte
}

// NewRegion builds a Region view over a raw mapping of at least
// HeaderSize+PageSize bytes, initializing the header on first use.
func NewRegion(raw []byte, init bool) *Region {
	r := &Region{raw: raw}
	r.Hdr = (*Header)(rawHeaderPtr(raw))
	if init {
		r.Hdr.DataOffset = HeaderSize
		r.Hdr.TotalSize = uint32(len(raw))
		atomic.StoreUint32(&r.Hdr.ioSem, 1)
		atomic.StoreUint32(&r.Hdr.barrierSem, 1)
	}
	r.Data = raw[r.Hdr.DataOffset:]
	return r
}

// LockIO acquires the local I/O semaphore, excluding other local
// writers for the duration of one write-fault cycle (spec.md §4.4
// step 1 of the first-fault handler).
func (r *Region) LockIO() {
	spinAcquire(&r.Hdr.ioSem)
}

// UnlockIO releases the local I/O semaphore (second-fault handler,
// step 3).
func (r *Region) UnlockIO() {
	atomic.StoreUint32(&r.Hdr.ioSem, 1)
}

// LockBarrier/UnlockBarrier guard the barrier semaphore the same way;
// kept distinct from the I/O semaphore per the header layout in §3.
func (r *Region) LockBarrier() {
	spinAcquire(&r.Hdr.barrierSem)
}

func (r *Region) UnlockBarrier() {
	atomic.StoreUint32(&r.Hdr.barrierSem, 1)
}

func spinAcquire(sem *uint32) {
	for !atomic.CompareAndSwapUint32(sem, 1, 0) {
		runtime.Gosched()
	}
}
