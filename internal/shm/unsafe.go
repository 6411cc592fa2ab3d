package shm

import "unsafe"

// rawHeaderPtr reinterprets the first HeaderSize bytes of a mapping as
// a *Header. Safe because NewRegion always receives a mapping of at
// least HeaderSize+PageSize bytes, aligned by mmap to the platform
// page size.
func rawHeaderPtr(raw []byte) unsafe.Pointer {
	if len(raw) < HeaderSize {
		panic("shm: mapping smaller than header size")
	}
	return unsafe.Pointer(&raw[0])
}
