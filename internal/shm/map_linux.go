//go:build linux

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Open creates or opens the named POSIX shared-memory object under
// /dev/shm, sized and mapped MAP_SHARED, matching getSharedFile +
// mapSharedFile in the original source. owner reports whether this
// call created the object, in which case it also sized it and
// initialized the header.
func Open(name string, size int) (region *Region, owner bool, err error) {
	path := "/dev/shm/" + name

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0600)
	if err == nil {
		owner = true
	} else if err == unix.EEXIST {
		fd, err = unix.Open(path, unix.O_RDWR, 0600)
		if err != nil {
			return nil, false, fmt.Errorf("shm: open existing %q: %w", path, err)
		}
	} else {
		return nil, false, fmt.Errorf("shm: create %q: %w", path, err)
	}
	defer unix.Close(fd)

	if owner {
		if err = unix.Ftruncate(fd, int64(size)); err != nil {
			return nil, false, fmt.Errorf("shm: ftruncate %q: %w", path, err)
		}
	}

	raw, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, false, fmt.Errorf("shm: mmap %q: %w", path, err)
	}

	return NewRegion(raw, owner), owner, nil
}

// Unlink removes the named shared-memory object; the underlying
// mapping persists for processes that already mapped it. No component
// in this repository calls it, so the object stays under /dev/shm
// until removed.
func Unlink(name string) error {
	return os.Remove("/dev/shm/" + name)
}

// Close unmaps the region.
func (r *Region) Close() error {
	return unix.Munmap(r.raw)
}
