//go:build !linux

package shm

import "errors"

// Open is unsupported outside linux: there is no portable POSIX
// shared-memory mapping this runtime can fall back to, so callers get
// an explicit error rather than silently degraded behavior.
func Open(name string, size int) (region *Region, owner bool, err error) {
	return nil, false, errors.New("shm: shared memory mapping is only supported on linux")
}

func Unlink(name string) error {
	return errors.New("shm: shared memory mapping is only supported on linux")
}

func (r *Region) Close() error {
	return errors.New("shm: shared memory mapping is only supported on linux")
}
