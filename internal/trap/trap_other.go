//go:build !(linux && amd64)

package trap

import (
	"errors"

	"github.com/nabbar/dsm/internal/shm"
)

// ErrUnsupported is returned by Trap.Write on any platform other than
// linux/amd64 (New itself succeeds there): the write-fault trap mechanism is inherently
// architecture-specific (spec.md §1 Non-goals), and there is no
// portable fallback worth pretending to offer.
var ErrUnsupported = errors.New("trap: write-fault trap is only supported on linux/amd64")

type Trap struct {
	OnBeforeWrite func()
	OnAfterWrite  func(offset uintptr, width int)
}

func New(region *shm.Region) *Trap {
	return &Trap{}
}

func (t *Trap) Write(offset uintptr, data []byte) error {
	return ErrUnsupported
}
