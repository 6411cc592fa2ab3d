// Package wire implements the fixed-size tagged-union message frames of
// the session protocol, and the delimited, hex-framed codec used to put
// them on a socket.
package wire

import (
	"encoding/binary"

	"github.com/nabbar/dsm/internal/proto"
)

// MaxInlineBytes bounds the inline SYNC_INFO payload window. The
// published width is the length of the caller's write, and
// pkg/dsm.Participant.Write rejects writes wider than this.
const MaxInlineBytes = 32

// Frame is the fixed-size wire representation of every message kind in
// the protocol table. Unused fields for a given tag are left zero; the
// payload columns are a strict superset so that one struct, one size,
// covers every tag without variable-length encoding.
type Frame struct {
	Tag     proto.Tag
	Session proto.SessionID
	Pid     uint32
	Gid     uint32
	Count   uint32
	Offset  uint32
	Size    uint32
	Nproc   uint32
	Port    uint16
	Bytes   [MaxInlineBytes]byte
}

// Size is the exact encoded length of a Frame, used by callers that
// want to size buffers without allocating through Encode.
const Size = 1 + 32 + 4*6 + 2 + MaxInlineBytes

// Encode serializes f into a fixed Size-byte buffer using native host
// byte order, matching the homogeneous-deployment assumption in the
// message table.
func (f *Frame) Encode() []byte {
	b := make([]byte, Size)
	o := 0
	b[o] = byte(f.Tag)
	o++
	copy(b[o:o+32], f.Session[:])
	o += 32
	binary.NativeEndian.PutUint32(b[o:], f.Pid)
	o += 4
	binary.NativeEndian.PutUint32(b[o:], f.Gid)
	o += 4
	binary.NativeEndian.PutUint32(b[o:], f.Count)
	o += 4
	binary.NativeEndian.PutUint32(b[o:], f.Offset)
	o += 4
	binary.NativeEndian.PutUint32(b[o:], f.Size)
	o += 4
	binary.NativeEndian.PutUint32(b[o:], f.Nproc)
	o += 4
	binary.NativeEndian.PutUint16(b[o:], f.Port)
	o += 2
	copy(b[o:o+MaxInlineBytes], f.Bytes[:])
	return b
}

// Decode parses a Size-byte buffer produced by Encode back into a Frame.
func Decode(b []byte) (Frame, bool) {
	var f Frame
	if len(b) != Size {
		return f, false
	}
	o := 0
	f.Tag = proto.Tag(b[o])
	o++
	copy(f.Session[:], b[o:o+32])
	o += 32
	f.Pid = binary.NativeEndian.Uint32(b[o:])
	o += 4
	f.Gid = binary.NativeEndian.Uint32(b[o:])
	o += 4
	f.Count = binary.NativeEndian.Uint32(b[o:])
	o += 4
	f.Offset = binary.NativeEndian.Uint32(b[o:])
	o += 4
	f.Size = binary.NativeEndian.Uint32(b[o:])
	o += 4
	f.Nproc = binary.NativeEndian.Uint32(b[o:])
	o += 4
	f.Port = binary.NativeEndian.Uint16(b[o:])
	o += 2
	copy(f.Bytes[:], b[o:o+MaxInlineBytes])
	return f, true
}
