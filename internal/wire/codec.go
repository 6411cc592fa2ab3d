package wire

import (
	"bufio"
	"io"

	enchex "github.com/nabbar/dsm/encoding/hexa"
	"github.com/nabbar/dsm/ioutils/delim"
)

// delimiter separates one hex-framed Frame from the next on the wire.
// Each Frame is fixed-size, so the delimiter exists only to give the
// reader a natural resynchronization point instead of requiring a
// length-prefixed read loop.
const delimiter = '\n'

// RawConn is the minimal stream Conn is built on: satisfied by
// net.Conn, by github.com/nabbar/golib/socket's Context (the server
// side, via internal/transport.Listen) and by its client/tcp.ClientTCP
// (the dialing side, via internal/transport.Dial).
type RawConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Conn wraps a RawConn with the delimited hex framing used by every
// socket in the protocol (daemon<->arbiter, arbiter<->server,
// arbiter<->participant).
type Conn struct {
	c RawConn
	r delim.BufferDelim
	h interface {
		Encode([]byte) []byte
		Decode([]byte) ([]byte, error)
	}
}

// NewConn wraps raw into a framed Conn ready for ReadFrame/WriteFrame.
func NewConn(raw RawConn) *Conn {
	return &Conn{
		c: raw,
		r: delim.New(io.NopCloser(bufio.NewReader(raw)), delimiter, 0),
		h: enchex.New(),
	}
}

// WriteFrame encodes f and writes it as one delimited, hex-framed
// record.
func (c *Conn) WriteFrame(f *Frame) error {
	enc := c.h.Encode(f.Encode())
	enc = append(enc, delimiter)
	_, err := c.c.Write(enc)
	return err
}

// ReadFrame blocks until one delimited record is available, decodes it
// and returns the Frame it carries.
func (c *Conn) ReadFrame() (Frame, error) {
	line, err := c.r.ReadBytes()
	if err != nil && len(line) == 0 {
		return Frame{}, err
	}

	if n := len(line); n > 0 && line[n-1] == delimiter {
		line = line[:n-1]
	}

	raw, derr := c.h.Decode(line)
	if derr != nil {
		return Frame{}, derr
	}

	f, ok := Decode(raw)
	if !ok {
		return Frame{}, io.ErrUnexpectedEOF
	}

	return f, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.c.Close()
}
