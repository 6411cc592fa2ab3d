// Package transport wires every socket in the system (D<->S<->A<->P,
// all loopback TCP per DESIGN.md's generalization of spec.md's "P->A
// is a local stream socket") through github.com/nabbar/golib/socket
// instead of bare net.Listen/net.Dial, the way the teacher's own
// daemons build their listeners and clients.
package transport

import (
	"context"
	"fmt"
	"net"

	liberr "github.com/nabbar/dsm/errors"
	"github.com/nabbar/dsm/internal/proto"

	libptc "github.com/nabbar/golib/network/protocol"
	libsck "github.com/nabbar/golib/socket"
	sckclt "github.com/nabbar/golib/socket/client/tcp"
	sckcfg "github.com/nabbar/golib/socket/config"
	scksrt "github.com/nabbar/golib/socket/server/tcp"
)

// Listener runs a TCP accept loop through golib's socket/server/tcp,
// handing each accepted connection's libsck.Context to the handler
// passed to Listen.
type Listener struct {
	addr string
	srv  scksrt.ServerTcp
	cncl context.CancelFunc
}

// Listen resolves addr - allowing a ":0"/"host:0" ephemeral port the
// way net.Listen does - and builds a server bound to it. Call Serve to
// start accepting; golib's ServerTcp has no net.Listener.Addr()
// equivalent, so the port has to be known before Listen(ctx) runs.
func Listen(addr string, handle func(libsck.Context)) (*Listener, liberr.Error) {
	resolved, err := reserveAddr(addr)
	if err != nil {
		return nil, proto.CodeDaemonBlock.Error(err)
	}

	cfg := sckcfg.Server{Network: libptc.NetworkTCP, Address: resolved}

	srv, serr := scksrt.New(nil, libsck.HandlerFunc(handle), cfg)
	if serr != nil {
		return nil, proto.CodeDaemonBlock.Error(serr)
	}

	return &Listener{addr: resolved, srv: srv}, nil
}

// Serve blocks, accepting connections until Close cancels it.
func (l *Listener) Serve() {
	ctx, cncl := context.WithCancel(context.Background())
	l.cncl = cncl
	_ = l.srv.Listen(ctx)
}

// Addr reports the listener's resolved bind address.
func (l *Listener) Addr() net.Addr {
	return addr(l.addr)
}

// Close stops accepting and tears down the underlying server.
func (l *Listener) Close() error {
	if l.cncl != nil {
		l.cncl()
	}
	return l.srv.Close()
}

// Dial connects to addr through golib's socket/client/tcp, returning
// a connection satisfying internal/wire.RawConn.
func Dial(addr string) (sckclt.ClientTCP, liberr.Error) {
	cli, err := sckclt.New(addr)
	if err != nil {
		return nil, proto.CodeArbiterBlock.Error(err)
	}
	if cerr := cli.Connect(context.Background()); cerr != nil {
		return nil, proto.CodeArbiterBlock.Error(cerr)
	}
	return cli, nil
}

// reserveAddr resolves addr to a concrete host:port, probing the OS
// for the next free ephemeral port when addr's port is 0 - the same
// trick the teacher's own socket test helpers use to learn a port
// golib's blocking Listen(ctx) never hands back.
func reserveAddr(addr string) (string, error) {
	a, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return "", err
	}
	if a.Port != 0 {
		return addr, nil
	}

	ln, err := net.ListenTCP("tcp", a)
	if err != nil {
		return "", err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	host := ""
	if a.IP != nil {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil
}

type addr string

func (a addr) Network() string { return "tcp" }
func (a addr) String() string  { return string(a) }
