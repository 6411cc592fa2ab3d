// Command dsmarbiter is the per-host multiplexer (A) described in
// spec.md §4.3: one listener for local participants, a connection to
// the session server, and the shared-memory region every local
// participant maps.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	libcbr "github.com/nabbar/dsm/cobra"
	"github.com/nabbar/dsm/internal/arbiter"
	"github.com/nabbar/dsm/internal/config"
	"github.com/nabbar/dsm/internal/proto"
	"github.com/nabbar/dsm/internal/shm"
	"github.com/nabbar/dsm/internal/transport"
	"github.com/nabbar/dsm/internal/wire"
	"github.com/nabbar/dsm/logger"

	golog "github.com/nabbar/golib/logger"
)

var cfgFile string

func main() {
	app := libcbr.New()
	app.SetFlagConfig(true, &cfgFile)
	app.Init()

	ctx := context.Background()
	log := logger.New(ctx)

	app.SetFuncInit(func() {
		run(ctx, log)
	})

	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log logger.Logger) {
	var cfg config.ArbiterConfig

	if cfgFile == "" {
		log.Fatal("dsmarbiter requires --config", nil, nil)
		return
	}

	golibLog := golog.FuncLog(func() golog.Logger { return golog.New(ctx) })
	if err := config.Load(ctx, golibLog, cfgFile, &cfg); err != nil {
		log.Fatal("loading arbiter config", nil, err)
		return
	}

	size, err := config.ParseRegionSize(cfg.RegionSize)
	if err != nil {
		log.Fatal("parsing region size", nil, err)
		return
	}

	region, _, serr := shm.Open(cfg.SharedName, size)
	if serr != nil {
		log.Fatal("opening shared region", nil, serr)
		return
	}

	sessionAddr, gerr := resolveSession(cfg)
	if gerr != nil {
		log.Fatal("resolving session server address", nil, gerr)
		return
	}

	a := arbiter.New(log, region, sessionAddr)

	if lerr := a.Listen(cfg.ListenAddr); lerr != nil {
		log.Fatal("binding arbiter listener", nil, lerr)
		return
	}

	if derr := a.DialServer(); derr != nil {
		log.Fatal("dialing session server", nil, derr)
		return
	}

	log.Info("dsmarbiter listening", cfg.ListenAddr)
	a.Serve()
}

// resolveSession performs the GET_SESSION round trip of spec.md §4.1:
// ask the daemon for the session server handling cfg.Session, and wait
// for its SET_SESSION reply carrying the port. The session server is
// assumed to run on the same host as the daemon.
func resolveSession(cfg config.ArbiterConfig) (string, error) {
	c, err := transport.Dial(cfg.DaemonAddr)
	if err != nil {
		return "", err
	}
	conn := wire.NewConn(c)
	defer conn.Close()

	sid := proto.NewSessionID(cfg.Session)
	if err := conn.WriteFrame(&wire.Frame{Tag: proto.TagGetSession, Session: sid, Nproc: uint32(cfg.Participants)}); err != nil {
		return "", err
	}

	f, err := conn.ReadFrame()
	if err != nil {
		return "", err
	}

	host, _, _ := net.SplitHostPort(cfg.DaemonAddr)
	if host == "" {
		host = "127.0.0.1"
	}

	return net.JoinHostPort(host, fmt.Sprintf("%d", f.Port)), nil
}
