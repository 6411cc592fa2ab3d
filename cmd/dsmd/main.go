// Command dsmd is the session daemon (D): the well-known rendezvous
// service described in spec.md §4.1.
package main

import (
	"context"
	"fmt"
	"os"

	libcbr "github.com/nabbar/dsm/cobra"
	"github.com/nabbar/dsm/internal/config"
	"github.com/nabbar/dsm/internal/daemon"
	"github.com/nabbar/dsm/internal/proto"
	"github.com/nabbar/dsm/internal/session"
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
	var cfg config.DaemonConfig

	if cfgFile != "" {
		golibLog := golog.FuncLog(func() golog.Logger { return golog.New(ctx) })
		if err := config.Load(ctx, golibLog, cfgFile, &cfg); err != nil {
			log.Fatal("loading daemon config", nil, err)
			return
		}
	} else {
		cfg.ListenAddr = "127.0.0.1:7000"
	}

	d := daemon.New(log, spawnSession(log, cfg.ListenAddr))

	if err := d.Listen(cfg.ListenAddr); err != nil {
		log.Fatal("binding daemon listener", nil, err)
		return
	}

	log.Info("dsmd listening", cfg.ListenAddr)
	d.Serve()
}

// spawnSession builds the in-process session-server spawner: every new
// session id gets its own *session.Server goroutine, which reports its
// port back to the daemon via SET_SESSION exactly as a standalone
// session-server process would over the wire (spec.md §4.1/§4.2).
func spawnSession(log logger.Logger, daemonAddr string) daemon.Spawner {
	return func(sid proto.SessionID, nproc int) {
		go func() {
			onEmpty := func() {
				c, err := transport.Dial(daemonAddr)
				if err != nil {
					return
				}
				conn := wire.NewConn(c)
				_ = conn.WriteFrame(&wire.Frame{Tag: proto.TagDelSession, Session: sid})
				_ = conn.Close()
			}

			srv := session.NewServer(log, sid, nproc, onEmpty)

			port, err := srv.Listen()
			if err != nil {
				log.Error("session server listen failed", nil, err)
				return
			}

			c, err2 := transport.Dial(daemonAddr)
			if err2 != nil {
				log.Error("session server could not reach daemon", nil, err2)
				return
			}
			conn := wire.NewConn(c)
			_ = conn.WriteFrame(&wire.Frame{Tag: proto.TagSetSession, Session: sid, Port: uint16(port)})
			_ = conn.Close()

			srv.Serve()
		}()
	}
}
