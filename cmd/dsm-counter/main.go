// Command dsm-counter is the N-participant sample exercising the
// write-serialization queue under contention: every participant reads
// the shared 32-bit counter, adds one, and writes it back, the whole
// loop bracketed by a barrier at start and end, per spec.md §8's
// counter scenario (N participants, 100 increments each, expected
// final value N*100).
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	libcbr "github.com/nabbar/dsm/cobra"
	"github.com/nabbar/dsm/internal/config"
	"github.com/nabbar/dsm/logger"
	"github.com/nabbar/dsm/pkg/dsm"

	golog "github.com/nabbar/golib/logger"
)

var cfgFile string
var increments int

func main() {
	app := libcbr.New()
	app.SetFlagConfig(true, &cfgFile)
	app.AddFlagInt(false, &increments, "increments", "n", 100, "number of increments to perform")
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
	var cfg config.ParticipantConfig

	if cfgFile == "" {
		log.Fatal("dsm-counter requires --config", nil, nil)
		return
	}

	golibLog := golog.FuncLog(func() golog.Logger { return golog.New(ctx) })
	if err := config.Load(ctx, golibLog, cfgFile, &cfg); err != nil {
		log.Fatal("loading participant config", nil, err)
		return
	}

	p, err := dsm.Init(dsm.Config{
		Session:     cfg.Session,
		ArbiterAddr: cfg.ArbiterAddr,
		SharedName:  cfg.SharedName,
		RegionSize:  4096,
	})
	if err != nil {
		log.Fatal("joining session", nil, err)
		return
	}
	defer p.Exit()

	if err := p.Barrier(); err != nil {
		log.Fatal("startup barrier", nil, err)
		return
	}

	for i := 0; i < increments; i++ {
		page := p.GetSharedPage()
		cur := binary.NativeEndian.Uint32(page[:4])

		var buf [4]byte
		binary.NativeEndian.PutUint32(buf[:], cur+1)
		if werr := p.Write(0, buf[:]); werr != nil {
			log.Error("increment write failed", nil, werr)
			return
		}
	}

	if err := p.Barrier(); err != nil {
		log.Error("closing barrier failed", nil, err)
		return
	}

	log.Info("counter participant done", binary.NativeEndian.Uint32(p.GetSharedPage()[:4]))
}
