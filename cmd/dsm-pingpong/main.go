// Command dsm-pingpong is a two-participant sample exercising the
// full write-serialization and barrier protocol: each participant
// flips a shared turn flag (0 -> 1 for rank 0, 1 -> 0 for rank 1) and
// waits for the other to take its turn, per spec.md §8's ping-pong
// scenario (N=2, 10 iterations ending at turn=0).
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
var rank int
var iterations int

func main() {
	app := libcbr.New()
	app.SetFlagConfig(true, &cfgFile)
	app.AddFlagInt(false, &rank, "rank", "r", 0, "participant rank (0 or 1)")
	app.AddFlagInt(false, &iterations, "iterations", "i", 10, "number of turns to play")
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
		log.Fatal("dsm-pingpong requires --config", nil, nil)
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

	for i := 0; i < iterations; i++ {
		page := p.GetSharedPage()
		turn := binary.NativeEndian.Uint32(page[:4])

		if int(turn)%2 == rank {
			var buf [4]byte
			binary.NativeEndian.PutUint32(buf[:], (turn+1)%2)
			if werr := p.Write(0, buf[:]); werr != nil {
				log.Error("turn write failed", nil, werr)
				return
			}
			log.Info("took turn", turn)
		}

		if err := p.Barrier(); err != nil {
			log.Error("barrier failed", nil, err)
			return
		}
	}
}
