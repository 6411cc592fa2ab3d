package config

import (
	"context"

	liberr "github.com/nabbar/dsm/errors"

	golog "github.com/nabbar/golib/logger"
	loglvl "github.com/nabbar/golib/logger/level"
	libsiz "github.com/nabbar/golib/size"
	libvpr "github.com/nabbar/golib/viper"
)

// CodeInvalidConfig flags a config struct that failed validation.
const CodeInvalidConfig liberr.CodeError = 5000

func init() {
	liberr.RegisterIdFctMessage(CodeInvalidConfig, func(code liberr.CodeError) string {
		return "configuration failed validation"
	})
}

// Load reads file (TOML by default, any format viper recognizes from
// its extension) into cfg via mapstructure tags, then validates it.
// Grounded on the teacher's viper wrapper (SetConfigFile/Config) plus
// its own Unmarshal, per SPEC_FULL.md §7a. log uses golib's own logger
// type since that is what the viper wrapper's constructor requires.
func Load(ctx context.Context, log golog.FuncLog, file string, cfg interface{ Validate() liberr.Error }) liberr.Error {
	vp := libvpr.New(ctx, log)

	if e := vp.SetConfigFile(file); e != nil {
		return CodeInvalidConfig.Error(e)
	}

	if e := vp.Config(loglvl.ErrorLevel, loglvl.InfoLevel); e != nil {
		return CodeInvalidConfig.Error(e)
	}

	if e := vp.Viper().Unmarshal(cfg); e != nil {
		return CodeInvalidConfig.Error(e)
	}

	return cfg.Validate()
}

// ParseRegionSize parses a human-readable byte quantity ("4MiB", "4M")
// into an integer byte count for internal/shm.Open, per the
// ArbiterConfig.RegionSize field's documented format.
func ParseRegionSize(s string) (int, liberr.Error) {
	sz, err := libsiz.Parse(s)
	if err != nil {
		return 0, CodeInvalidConfig.Error(err)
	}
	return int(sz), nil
}
