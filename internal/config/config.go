// Package config declares the per-component configuration structs for
// the daemon, session server, arbiter and participant runtime, loaded
// through the teacher's viper wrapper and validated with
// go-playground/validator, per spec.md §7a.
package config

import (
	"fmt"

	libval "github.com/go-playground/validator/v10"

	liberr "github.com/nabbar/dsm/errors"
)

// DaemonConfig configures the session daemon (D).
type DaemonConfig struct {
	ListenAddr   string `mapstructure:"listenAddr" json:"listenAddr" yaml:"listenAddr" toml:"listenAddr" validate:"required,hostname_port"`
	SnapshotFile string `mapstructure:"snapshotFile" json:"snapshotFile" yaml:"snapshotFile" toml:"snapshotFile"`
}

// SessionConfig configures a spawned session server (S).
type SessionConfig struct {
	DaemonAddr  string `mapstructure:"daemonAddr" json:"daemonAddr" yaml:"daemonAddr" toml:"daemonAddr" validate:"required,hostname_port"`
	Participants int   `mapstructure:"participants" json:"participants" yaml:"participants" toml:"participants" validate:"required,gt=0"`
}

// ArbiterConfig configures the per-host multiplexer (A).
type ArbiterConfig struct {
	ListenAddr   string `mapstructure:"listenAddr" json:"listenAddr" yaml:"listenAddr" toml:"listenAddr" validate:"required,hostname_port"`
	DaemonAddr   string `mapstructure:"daemonAddr" json:"daemonAddr" yaml:"daemonAddr" toml:"daemonAddr" validate:"required,hostname_port"`
	Session      string `mapstructure:"session" json:"session" yaml:"session" toml:"session" validate:"required"`
	Participants int    `mapstructure:"participants" json:"participants" yaml:"participants" toml:"participants" validate:"required,gt=0"`
	SharedName   string `mapstructure:"sharedName" json:"sharedName" yaml:"sharedName" toml:"sharedName" validate:"required"`
	RegionSize   string `mapstructure:"regionSize" json:"regionSize" yaml:"regionSize" toml:"regionSize" validate:"required"`
}

// ParticipantConfig configures a sample participant process (used by
// cmd/dsm-pingpong and cmd/dsm-counter).
type ParticipantConfig struct {
	ArbiterAddr string `mapstructure:"arbiterAddr" json:"arbiterAddr" yaml:"arbiterAddr" toml:"arbiterAddr" validate:"required,hostname_port"`
	Session     string `mapstructure:"session" json:"session" yaml:"session" toml:"session" validate:"required"`
	SharedName  string `mapstructure:"sharedName" json:"sharedName" yaml:"sharedName" toml:"sharedName" validate:"required"`
}

// validate runs the struct tags over cfg, collecting every violation
// into one liberr.Error, grounded on the teacher's certificates/config.go
// Validate pattern.
func validate(cfg interface{}) liberr.Error {
	err := CodeInvalidConfig.Error(nil)

	if er := libval.New().Struct(cfg); er != nil {
		if _, ok := er.(*libval.InvalidValidationError); ok {
			err.Add(er)
		} else if ve, ok := er.(libval.ValidationErrors); ok {
			for _, e := range ve {
				err.Add(fmt.Errorf("config field %q fails constraint %q", e.StructNamespace(), e.ActualTag()))
			}
		} else {
			err.Add(er)
		}
	}

	if err.HasParent() {
		return err
	}
	return nil
}

func (c *DaemonConfig) Validate() liberr.Error     { return validate(c) }
func (c *SessionConfig) Validate() liberr.Error     { return validate(c) }
func (c *ArbiterConfig) Validate() liberr.Error     { return validate(c) }
func (c *ParticipantConfig) Validate() liberr.Error { return validate(c) }
