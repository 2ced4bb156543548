// Package config loads atflow's TOML configuration via chu, overlaid
// with AT_-prefixed environment variables, matching the teacher's own
// config-loading idiom (spec.md's "configuration loading" is an
// external collaborator; the shape below is ours to define).
package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
)

// Service is set by cmd/atd to "<name>/<version>" before Load runs,
// matching the teacher's cmd/at/main.go convention.
var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Store   Store   `cfg:"store"`
	Server  Server  `cfg:"server"`
	Tools   Tools   `cfg:"tools"`
	Logging Logging `cfg:"logging"`
	History History `cfg:"history"`
}

// Store locates the five-table JSON persistence directory, the
// registered-data blob directory, the scratch directory the run
// executor allocates per-output directories under, and the base
// directory relative user paths resolve against (spec.md §4.2, §4.3).
type Store struct {
	EntityStoreDir string `cfg:"entity_store_dir" default:"./data/store"`
	DataDir        string `cfg:"data_dir" default:"./data/blobs"`
	TempDir        string `cfg:"temp_dir" default:"./data/tmp"`
	BaseDir        string `cfg:"base_dir" default:"."`
}

// Server holds the thin HTTP dispatch layer's bind address.
type Server struct {
	Host string `cfg:"host" default:"0.0.0.0"`
	Port string `cfg:"port" default:"8080"`
	Kind string `cfg:"kind" default:"http"`
}

// Tools names the container runtime binary and a shell path. Only
// ContainerRuntime is read (by cmd/atd); Shell is loaded but unused,
// since the run executor execs script nodes directly and their shebang
// line selects the interpreter.
type Tools struct {
	ContainerRuntime string `cfg:"container_runtime" default:"docker"`
	Shell            string `cfg:"shell" default:"/bin/sh"`
}

type Logging struct {
	Level string `cfg:"level" default:"info"`
	File  string `cfg:"file,no_prefix" default:""`
}

// History names the append-only run-log file a deployment may mirror
// run.Log lines to, outside the entity store itself.
type History struct {
	File string `cfg:"file" default:""`
}

// Load reads name's TOML config file with an AT_-prefixed environment
// overlay, the same loader stack the teacher's config.Load uses, and
// applies the resulting LogLevel to the process logger.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("AT_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
