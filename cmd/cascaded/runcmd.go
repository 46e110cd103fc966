// Copyright 2025 The Captely Authors
// This file is part of the cascade library.
//
// The cascade library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cascade library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cascade library. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/captely/cascade/config"
	"github.com/captely/cascade/core"
	"github.com/captely/cascade/kvdb"
	"github.com/captely/cascade/server"
)

var runCommand = &cli.Command{
	Action:    runNode,
	Name:      "run",
	Usage:     "Start the enrichment engine and its HTTP endpoints",
	ArgsUsage: " ",
	Flags:     nodeFlags,
	Description: `Starts the cascade engine with its worker pool, resumes any jobs left
running by a previous process, and serves JSON-RPC on /rpc, event streams
on /ws and Prometheus metrics on /metrics until interrupted.

Provider API keys are read from the configuration file, the environment
(CASCADE_<PROVIDER>_API_KEY) or a .env file in the working directory.`,
}

// loadConfig resolves the effective configuration: defaults, then the
// --config file, then flag overrides.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if ctx.IsSet(datadirFlag.Name) {
		cfg.DataDir = ctx.String(datadirFlag.Name)
	}
	if ctx.IsSet(httpAddrFlag.Name) {
		cfg.Server.Listen = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = ctx.String(logLevelFlag.Name)
	}
	if ctx.IsSet(logFileFlag.Name) {
		cfg.Log.File = ctx.String(logFileFlag.Name)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "cascade-data"
	}
	return filepath.Join(home, ".cascade")
}

// buildLogger constructs the process logger. Without a file it writes to
// stderr, colorized when that is a terminal; with one it writes JSON to a
// size-rotated file.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zapcore.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.File != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
		return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)), nil
	}

	var enc zapcore.Encoder
	if isatty.IsTerminal(os.Stderr.Fd()) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)), nil
}

func runNode(ctx *cli.Context) error {
	// Provider API keys may live in a local .env file.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting cascaded",
		zap.String("version", versionWithCommit()),
		zap.String("datadir", cfg.DataDir),
		zap.String("listen", cfg.Server.Listen))

	db, err := kvdb.NewLevelDB(storePath(cfg.DataDir), cfg.Store.CacheMB, cfg.Store.Handles, false)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	registry, err := cfg.BuildRegistry(logger.Named("provider"))
	if err != nil {
		return err
	}
	engine, err := core.New(db, registry, config.NewStaticBilling(cfg.Billing), cfg.EngineConfig(logger))
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}

	srv := server.New(engine, server.Config{
		Listen:       cfg.Server.Listen,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}, logger.Named("rpc"))

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.Run(runCtx)

	logger.Info("shutting down")
	if stopErr := engine.Stop(); stopErr != nil {
		logger.Warn("engine stop", zap.Error(stopErr))
	}
	return err
}

// storePath is the LevelDB directory inside a datadir.
func storePath(datadir string) string {
	return filepath.Join(datadir, "cascade")
}
