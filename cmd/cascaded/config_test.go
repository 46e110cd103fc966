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
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/captely/cascade/config"
)

// testContext builds a cli context with the node flags registered and the
// given ones explicitly set, so IsSet behaves as it would after parsing.
func testContext(t *testing.T, values map[string]string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", 0)
	for _, f := range nodeFlags {
		require.NoError(t, f.Apply(set))
	}
	for name, value := range values {
		require.NoError(t, set.Set(name, value))
	}
	return cli.NewContext(nil, set, nil)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cascade.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(testContext(t, nil))
	require.NoError(t, err)
	require.Equal(t, defaultDataDir(), cfg.DataDir)
	require.Equal(t, ":8645", cfg.Server.Listen)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	path := writeConfig(t, `
datadir = "/var/lib/cascade"

[server]
listen = ":9999"
`)
	ctx := testContext(t, map[string]string{
		"config":    path,
		"http.addr": ":7777",
		"log.level": "debug",
	})
	cfg, err := loadConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/cascade", cfg.DataDir)
	require.Equal(t, ":7777", cfg.Server.Listen, "flag beats file")
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigBadFile(t *testing.T) {
	path := writeConfig(t, "tau_max = 0.5\n")
	_, err := loadConfig(testContext(t, map[string]string{"config": path}))
	require.Error(t, err)
}

func TestResolveDataDir(t *testing.T) {
	path := writeConfig(t, "datadir = \"/from/file\"\n")

	dir, err := resolveDataDir(testContext(t, map[string]string{"config": path}))
	require.NoError(t, err)
	require.Equal(t, "/from/file", dir)

	dir, err = resolveDataDir(testContext(t, map[string]string{
		"config":  path,
		"datadir": "/from/flag",
	}))
	require.NoError(t, err)
	require.Equal(t, "/from/flag", dir)

	dir, err = resolveDataDir(testContext(t, nil))
	require.NoError(t, err)
	require.Equal(t, defaultDataDir(), dir)
}

func TestBuildLoggerFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "node.log")
	logger, err := buildLogger(config.LogConfig{Level: "debug", File: file, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Info("rotation sink works", zap.String("component", "test"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(data), "rotation sink works")
}

func TestBuildLoggerBadLevel(t *testing.T) {
	_, err := buildLogger(config.LogConfig{Level: "chatty"})
	require.Error(t, err)
}

func TestVersionWithCommit(t *testing.T) {
	saved := gitCommit
	defer func() { gitCommit = saved }()

	gitCommit = ""
	require.Equal(t, version, versionWithCommit())

	gitCommit = "0123456789abcdef"
	require.Equal(t, version+"-01234567", versionWithCommit())
}
