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

// cascaded is the Captely enrichment node: it runs the cascade engine and
// serves its JSON-RPC, websocket and metrics endpoints.
package main

import (
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/urfave/cli/v2"

	// Sets GOMAXPROCS to the container CPU quota.
	_ "go.uber.org/automaxprocs"
)

const (
	clientIdentifier = "cascaded"
	version          = "0.9.0"
)

// gitCommit is set by the build script via -ldflags.
var gitCommit string

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the job store and caches",
	}
	httpAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP listening address for RPC, websocket and metrics",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "Logging verbosity (debug, info, warn, error)",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a size-rotated file instead of stderr",
	}
	ownerFlag = &cli.StringFlag{
		Name:  "owner",
		Usage: "Only list jobs submitted by this user",
	}
)

// nodeFlags are accepted by every command that resolves a configuration.
var nodeFlags = []cli.Flag{
	configFlag,
	datadirFlag,
	httpAddrFlag,
	logLevelFlag,
	logFileFlag,
}

var app = cli.NewApp()

func init() {
	app.Name = clientIdentifier
	app.Usage = "the Captely enrichment cascade daemon"
	app.Version = versionWithCommit()
	app.HideVersion = true // the version command prints more
	app.Commands = []*cli.Command{
		// See runcmd.go:
		runCommand,
		// See inspectcmd.go:
		inspectCommand,
		dumpConfigCommand,
		versionCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCommand = &cli.Command{
	Action:    printVersion,
	Name:      "version",
	Usage:     "Print version numbers",
	ArgsUsage: " ",
}

var dumpConfigCommand = &cli.Command{
	Action:    dumpConfig,
	Name:      "dumpconfig",
	Usage:     "Export configuration values in TOML format",
	ArgsUsage: " ",
	Flags:     nodeFlags,
	Description: `Prints the effective configuration to stdout: the defaults overlaid
with the --config file and any command line flags. The output is a valid
--config input.`,
}

func versionWithCommit() string {
	if len(gitCommit) >= 8 {
		return version + "-" + gitCommit[:8]
	}
	return version
}

func printVersion(ctx *cli.Context) error {
	fmt.Println(clientIdentifier)
	fmt.Println("Version:", version)
	if gitCommit != "" {
		fmt.Println("Git Commit:", gitCommit)
	}
	fmt.Println("Architecture:", runtime.GOARCH)
	fmt.Println("Go Version:", runtime.Version())
	fmt.Println("Operating System:", runtime.GOOS)
	return nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	return cfg.Dump(os.Stdout)
}
