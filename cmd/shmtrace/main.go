// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/memory"
	"storj.io/common/process"
	"storj.io/shmtrace/ingest"
)

var (
	rootCmd = &cobra.Command{
		Use:   "shmtrace",
		Short: "Shared memory trace transport tools",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run writers and the ingest service against a fresh segment and verify every message",
		RunE:  cmdRun,
	}
	inspectCmd = &cobra.Command{
		Use:   "inspect <segment>",
		Short: "Print the headers of a segment without disturbing its users",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdInspect,
	}
	drainCmd = &cobra.Command{
		Use:   "drain <segment>",
		Short: "Read an existing segment and log the packets of its writers",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdDrain,
	}
	confDir string

	runCfg     RunConfig
	drainCfg   DrainConfig
	inspectCfg InspectConfig
	setupCfg   RunConfig
)

// RunConfig configures the run command.
type RunConfig struct {
	Segment     string      `help:"path of the segment to create, a temporary file when empty" default:""`
	SegmentSize memory.Size `help:"size of the segment" default:"4MiB"`
	Writers     int         `help:"number of concurrent writers" default:"4"`
	Messages    int         `help:"number of messages sent by every writer" default:"100000"`
	MaxPayload  memory.Size `help:"largest random payload of a message" default:"1KiB"`

	Ingest ingest.Config
}

// Verify checks that the configuration is usable.
func (config RunConfig) Verify() error {
	var group errs.Group
	if config.Writers < 1 || config.Writers > 1<<16-1 {
		group.Add(errs.New("writers out of range: %d", config.Writers))
	}
	if config.Messages < 0 {
		group.Add(errs.New("messages must not be negative: %d", config.Messages))
	}
	if config.MaxPayload < 0 {
		group.Add(errs.New("max payload must not be negative: %v", config.MaxPayload))
	}
	group.Add(config.Ingest.Verify())
	return group.Err()
}

// DrainConfig configures the drain command.
type DrainConfig struct {
	Ingest ingest.Config
}

// InspectConfig configures the inspect command.
type InspectConfig struct {
	All bool `help:"also print chunks with an empty header" default:"false"`
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return errs.New("shmtrace configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func init() {
	defaultConfDir := fpath.ApplicationDir("storj", "shmtrace")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for shmtrace configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(drainCmd)
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(drainCmd, &drainCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(inspectCmd, &inspectCfg, defaults, cfgstruct.ConfDir(confDir))
}

func main() {
	logger, _, _ := process.NewLogger("shmtrace")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
