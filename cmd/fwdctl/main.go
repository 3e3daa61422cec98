// Copyright 2025 The fwdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// fwdctl is the command-line client for the fwdd daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fwdhub/fwdd/internal/client"
	"github.com/fwdhub/fwdd/internal/config"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var socketFlag string

func main() {
	root := &cobra.Command{
		Use:           "fwdctl",
		Short:         "Control the fwdd port-forwarding daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketFlag, "socket", "", "Control socket path")

	root.AddCommand(
		newStatusCommand(),
		newServicesCommand(),
		newLogsCommand(),
		newProfileCommand(),
		newReloadCommand(),
		newShutdownCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fwdctl: %v\n", err)
		os.Exit(1)
	}
}

// resolveSocket returns the control socket path from the flag or the
// default config locations.
func resolveSocket() (string, error) {
	if socketFlag != "" {
		return socketFlag, nil
	}

	cfgPath, err := config.ConfigPath()
	if err != nil {
		return "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return "", err
	}
	return cfg.SocketPath()
}

// withClient dials the daemon and runs fn with a connected client.
func withClient(fn func(context.Context, *client.Client) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		socketPath, err := resolveSocket()
		if err != nil {
			return err
		}

		c, err := client.Dial(socketPath)
		if err != nil {
			return err
		}
		defer c.Close()

		return fn(cmd.Context(), c)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fwdctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
