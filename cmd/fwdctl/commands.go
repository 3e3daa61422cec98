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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fwdhub/fwdd/internal/client"
)

func newStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and worker status",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(st)
			}

			fmt.Printf("Worker:    %s", st.Worker.Status)
			if st.Worker.PID != 0 {
				fmt.Printf(" (pid %d)", st.Worker.PID)
			}
			fmt.Println()
			if st.Worker.LastError != "" {
				fmt.Printf("Last error: %s\n", st.Worker.LastError)
			}
			if st.Worker.ConsecutiveFailures > 0 {
				fmt.Printf("Failures:  %d (backoff %s)\n",
					st.Worker.ConsecutiveFailures, st.Worker.CurrentBackoff)
			}
			fmt.Printf("Uptime:    %s\n", st.Uptime(time.Now()).Round(time.Second))
			fmt.Printf("Services:  %d\n", len(st.Services))
			fmt.Printf("Restarts:  %d worker, %d service reconnects\n",
				st.Counters.WorkerRestarts, st.Counters.ServiceReconnects)

			if len(st.Profiles) > 0 {
				names := make([]string, 0, len(st.Profiles))
				for name := range st.Profiles {
					names = append(names, name)
				}
				sort.Strings(names)

				fmt.Println("Profiles:")
				for _, name := range names {
					p := st.Profiles[name]
					flags := make([]string, 0, 2)
					if p.Enabled {
						flags = append(flags, "enabled")
					}
					if p.Active {
						flags = append(flags, "active")
					}
					if len(flags) == 0 {
						flags = append(flags, "inactive")
					}
					fmt.Printf("  %-20s %s\n", name, strings.Join(flags, ", "))
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newServicesCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "services",
		Short: "List forwarded services",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			services, err := c.GetServices(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(services)
			}
			if len(services) == 0 {
				fmt.Println("No services forwarded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAMESPACE\tNAME\tSTATUS\tLOCAL\tRECONNECTS\tERROR")
			for _, svc := range services {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					svc.Namespace, svc.Name, svc.Status,
					svc.LocalAddr, svc.ReconnectCount, svc.LastError)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newLogsCommand() *cobra.Command {
	var lines int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log entries",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			entries, err := c.GetLogs(ctx, lines)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(entries)
			}
			for _, e := range entries {
				component := e.Component
				if component == "" {
					component = "-"
				}
				fmt.Printf("%s %-5s %-12s %s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"),
					e.Level, component, e.Message)
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "Number of entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon configuration",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.ReloadConfig(ctx); err != nil {
				return err
			}
			fmt.Println("Configuration reloaded.")
			return nil
		}),
	}
}

func newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the daemon gracefully",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.Shutdown(ctx); err != nil {
				return err
			}
			fmt.Println("Daemon is shutting down.")
			return nil
		}),
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
