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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fwdhub/fwdd/internal/client"
)

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage forwarding profiles",
	}

	cmd.AddCommand(
		profileActionCommand("start", "Start forwarding a profile's namespaces",
			func(ctx context.Context, c *client.Client, name string) error {
				if err := c.StartProfile(ctx, name); err != nil {
					return err
				}
				fmt.Printf("Profile %s started.\n", name)
				return nil
			}),
		profileActionCommand("stop", "Stop forwarding a profile's namespaces",
			func(ctx context.Context, c *client.Client, name string) error {
				if err := c.StopProfile(ctx, name); err != nil {
					return err
				}
				fmt.Printf("Profile %s stopped.\n", name)
				return nil
			}),
		profileActionCommand("restart", "Restart a profile's namespaces",
			func(ctx context.Context, c *client.Client, name string) error {
				if err := c.RestartProfile(ctx, name); err != nil {
					return err
				}
				fmt.Printf("Profile %s restarted.\n", name)
				return nil
			}),
		profileActionCommand("enable", "Enable a profile so it starts with the daemon",
			func(ctx context.Context, c *client.Client, name string) error {
				if err := c.EnableProfile(ctx, name); err != nil {
					return err
				}
				fmt.Printf("Profile %s enabled.\n", name)
				return nil
			}),
		profileActionCommand("disable", "Disable a profile",
			func(ctx context.Context, c *client.Client, name string) error {
				if err := c.DisableProfile(ctx, name); err != nil {
					return err
				}
				fmt.Printf("Profile %s disabled.\n", name)
				return nil
			}),
	)

	return cmd
}

func profileActionCommand(verb, short string, action func(context.Context, *client.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <profile>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return action(ctx, c, args[0])
			})(cmd, args)
		},
	}
}
