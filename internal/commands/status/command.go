// Copyright 2025 Tom Barlow
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

// Package status implements the status and next commands.
package status

import (
	"github.com/spf13/cobra"

	"github.com/tombee/discovery/internal/commands/shared"
)

// NewCommand creates the status command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show execution status, progress, and the latest step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return shared.PrintJSON(status)
		},
	}
}

// NewNextCommand creates the next command for manual executions.
func NewNextCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "next <execution-id>",
		Short: "Advance a manual execution by one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			exec, err := c.Next(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return shared.PrintJSON(exec)
		},
	}
}
