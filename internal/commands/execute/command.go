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

// Package execute implements the execute command.
package execute

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/discovery/internal/commands/shared"
)

// NewCommand creates the execute command.
func NewCommand() *cobra.Command {
	var (
		async  bool
		mode   string
		inputs []string
	)

	cmd := &cobra.Command{
		Use:   "execute <workflow-id>",
		Short: "Execute a workflow",
		Long: `Execute launches a workflow execution.

By default the command waits for the execution to reach a terminal
status. With --async it returns immediately with the execution id and a
websocket URL for progress tracking.

Context seeds are passed as repeated --input key=value flags; values
that parse as JSON keep their type:

  discovery execute w-123 --input uuid_proceso=doc-9 --input manual=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := shared.ParseInputs(inputs)
			if err != nil {
				return err
			}
			if mode != "" {
				body["mode"] = mode
			}

			c, err := shared.NewClient()
			if err != nil {
				return err
			}

			if async {
				launch, err := c.ExecuteAsync(cmd.Context(), args[0], body)
				if err != nil {
					return err
				}
				fmt.Printf("execution %s launched\n", launch.ExecutionID)
				fmt.Printf("  status:   %s%s\n", c.BaseURL(), launch.TrackingURL)
				fmt.Printf("  socket:   %s\n", c.SocketURL(launch.ExecutionID))
				return nil
			}

			exec, err := c.Execute(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			return shared.PrintJSON(exec)
		},
	}

	cmd.Flags().BoolVar(&async, "async", false, "Launch in the background and return immediately")
	cmd.Flags().StringVar(&mode, "mode", "", "Override execution mode (manual, automatic)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Context seed as key=value (repeatable)")
	return cmd
}
