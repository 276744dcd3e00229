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

// Package watch implements the watch command, streaming execution
// progress events to the terminal.
package watch

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/tombee/discovery/internal/commands/shared"
	"github.com/tombee/discovery/internal/events"
)

// NewCommand creates the watch command.
func NewCommand() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "watch <execution-id>",
		Short: "Stream progress events for an execution",
		Long: `Watch subscribes to the execution's websocket channel and prints
each progress event as it arrives. The command exits when the execution
reaches a terminal event or the connection closes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}

			url := c.SocketURL(args[0])
			conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), url, nil)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", url, err)
			}
			if resp != nil {
				resp.Body.Close()
			}
			defer conn.Close()

			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return nil // connection closed
				}

				var ev events.Event
				if err := json.Unmarshal(data, &ev); err != nil {
					continue
				}

				if raw {
					fmt.Println(string(data))
				} else {
					printEvent(ev)
				}

				switch ev.Type() {
				case events.TypeWorkflowCompleted,
					events.TypeWorkflowFailed,
					events.TypeWorkflowError:
					return nil
				}
			}
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print raw JSON events")
	return cmd
}

// printEvent renders one event as a compact human-readable line.
func printEvent(ev events.Event) {
	switch ev.Type() {
	case events.TypeStepStarted, events.TypeStepFinished, events.TypeStepError, events.TypeMaxVisitsExceeded:
		name := ""
		if step, ok := ev["step"].(map[string]any); ok {
			name, _ = step["name"].(string)
		}
		if errMsg, ok := ev["error"].(string); ok {
			fmt.Printf("%-20s %s: %s\n", ev.Type(), name, errMsg)
			return
		}
		fmt.Printf("%-20s %s\n", ev.Type(), name)
	case events.TypeStepProgress:
		fmt.Printf("%-20s %v %v\n", ev.Type(), ev["step_name"], ev["progress"])
	default:
		fmt.Printf("%-20s %v\n", ev.Type(), ev["execution_id"])
	}
}
