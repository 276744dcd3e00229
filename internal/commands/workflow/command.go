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

// Package workflow implements the workflow management commands.
package workflow

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/discovery/internal/client"
	"github.com/tombee/discovery/internal/commands/shared"
)

// NewCommand creates the workflow command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow definitions",
	}
	cmd.AddCommand(newCreateCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newDeleteCommand())
	return cmd
}

func newCreateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow from a YAML definition file",
		Long: `Create defines a workflow on the daemon from a YAML file:

  name: user-onboarding
  mode: automatic
  steps:
    - name: fetch_user
      order: 1
      max_visits: 1
    - name: approve_user
      order: 2
      max_visits: 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}

			var spec client.WorkflowSpec
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("parsing %s: %w", file, err)
			}
			for i := range spec.Steps {
				if spec.Steps[i].MaxVisits == 0 {
					spec.Steps[i].MaxVisits = 1
				}
			}

			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			wf, err := c.CreateWorkflow(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return shared.PrintJSON(wf)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Workflow definition YAML file (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			workflows, err := c.ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}
			for _, wf := range workflows {
				fmt.Printf("%s\t%s\t%s\n", wf.ID, wf.Name, wf.Mode)
			}
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			wf, err := c.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return shared.PrintJSON(wf)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow-id>",
		Short: "Delete a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			if err := c.DeleteWorkflow(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}
