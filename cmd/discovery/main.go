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

// discovery is the CLI companion to discoveryd.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/discovery/internal/commands/execute"
	"github.com/tombee/discovery/internal/commands/shared"
	"github.com/tombee/discovery/internal/commands/status"
	"github.com/tombee/discovery/internal/commands/watch"
	"github.com/tombee/discovery/internal/commands/workflow"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "discovery",
		Short:         "Durable workflow orchestration for document pipelines",
		Version:       fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(shared.BindServerFlag(), "server", "",
		"discoveryd address (default http://localhost:8080, env DISCOVERY_SERVER)")

	root.AddCommand(workflow.NewCommand())
	root.AddCommand(execute.NewCommand())
	root.AddCommand(status.NewCommand())
	root.AddCommand(status.NewNextCommand())
	root.AddCommand(watch.NewCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
