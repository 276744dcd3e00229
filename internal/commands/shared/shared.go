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

// Package shared carries state common to all CLI commands.
package shared

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tombee/discovery/internal/client"
)

var serverURL string

// BindServerFlag registers the --server persistent flag target.
func BindServerFlag() *string {
	return &serverURL
}

// ServerURL resolves the daemon address: flag, then DISCOVERY_SERVER,
// then the default.
func ServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	if v := os.Getenv("DISCOVERY_SERVER"); v != "" {
		return v
	}
	return client.DefaultServerURL
}

// NewClient creates a daemon client for the resolved server address.
func NewClient() (*client.Client, error) {
	return client.New(ServerURL())
}

// PrintJSON writes v as indented JSON to stdout.
func PrintJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ParseInputs converts repeated key=value flags into a context seed map.
func ParseInputs(inputs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, in := range inputs {
		key, value, ok := strings.Cut(in, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", in)
		}
		// Try to keep JSON-typed values (numbers, booleans, objects).
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			out[key] = typed
			continue
		}
		out[key] = value
	}
	return out, nil
}
