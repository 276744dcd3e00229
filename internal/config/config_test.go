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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/discovery/internal/worker"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "discovery.db", cfg.Database.URL)
	assert.Equal(t, worker.DefaultBaseURL, cfg.Worker.BaseURL)
	assert.Equal(t, 10, cfg.Runner.MaxParallel)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
worker:
  base_url: http://worker.internal:8094/pioneer
  default_timeout: 30s
  timeouts:
    approve_user: 120s
runner:
  max_parallel: 3
`), 0o644))

	t.Setenv("WORKER_BASE_URL", "http://override:8094/pioneer")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "http://override:8094/pioneer", cfg.Worker.BaseURL)
	assert.Equal(t, 3, cfg.Runner.MaxParallel)

	wc := cfg.WorkerClientConfig()
	assert.Equal(t, "http://override:8094/pioneer", wc.BaseURL)
	assert.Equal(t, 30*time.Second, wc.DefaultTimeout)
	assert.Equal(t, 120*time.Second, wc.Timeouts["approve_user"])
	// Built-in per-step deadlines survive unless overridden.
	assert.Equal(t, 600*time.Second, wc.Timeouts["fetch_user"])
}

func TestValidate_Rejects(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Runner.MaxParallel = -1
	assert.Error(t, cfg.Validate())
}
