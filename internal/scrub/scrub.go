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

// Package scrub removes bulk payloads from execution contexts before they
// cross a persistence or broadcast boundary. Any value stored under a key
// literally named "base64", at any depth, is replaced by a short descriptor
// recording the original length.
package scrub

import "fmt"

// BulkKey is the context key whose values are treated as bulk payload.
const BulkKey = "base64"

// Descriptor returns the replacement written in place of an elided payload.
func Descriptor(length int) string {
	return fmt.Sprintf("[BASE64_CONTENT_REMOVED - Length: %d chars]", length)
}

// Context returns a deep copy of m with every bulk payload elided.
// The input map is never mutated.
func Context(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == BulkKey {
			if s, ok := v.(string); ok {
				out[k] = Descriptor(len(s))
				continue
			}
		}
		out[k] = value(v)
	}
	return out
}

// value recursively copies v, descending into nested maps and slices.
func value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Context(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = value(e)
		}
		return out
	default:
		return v
	}
}

// safeKeys is the allow-list of scalar context fields that may be broadcast
// over the progress channel. Everything else in the context is withheld.
var safeKeys = []string{
	"execution_id",
	"next_step_name",
	"created_at",
	"updated_at",
	"completed_at",
	"auto_completed",
	"completion_reason",
	"documento_procesado",
	"nombre_documento",
	"uuid_proceso",
	"pdf_disponible",
	"secciones_disponibles",
	"manual",
}

// Projection returns the websocket-safe subset of an execution context:
// the allow-listed scalar keys, plus the same keys filtered out of
// dynamic_properties. Bulk payloads never survive projection.
func Projection(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any)
	for _, k := range safeKeys {
		if v, ok := m[k]; ok && isScalar(v) {
			out[k] = v
		}
	}
	if dp, ok := m["dynamic_properties"].(map[string]any); ok {
		filtered := make(map[string]any)
		for _, k := range safeKeys {
			if v, ok := dp[k]; ok && isScalar(v) {
				filtered[k] = v
			}
		}
		if len(filtered) > 0 {
			out["dynamic_properties"] = filtered
		}
	}
	return out
}

// isScalar reports whether v is a small scalar safe for broadcast.
func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string, float64, int, int64:
		return true
	default:
		return false
	}
}
