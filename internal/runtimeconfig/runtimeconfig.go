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

// Package runtimeconfig resolves the small set of environment-driven
// tunables the workflow engine needs at startup: concurrency caps, cycle
// caps, provider credentials, and the model allow-list. It intentionally
// does not attempt the profile/tier/XDG-path configuration surface of a
// general CLI tool — this engine has no interactive config wizard.
package runtimeconfig

import (
	"os"
	"strconv"
	"strings"
)

// Config holds every runtime-tunable value the engine reads from the
// environment once at process start.
type Config struct {
	// AgentMaxParallelToolCalls bounds concurrent tool dispatch within one
	// agent step turn (WORKFLOW_AGENT_MAX_PARALLEL_TOOL_CALLS).
	AgentMaxParallelToolCalls int

	// MaxAgentCycles bounds the number of reasoning turns an agent step may
	// take before it's forced to a timeout output (MAX_AGENT_CYCLES).
	MaxAgentCycles int

	// AgentMaxContextTokens bounds the running message transcript an agent
	// step keeps across turns before older turns are pruned
	// (WORKFLOW_AGENT_MAX_CONTEXT_TOKENS).
	AgentMaxContextTokens int

	// IMAPMaxConcurrencyPerUser bounds concurrent IMAP sessions per user
	// (IMAP_MAX_CONCURRENCY_PER_USER).
	IMAPMaxConcurrencyPerUser int

	// ProviderAPIKeys maps provider name (e.g. "anthropic", "openai") to its
	// API key, read from "{PROVIDER}_API_KEY" environment variables.
	ProviderAPIKeys map[string]string

	// AllowedModels restricts which model ids a workflow step may request.
	// Empty means unrestricted (ALLOWED_MODELS, comma-separated).
	AllowedModels []string

	// TracingEnabled turns on span emission for LLM calls, tool invocations,
	// persisted-state writes, and workflow/step execution (TRACING_ENABLED).
	TracingEnabled bool

	// TracingServiceName identifies this process in emitted spans
	// (TRACING_SERVICE_NAME).
	TracingServiceName string

	// TracingExporterType selects the span exporter: "console", "otlp_http",
	// or "none" (TRACING_EXPORTER_TYPE).
	TracingExporterType string

	// TracingExporterEndpoint is the OTLP/HTTP receiver address, used only
	// when TracingExporterType is "otlp_http" (TRACING_EXPORTER_ENDPOINT).
	TracingExporterEndpoint string
}

// knownProviders is the fixed set of provider env-var prefixes this engine
// looks for; a provider this engine has no wired client for is harmless to
// list here, but one missing from this list is never picked up regardless
// of whether its key is set in the environment.
var knownProviders = []string{"anthropic", "openai", "google", "mistral", "groq"}

// FromEnv reads Config from the process environment, applying the defaults
// named in each field's env var when unset or unparsable.
func FromEnv() *Config {
	cfg := &Config{
		AgentMaxParallelToolCalls: envInt("WORKFLOW_AGENT_MAX_PARALLEL_TOOL_CALLS", 5),
		MaxAgentCycles:            envInt("MAX_AGENT_CYCLES", 10),
		AgentMaxContextTokens:     envInt("WORKFLOW_AGENT_MAX_CONTEXT_TOKENS", 100000),
		IMAPMaxConcurrencyPerUser: envInt("IMAP_MAX_CONCURRENCY_PER_USER", 4),
		ProviderAPIKeys:           make(map[string]string),
		TracingEnabled:            os.Getenv("TRACING_ENABLED") == "true",
		TracingServiceName:        envString("TRACING_SERVICE_NAME", "workflowengine"),
		TracingExporterType:       envString("TRACING_EXPORTER_TYPE", "console"),
		TracingExporterEndpoint:   os.Getenv("TRACING_EXPORTER_ENDPOINT"),
	}

	for _, p := range knownProviders {
		key := os.Getenv(strings.ToUpper(p) + "_API_KEY")
		if key != "" {
			cfg.ProviderAPIKeys[p] = key
		}
	}

	if raw := os.Getenv("ALLOWED_MODELS"); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(m); trimmed != "" {
				cfg.AllowedModels = append(cfg.AllowedModels, trimmed)
			}
		}
	}

	return cfg
}

// IsModelAllowed reports whether model may be used. An empty allow-list
// permits every model.
func (c *Config) IsModelAllowed(model string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
