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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itempass/workflowengine/internal/log"
	"github.com/itempass/workflowengine/internal/mcp"
	"github.com/itempass/workflowengine/internal/runtimeconfig"
	"github.com/itempass/workflowengine/internal/tracing"
	"github.com/itempass/workflowengine/pkg/llm"
	"github.com/itempass/workflowengine/pkg/llm/pricing"
	_ "github.com/itempass/workflowengine/pkg/llm/providers"
	"github.com/itempass/workflowengine/pkg/workflow"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		dbPath      = flag.String("db", "", "Path to the SQLite database file (empty uses an in-memory store)")
		defProvider = flag.String("provider", "anthropic", "Default LLM provider (anthropic, openai)")
		instanceID  = flag.String("instance", "", "Workflow instance UUID to run, then exit")
		userID      = flag.String("user", "", "User ID the run is billed and scoped to")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("workflowengine %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg := runtimeconfig.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProvider, err := setupTracing(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	if otelProvider != nil {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := otelProvider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	sqliteStore, store, closeStore, err := openStore(*dbPath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()
	if otelProvider != nil && sqliteStore != nil {
		sqliteStore.WithTracer(otelProvider.Tracer("workflowengine.store"))
	}

	if err := workflow.Sweep(ctx, store, logger); err != nil {
		logger.Error("startup sweep failed", "error", err)
		os.Exit(1)
	}

	provider, err := activateProvider(*defProvider, cfg)
	if err != nil {
		logger.Error("failed to activate LLM provider", "provider", *defProvider, "error", err)
		os.Exit(1)
	}
	if otelProvider != nil {
		provider = tracing.WrapProvider(provider, otelProvider.Tracer("workflowengine.llm"))
	}

	pm := pricing.NewPricingManager()
	gate := workflow.NewBalanceGate(nil)

	mcpManager := mcp.NewManager(mcp.ManagerConfig{Logger: logger})
	defer func() {
		if err := mcpManager.StopAll(); err != nil {
			logger.Warn("error stopping mcp servers", "error", err)
		}
	}()
	if err := loadMCPServers(mcpManager, logger); err != nil {
		logger.Warn("mcp server configuration not loaded", "error", err)
	}

	llmRunner := workflow.NewLLMStepRunner(store, provider, pm, gate, logger)
	agentRunner := workflow.NewAgentStepRunner(store, provider, pm, gate, mcpManager, workflow.AgentStepRunnerConfig{
		MaxCycles:        cfg.MaxAgentCycles,
		MaxParallel:      cfg.AgentMaxParallelToolCalls,
		MaxContextTokens: cfg.AgentMaxContextTokens,
	}, logger)
	checker := workflow.NewStopCheckerRunner(logger)
	runner := workflow.NewRunner(store, llmRunner, agentRunner, checker, nil, logger)
	if otelProvider != nil {
		agentRunner.WithTracer(otelProvider.Tracer("workflowengine.agent"))
		runner.WithTracer(otelProvider.RawTracer("workflowengine.workflow"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if *instanceID == "" {
		logger.Error("-instance is required")
		os.Exit(1)
	}

	if err := runner.Run(ctx, *instanceID, *userID); err != nil {
		logger.Error("workflow run failed", "instance", *instanceID, "error", err)
		os.Exit(1)
	}
}

// openStore returns a SQLite-backed Store when path is non-empty, otherwise
// an in-memory store suitable for local experimentation. The returned close
// function is always safe to call. The concrete *workflow.SQLiteStore is
// also returned, non-nil only in the SQLite case, so the caller can attach a
// tracer to it; the interface value alone doesn't expose WithTracer.
func openStore(path string) (*workflow.SQLiteStore, workflow.Store, func(), error) {
	if path == "" {
		return nil, workflow.NewMemoryStore(), func() {}, nil
	}
	store, err := workflow.NewSQLiteStore(workflow.SQLiteStoreConfig{Path: path})
	if err != nil {
		return nil, nil, nil, err
	}
	return store, store, func() { _ = store.Close() }, nil
}

// setupTracing builds an OpenTelemetry tracer provider from the runtime
// configuration when tracing is enabled, wiring its exporters from
// cfg.TracingExporterType/Endpoint. It returns a nil provider, not an error,
// when tracing is disabled; callers treat a nil provider as "don't trace".
func setupTracing(ctx context.Context, cfg *runtimeconfig.Config, logger *slog.Logger) (*tracing.OTelProvider, error) {
	if !cfg.TracingEnabled {
		return nil, nil
	}

	tcfg := tracing.DefaultConfig()
	tcfg.Enabled = true
	tcfg.ServiceName = cfg.TracingServiceName
	tcfg.Exporters = []tracing.ExporterConfig{{
		Type:     cfg.TracingExporterType,
		Endpoint: cfg.TracingExporterEndpoint,
	}}

	processors, err := tracing.CreateExportersFromConfig(ctx, tcfg)
	if err != nil {
		return nil, err
	}

	opts := make([]sdktrace.TracerProviderOption, 0, len(processors))
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}

	provider, err := tracing.NewOTelProviderWithConfig(tcfg, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info("tracing enabled", "exporter", cfg.TracingExporterType, "service", cfg.TracingServiceName)
	return provider, nil
}

// activateProvider resolves API credentials from runtimeconfig and activates
// the named provider factory registered by pkg/llm/providers's init().
func activateProvider(name string, cfg *runtimeconfig.Config) (llm.Provider, error) {
	apiKey, ok := cfg.ProviderAPIKeys[name]
	if !ok || apiKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", name)
	}
	creds := llm.APIKeyCredentials{APIKey: apiKey}
	if err := llm.Activate(name, creds); err != nil {
		return nil, err
	}
	return llm.Get(name)
}

// loadMCPServers starts every server entry in the on-disk MCP configuration
// file, if one exists. A missing file is not an error: tool-less agent steps
// are a valid configuration.
func loadMCPServers(manager *mcp.Manager, logger *slog.Logger) error {
	path, err := mcp.MCPConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	cfg, err := mcp.LoadMCPConfig()
	if err != nil {
		return err
	}

	for name, entry := range cfg.Servers {
		if err := manager.Start(entry.ToServerConfig(name)); err != nil {
			logger.Warn("failed to start mcp server", "server", name, "error", err)
			continue
		}
		logger.Info("started mcp server", "server", name)
	}
	return nil
}
