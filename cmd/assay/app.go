// ABOUTME: Builds the assay object graph from Config: LLM client, planner, executor, orchestrator,
// ABOUTME: run store, metrics and service. Shared by every subcommand.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/2389-research/assay/config"
	"github.com/2389-research/assay/llm"
	"github.com/2389-research/assay/metrics"
	"github.com/2389-research/assay/planner"
	"github.com/2389-research/assay/sandbox"
	"github.com/2389-research/assay/service"
	"github.com/2389-research/assay/store"
	"github.com/2389-research/assay/workflow"
	"github.com/2389-research/assay/workspace"
)

const historyFile = "assay.db"

// app holds everything a subcommand needs.
type app struct {
	cfg      *config.Config
	folders  *workspace.Manager
	store    *store.SqliteStore
	registry *prometheus.Registry
	service  *service.Service
	client   *llm.Client
}

// openStore opens the run history in the data dir.
func openStore(cfg *config.Config) (*store.SqliteStore, error) {
	dataDir, err := resolveDataDir(cfg.Server.DataDir)
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSqlite(filepath.Join(dataDir, historyFile))
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}
	return st, nil
}

// newApp wires the full pipeline. logEcho receives each run's log lines in
// addition to the run's app.log; nil keeps them in app.log only.
func newApp(cfg *config.Config, logEcho io.Writer) (*app, error) {
	client, err := newLLMClient(cfg.LLM)
	if err != nil {
		return nil, err
	}

	folders, err := workspace.NewManager(cfg.Server.UploadsDir)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("uploads dir: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		client.Close()
		return nil, err
	}

	handlers := []workflow.EventHandler{st.Handler()}
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		handlers = append(handlers, metrics.New(registry).Handler())
	}

	orch := workflow.New(
		newPlanner(client, cfg.LLM),
		newExecutor(cfg.Executor),
		workflow.WithLimits(cfg.Workflow),
		workflow.WithEventHandler(workflow.FanOut(handlers...)),
	)

	svc := service.New(folders, orch,
		service.WithRecorder(st),
		service.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		service.WithLogEcho(logEcho),
	)

	return &app{
		cfg:      cfg,
		folders:  folders,
		store:    st,
		registry: registry,
		service:  svc,
		client:   client,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Printf("component=cli action=close_store err=%v", err)
	}
	if err := a.client.Close(); err != nil {
		log.Printf("component=cli action=close_llm err=%v", err)
	}
}

func newLLMClient(cfg config.LLMConfig) (*llm.Client, error) {
	policy := llm.DefaultRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries
	return llm.FromEnv(
		llm.EnvSettings{Provider: cfg.Provider, Model: cfg.Model, BaseURL: cfg.BaseURL},
		llm.WithRetryPolicy(policy),
		llm.WithMiddleware(llm.LoggingMiddleware()),
	)
}

func newPlanner(client *llm.Client, cfg config.LLMConfig) *planner.LLMPlanner {
	var opts []planner.Option
	if cfg.Model != "" {
		opts = append(opts, planner.WithModel(cfg.Model))
	}
	if cfg.Temperature != nil {
		opts = append(opts, planner.WithTemperature(*cfg.Temperature))
	}
	p := planner.New(client, opts...)
	log.Printf("component=cli action=planner provider=%s model=%s", client.DefaultProvider(), p.Model())
	return p
}

func newExecutor(cfg config.ExecutorConfig) *sandbox.LocalExecutor {
	opts := []sandbox.Option{
		sandbox.WithTimeout(cfg.Timeout),
		sandbox.WithInstallTimeout(cfg.InstallTimeout),
		sandbox.WithEnvPolicy(cfg.EnvPolicy),
	}
	if argv := strings.Fields(cfg.Interpreter); len(argv) > 0 {
		opts = append(opts, sandbox.WithInterpreter(argv...))
	}
	if cfg.InstallCommand != nil {
		opts = append(opts, sandbox.WithInstallCommand(cfg.InstallCommand...))
	}
	return sandbox.NewLocalExecutor(opts...)
}

// setupProcessLog sends the process log to a rotated file when path is set.
// The returned closer is never nil.
func setupProcessLog(path string) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if path == "" {
		log.SetOutput(os.Stderr)
		return io.NopCloser(nil)
	}
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    15, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.SetOutput(rotated)
	return rotated
}
