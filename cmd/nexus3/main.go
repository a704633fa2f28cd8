// Package main provides the nexus3 command: a multi-agent orchestration
// runtime that hosts LLM-driven agents over HTTP/JSON-RPC 2.0 and through
// an interactive REPL.
//
// # Basic Usage
//
// Talk to a local agent:
//
//	nexus3
//
// Run the HTTP server:
//
//	nexus3 --serve --port 7777
//
// Attach the REPL to a running server:
//
//	nexus3 --connect http://127.0.0.1:7777
//
// # Environment Variables
//
//   - NEXUS_HOME: runtime home directory (default: ~/.nexus3)
//   - NEXUS_TOKEN: API token for --connect (default: read from the server's token file)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - OPENROUTER_API_KEY: OpenRouter API key
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus3/internal/config"
	"github.com/haasonsaas/nexus3/internal/logmux"
	"github.com/haasonsaas/nexus3/internal/logwriter"
	"github.com/haasonsaas/nexus3/internal/observability"
	"github.com/haasonsaas/nexus3/internal/permissions"
	"github.com/haasonsaas/nexus3/internal/persist"
	"github.com/haasonsaas/nexus3/internal/pool"
	"github.com/haasonsaas/nexus3/internal/providers"
	"github.com/haasonsaas/nexus3/internal/server"
	"github.com/haasonsaas/nexus3/internal/session"
	"github.com/haasonsaas/nexus3/internal/skills"
	"github.com/haasonsaas/nexus3/internal/tokens"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

// Process exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitBindConflict = 2
	exitConfig       = 3
)

// replAgentID is the agent the REPL front-end talks to.
const replAgentID = "main"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the failure to the documented process exit codes: 2 for a
// bind conflict, 3 for a configuration error, 1 otherwise.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	if errors.Is(err, server.ErrAlreadyRunning) || errors.Is(err, server.ErrPortInUse) {
		return exitBindConflict
	}
	return exitFailure
}

// codedError carries an explicit process exit code up to main.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// options collects the flag surface.
type options struct {
	configPath string
	serve      bool
	connectURL string
	port       int
	verbose    bool // console debug logging
	logVerbose bool // per-agent verbose.md stream
	rawLog     bool // per-agent raw.jsonl stream
}

func buildRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "nexus3",
		Short: "nexus3 - multi-agent orchestration runtime",
		Long: `nexus3 hosts concurrent LLM-driven agents, each with its own conversation
state, tool registry, permission policy, and persistent session.

Without flags it runs an interactive REPL against an in-process agent.
With --serve it exposes the agent pool over HTTP/JSON-RPC 2.0; with
--connect it attaches the REPL to a running server instead.`,
		Example: `  # Local REPL
  nexus3

  # HTTP server on the default port
  nexus3 --serve

  # REPL against a running server
  nexus3 --connect http://127.0.0.1:7777`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.serve && opts.connectURL != "" {
				return errors.New("--serve and --connect are mutually exclusive")
			}
			switch {
			case opts.serve:
				return runServe(cmd.Context(), opts)
			case opts.connectURL != "":
				return runConnect(cmd.Context(), opts)
			default:
				return runLocal(cmd.Context(), opts)
			}
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to the configuration file (default: $NEXUS_HOME/config.yaml)")
	cmd.Flags().BoolVar(&opts.serve, "serve", false,
		"Run the HTTP/JSON-RPC server in the foreground")
	cmd.Flags().StringVar(&opts.connectURL, "connect", "",
		"Attach the REPL to a running server at this base URL")
	cmd.Flags().IntVar(&opts.port, "port", 0,
		"Server port (default: from config, 7777)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false,
		"Console debug logging")
	cmd.Flags().BoolVarP(&opts.logVerbose, "log-verbose", "V", false,
		"Also write reasoning and full tool output to each agent's verbose.md")
	cmd.Flags().BoolVar(&opts.rawLog, "raw-log", false,
		"Also write raw provider traffic to each agent's raw.jsonl")

	return cmd
}

// loadConfig loads the configuration and tags failures with the config
// exit code.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, &codedError{code: exitConfig, err: err}
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section, with -v
// forcing debug level. Output is secret-redacted and agent-tagged.
func newLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := cfg.Level
	if verbose {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Format,
	})
}

// streamsFor translates the log flags into the per-agent stream set. The
// context stream is always on; -V and --raw-log opt in to the rest.
func streamsFor(opts options) logwriter.Stream {
	streams := logwriter.StreamContext
	if opts.logVerbose {
		streams |= logwriter.StreamVerbose
	}
	if opts.rawLog {
		streams |= logwriter.StreamRaw
	}
	return streams
}

// runtime bundles the components shared by serve and local REPL mode.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider providers.Provider
	model    string
	counter  tokens.Counter
	mux      *logmux.Multiplexer
	metrics  *observability.Metrics
	persist  *persist.Manager
	pool     *pool.Pool
}

// buildRuntime assembles provider, skills, persistence, and the agent pool
// from the configuration. confirm and observer customize REPL behavior;
// both may be zero for headless serving.
func buildRuntime(cfg *config.Config, opts options, logger *slog.Logger,
	confirm session.ConfirmFunc, observer session.Observer) (*runtime, error) {

	mux := logmux.New()
	provider, model, err := buildProvider(cfg, mux, logger)
	if err != nil {
		return nil, &codedError{code: exitConfig, err: err}
	}

	counter := buildCounter(logger)

	registry := skills.NewRegistry()
	if err := skills.RegisterBuiltins(registry); err != nil {
		return nil, err
	}

	pm, err := persist.NewManager(cfg.HomeDir(), logger)
	if err != nil {
		return nil, err
	}

	systemPrompt, err := cfg.SystemPrompt()
	if err != nil {
		return nil, &codedError{code: exitConfig, err: err}
	}

	metrics := observability.NewMetrics()
	p := pool.New(pool.Config{
		Provider:          provider,
		Model:             model,
		MaxTokens:         cfg.LLM.MaxTokens,
		SystemPrompt:      systemPrompt,
		Level:             permissions.ParseLevel(cfg.Agent.PermissionPreset),
		WorkingDir:        cfg.Agent.WorkingDir,
		Registry:          registry,
		Mux:               mux,
		LogDir:            cfg.LogsDir(),
		Streams:           streamsFor(opts),
		Persist:           pm,
		Confirm:           confirm,
		Observer:          observer,
		ToolTimeout:       cfg.Agent.ToolTimeout,
		AllowPrivateHosts: cfg.Agent.AllowPrivateHosts,
		AllowLocalhost:    cfg.Agent.AllowLocalhost,
		Metrics:           metrics,
		Counter:           counter,
		Logger:            logger,
	})

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		provider: provider,
		model:    model,
		counter:  counter,
		mux:      mux,
		metrics:  metrics,
		persist:  pm,
		pool:     p,
	}, nil
}

// buildProvider constructs the configured LLM provider with the raw-log
// multiplexer attached.
func buildProvider(cfg *config.Config, mux *logmux.Multiplexer, logger *slog.Logger) (providers.Provider, string, error) {
	name, pc, err := cfg.Provider("")
	if err != nil {
		return nil, "", err
	}
	model := cfg.LLM.Model
	if model == "" {
		model = pc.DefaultModel
	}
	switch name {
	case "anthropic":
		p := providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Raw:          mux,
			Logger:       logger,
		})
		return p, model, nil
	case "openai":
		p := providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Raw:          mux,
			Logger:       logger,
		})
		return p, model, nil
	case "openrouter":
		p := providers.NewOpenRouter(providers.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Raw:          mux,
			Logger:       logger,
		})
		return p, model, nil
	default:
		return nil, "", fmt.Errorf("unsupported provider %q", name)
	}
}

// buildCounter prefers an exact BPE counter, falling back to the heuristic
// when the encoding cannot be loaded (offline cache miss).
func buildCounter(logger *slog.Logger) tokens.Counter {
	counter, err := tokens.NewTiktokenCounter("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, using heuristic counter", "error", err)
		return tokens.NewHeuristicCounter()
	}
	return counter
}

// runServe starts the HTTP server and blocks until a shutdown signal or a
// fatal serve error. Headless mode never prompts: destructive actions that
// the permission policy does not admit outright are denied.
func runServe(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, opts.verbose)
	slog.SetDefault(logger)

	logger.Info("starting nexus3 server",
		"version", version,
		"port", cfg.Server.Port,
		"provider", cfg.LLM.DefaultProvider,
	)

	rt, err := buildRuntime(cfg, opts, logger, nil, session.Observer{})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Port:      cfg.Server.Port,
		TokenPath: cfg.TokenPath(),
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
		Pool:      rt.pool,
		Persist:   rt.persist,
		Provider:  rt.provider,
		Model:     rt.model,
		Counter:   rt.counter,
		Metrics:   rt.metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")
	srv.Shutdown()
	return <-errCh
}
