// Insights periodically asks a generative-text model to analyze Home
// Assistant entity states and history, and publishes the resulting
// insights, alerts, and summary back to Home Assistant.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	insights serve              Run the update coordinator and status API
//	insights once               Run a single cycle and print the result
//	insights check              Probe Home Assistant and the model provider
//	insights validate           Load and validate the configuration
//	insights entities           Print the entities the selection resolves to
//	insights init [dir]         Write an example configuration
//	insights version            Print version and build information
//	insights -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/hass-insights/internal/api"
	"github.com/nugget/hass-insights/internal/buildinfo"
	"github.com/nugget/hass-insights/internal/config"
	"github.com/nugget/hass-insights/internal/connwatch"
	"github.com/nugget/hass-insights/internal/hasink"
	"github.com/nugget/hass-insights/internal/homeassistant"
	"github.com/nugget/hass-insights/internal/insight"
	"github.com/nugget/hass-insights/internal/llm"
	"github.com/nugget/hass-insights/internal/metrics"
	"github.com/nugget/hass-insights/internal/mqtt"
	"github.com/nugget/hass-insights/internal/opstate"
	"github.com/nugget/hass-insights/internal/options"
	"github.com/nugget/hass-insights/internal/render"
	"github.com/nugget/hass-insights/internal/resultlog"
	"github.com/nugget/hass-insights/internal/web"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], which keeps os.Exit and os.Args out of the
// application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime,
// structured logs go to stdout, and args is os.Args[1:]. Arguments are
// parsed by hand so run has no package-level flag state and can be
// called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "once":
		return runOnce(ctx, stdout, stderr, configPath, outputFmt)
	case "check":
		return runCheck(ctx, stdout, stderr, configPath, outputFmt)
	case "validate":
		return runValidate(stdout, configPath, outputFmt)
	case "entities":
		return runEntities(ctx, stdout, stderr, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSONOut(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "hass-insights - generative insights for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: insights [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the update coordinator and status API")
	fmt.Fprintln(w, "  once         Run a single cycle and print the result")
	fmt.Fprintln(w, "  check        Probe Home Assistant and the model provider")
	fmt.Fprintln(w, "  validate     Load and validate the configuration")
	fmt.Fprintln(w, "  entities     Print the entities the selection resolves to")
	fmt.Fprintln(w, "  init [dir]   Write an example configuration (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// configuredLogger builds the logger described by cfg. Level and format
// were checked by config.Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// createLLMClient builds the client for the configured provider,
// wrapped in the outbound rate limiter when one is configured.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, string) {
	var client llm.Client
	switch cfg.Provider {
	case config.ProviderOllama:
		client = llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Model, logger)
	case config.ProviderAnthropic:
		client = llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:    cfg.Anthropic.APIKey,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
		}, logger)
	default:
		client = llm.NewGeminiClient(llm.GeminiConfig{
			APIKey:          cfg.Gemini.APIKey,
			Model:           cfg.Gemini.Model,
			BaseURL:         cfg.Gemini.BaseURL,
			Temperature:     cfg.Gemini.Temperature,
			MaxOutputTokens: cfg.Gemini.MaxOutputTokens,
		}, logger)
	}
	if cfg.Insights.RequestsPerMinute > 0 {
		client = llm.NewLimited(client, cfg.Insights.RequestsPerMinute)
	}
	return client, cfg.Provider
}

// registryFunc returns a RegistryFunc that opens a WebSocket session
// for each fetch. Registry reads are rare (startup and option changes),
// so no connection is held open between them.
func registryFunc(cfg *config.Config, logger *slog.Logger) options.RegistryFunc {
	return func(ctx context.Context) (*homeassistant.Registry, error) {
		ws := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if err := ws.Connect(ctx); err != nil {
			return nil, err
		}
		defer ws.Close()
		return ws.GetRegistry(ctx)
	}
}

// runServe is the primary operating mode: it restores persisted state,
// starts the coordinator, the publishers, and the status API, and
// blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels ctx, which abandons any running cycle
//  2. The coordinator returns once its cycle has unwound
//  3. MQTT publishes offline availability and disconnects
//  4. The HTTP server drains in-flight requests
//  5. Databases close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting hass-insights", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"provider", cfg.Provider,
		"port", cfg.Listen.Port,
		"history", cfg.Insights.History,
		"interval", cfg.Insights.UpdateInterval,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// --- Home Assistant and model provider ---
	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	client, provider := createLLMClient(cfg, logger)

	// A rejected credential will not fix itself; refuse to start.
	pingCtx, pingCancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Ping(pingCtx)
	pingCancel()
	if err != nil {
		if llm.IsPersistent(err) {
			return fmt.Errorf("%s rejected the configured credentials: %w", provider, err)
		}
		logger.Warn("model provider not reachable at startup, continuing", "provider", provider, "error", err)
	}

	// --- Persistent state ---
	stateStore, err := opstate.NewStore(filepath.Join(cfg.DataDir, "insights.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer stateStore.Close()
	state := opstate.NewInsights(stateStore)

	cycleLog, err := resultlog.Open(filepath.Join(cfg.DataDir, "cycles.db"), logger)
	if err != nil {
		return fmt.Errorf("open cycle log: %w", err)
	}
	defer cycleLog.Close()

	// --- Options and coordinator ---
	opts := options.NewManager(cfg, state, registryFunc(cfg, logger), nil, logger)
	resolveCtx, resolveCancel := context.WithTimeout(ctx, time.Minute)
	insightCfg, err := opts.Load(resolveCtx)
	resolveCancel()
	if err != nil {
		return fmt.Errorf("resolve monitored entities: %w", err)
	}

	coord, err := insight.NewCoordinator(insightCfg, ha, ha, client, logger)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	opts.SetTarget(coord)
	coord.SetStore(state)

	if last, err := state.LoadResult(); err != nil {
		logger.Warn("failed to load last result", "error", err)
	} else if !last.IsZero() {
		coord.Restore(last)
		logger.Info("last result restored", "synced_at", last.SyncedAt, "status", last.Status)
	}

	m := metrics.New()
	coord.AddObserver(m)
	coord.AddObserver(cycleLog)

	// --- Home Assistant sinks ---
	if cfg.Insights.StateEntityPrefix != "" {
		coord.AddSink(hasink.NewStateSink(ha, cfg.Insights.StateEntityPrefix, logger))
		logger.Info("publishing to HA states", "prefix", cfg.Insights.StateEntityPrefix)
	}
	if cfg.Insights.NotifyService != "" {
		notify, err := hasink.NewNotifySink(ha, cfg.Insights.NotifyService, logger)
		if err != nil {
			return err
		}
		coord.AddSink(notify)
		logger.Info("notifications enabled", "service", cfg.Insights.NotifyService)
	}

	// --- Connection monitoring ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "homeassistant",
		Probe:   ha.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnChange: func(ready bool, err error) {
			if !ready {
				return
			}
			infoCtx, infoCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer infoCancel()
			if haCfg, err := ha.GetConfig(infoCtx); err == nil {
				logger.Info("connected to Home Assistant",
					"url", cfg.HomeAssistant.URL,
					"version", haCfg.Version,
					"location", haCfg.LocationName,
				)
			}
		},
		Logger: logger,
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    provider,
		Probe:   client.Ping,
		Halt:    llm.IsPersistent,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		daily := mqtt.NewDailyCycles(nil)
		coord.AddObserver(daily)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, daily, coord, logger)
		mqttPub.SetRefresher(coord)
		coord.AddSink(mqttPub)

		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishInterval,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Status API ---
	server := api.NewServer(api.Config{
		Address:          cfg.Listen.Address,
		Port:             cfg.Listen.Port,
		AdminTokenHash:   cfg.API.AdminTokenHash,
		RefreshPerMinute: cfg.API.RefreshPerMinute,
	}, coord, logger)
	server.SetCycleLog(cycleLog)
	server.SetHealth(connMgr)
	server.SetOptions(opts)
	server.SetMetrics(m)
	server.SetWebServer(web.NewWebServer(web.Config{
		ResultFunc:  coord.Current,
		StatusFunc:  coord.Status,
		HealthFunc:  connMgr.Services,
		HistoryFunc: cycleLog.Recent,
		Logger:      logger,
	}))

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		if err := coord.Run(ctx); err != nil {
			logger.Error("coordinator failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		<-coordDone

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-coordDone
		return fmt.Errorf("server failed: %w", err)
	}

	<-coordDone
	logger.Info("hass-insights stopped")
	return nil
}

// runOnce runs one cycle without the scheduler, sinks, or persistence
// and prints the parsed result. A failed cycle returns an error after
// printing whatever the coordinator reported.
func runOnce(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	client, _ := createLLMClient(cfg, logger)

	entities, err := options.Resolve(ctx, cfg, registryFunc(cfg, logger), logger)
	if err != nil {
		return fmt.Errorf("resolve monitored entities: %w", err)
	}
	coord, err := insight.NewCoordinator(cfg.InsightConfig(entities), ha, ha, client, logger)
	if err != nil {
		return err
	}

	res, rep, runErr := coord.RunOnce(ctx)
	if outputFmt == "json" {
		if err := writeJSONOut(stdout, map[string]any{
			"result":   res,
			"outcome":  rep.Outcome,
			"duration": rep.Duration.String(),
			"points":   rep.Points,
			"records":  rep.Records,
		}); err != nil {
			return err
		}
	} else {
		printResult(stdout, res)
		fmt.Fprintf(stdout, "\n(%s in %s, %d entities, %d history records)\n",
			rep.Outcome, rep.Duration.Round(time.Millisecond), rep.Points, rep.Records)
	}

	if runErr != nil {
		return fmt.Errorf("cycle %s: %w", rep.Outcome, runErr)
	}
	return nil
}

func printResult(w io.Writer, r insight.Result) {
	section := func(title, body string) {
		fmt.Fprintf(w, "== %s ==\n", title)
		if body = render.PlainText(body); body == "" {
			body = "(empty)"
		}
		fmt.Fprintln(w, body)
		fmt.Fprintln(w)
	}
	section("Insights", r.Insights)
	section("Alerts", r.Alerts)
	section("Summary", r.Summary)
	fmt.Fprintf(w, "status: %s\n", r.Status)
	if r.Message != "" {
		fmt.Fprintf(w, "message: %s\n", r.Message)
	}
}

// checkResult is one line of the check report.
type checkResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// runCheck probes every external dependency once. It returns an error
// when any probe fails.
func runCheck(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	var results []checkResult

	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	if haCfg, err := ha.GetConfig(ctx); err != nil {
		results = append(results, checkResult{Name: "homeassistant", Error: err.Error()})
	} else {
		results = append(results, checkResult{
			Name:   "homeassistant",
			OK:     true,
			Detail: fmt.Sprintf("%s (%s)", haCfg.LocationName, haCfg.Version),
		})
	}

	client, provider := createLLMClient(cfg, logger)
	if err := client.Ping(ctx); err != nil {
		results = append(results, checkResult{Name: provider, Error: err.Error(), Kind: string(llm.KindOf(err))})
	} else {
		results = append(results, checkResult{Name: provider, OK: true})
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}

	if outputFmt == "json" {
		if err := writeJSONOut(stdout, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			switch {
			case r.OK && r.Detail != "":
				fmt.Fprintf(stdout, "  ✓ %-14s %s\n", r.Name, r.Detail)
			case r.OK:
				fmt.Fprintf(stdout, "  ✓ %s\n", r.Name)
			default:
				fmt.Fprintf(stdout, "  ✗ %-14s %s\n", r.Name, r.Error)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(results))
	}
	return nil
}

// runValidate loads the configuration without touching the network.
func runValidate(stdout io.Writer, configPath, outputFmt string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	summary := map[string]any{
		"path":            cfgPath,
		"provider":        cfg.Provider,
		"history":         cfg.Insights.History,
		"update_interval": cfg.Insights.UpdateInterval,
		"entities":        len(cfg.Insights.Entities),
		"needs_registry":  options.Selection(cfg).NeedsRegistry(),
		"mqtt":            cfg.MQTT.Configured(),
		"admin_api":       cfg.API.AdminTokenHash != "",
	}
	if outputFmt == "json" {
		return writeJSONOut(stdout, summary)
	}

	fmt.Fprintf(stdout, "%s: configuration is valid\n", cfgPath)
	fmt.Fprintf(stdout, "  provider:        %s\n", cfg.Provider)
	fmt.Fprintf(stdout, "  history:         %s\n", cfg.Insights.History)
	fmt.Fprintf(stdout, "  update interval: %s\n", time.Duration(cfg.Insights.UpdateInterval)*time.Second)
	fmt.Fprintf(stdout, "  explicit ids:    %d\n", len(cfg.Insights.Entities))
	if options.Selection(cfg).NeedsRegistry() {
		fmt.Fprintln(stdout, "  selection uses the HA registry; run `insights entities` to resolve it")
	}
	return nil
}

// runEntities resolves the configured selection against Home Assistant
// and prints one entity ID per line.
func runEntities(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	entities, err := options.Resolve(ctx, cfg, registryFunc(cfg, logger), logger)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSONOut(stdout, entities)
	}
	for _, id := range entities {
		fmt.Fprintln(stdout, id)
	}
	return nil
}
