// Haven is the on-device assistant runtime.
//
// It keeps working whether or not a network or companion server is
// reachable: requests route to the best available execution tier,
// every fact lands in the local store first, and a background sync
// engine reconciles with the remote authority when one is configured.
//
// Usage:
//
//	haven serve                Start the runtime and loopback API
//	haven ask <question>       Ask a single question (for testing)
//	haven sync                 Run one sync pass and print the report
//	haven status               Show the current tier decision
//	haven pair                 Print a QR code for companion pairing
//	haven import <file.md>     Import a markdown note into the store
//	haven version              Print version and build information
//	haven -o json status       Output as JSON
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
	"strings"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/haven-assistant/haven/internal/api"
	"github.com/haven-assistant/haven/internal/bridge"
	"github.com/haven-assistant/haven/internal/buildinfo"
	"github.com/haven-assistant/haven/internal/config"
	"github.com/haven-assistant/haven/internal/device"
	"github.com/haven-assistant/haven/internal/dispatch"
	"github.com/haven-assistant/haven/internal/importer"
	"github.com/haven-assistant/haven/internal/llm"
	"github.com/haven-assistant/haven/internal/sched"
	"github.com/haven-assistant/haven/internal/store"
	syncpkg "github.com/haven-assistant/haven/internal/sync"
	"github.com/haven-assistant/haven/internal/tier"
	"github.com/haven-assistant/haven/internal/vault"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level
// environment (context, stdio, argv) and delegates to [run], keeping
// os.Exit and os.Args out of the application logic so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run() concurrently from tests, and the surface is small
// enough that manual parsing stays clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var pinnedTier string
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
		case args[i] == "-tier" && i+1 < len(args):
			pinnedTier = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-tier="):
			pinnedTier = strings.TrimPrefix(args[i], "-tier=")
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
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: haven ask [-tier name] <question>")
		}
		return runAsk(ctx, stdout, configPath, pinnedTier, cmdArgs)
	case "sync":
		return runSync(ctx, stdout, configPath, outputFmt)
	case "status":
		return runStatus(ctx, stdout, configPath, outputFmt)
	case "pair":
		return runPair(stdout, configPath)
	case "import":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: haven import <file.md>")
		}
		return runImport(stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Haven - Adaptive on-device assistant runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: haven [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the runtime and loopback API")
	fmt.Fprintln(w, "  ask            Ask a single question (for testing)")
	fmt.Fprintln(w, "  sync           Run one sync pass against the remote")
	fmt.Fprintln(w, "  status         Show the current tier decision")
	fmt.Fprintln(w, "  pair           Print a QR code for companion pairing")
	fmt.Fprintln(w, "  import         Import a markdown note into the store")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -tier <name>      Pin ask to a named tier")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/haven/config.yaml, /etc/haven/config.yaml")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runtime bundles the wired core shared by serve and ask.
type runtime struct {
	cfg      *config.Config
	store    *store.Store
	bridge   *bridge.Bridge // nil when disabled
	feed     *device.Feed   // nil without an MQTT broker
	selector *tier.Selector
	router   *dispatch.Router
	engine   *syncpkg.Engine // nil without a remote
	logger   *slog.Logger
}

func (rt *runtime) close() {
	if rt.bridge != nil {
		if err := rt.bridge.Stop(); err != nil {
			rt.logger.Warn("bridge stop failed", "error", err)
		}
	}
	if rt.feed != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.feed.Stop(ctx); err != nil {
			rt.logger.Warn("device feed stop failed", "error", err)
		}
		cancel()
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("store close failed", "error", err)
	}
}

// buildRuntime wires the core from configuration: store, bridge,
// device probing, tiers, selector, router, sync engine. startFeed and
// startBridge let one-shot commands skip the background pieces.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, background bool) (*runtime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	st, err := store.Open(cfg.DataDir+"/haven.db", logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rt := &runtime{cfg: cfg, store: st, logger: logger}

	// Embedded runtime bridge. Start is asynchronous from the caller's
	// point of view: Call waits on the readiness barrier, so nothing
	// downstream needs to poll for Ready.
	if cfg.Bridge.Enabled {
		rt.bridge = bridge.New(bridge.Config{
			Command:       cfg.Bridge.Command,
			Args:          cfg.Bridge.Args,
			Port:          cfg.Bridge.Port,
			EngineTimeout: time.Duration(cfg.Bridge.EngineTimeoutS) * time.Second,
			ReadyTimeout:  time.Duration(cfg.Bridge.ReadyTimeoutS) * time.Second,
			CallTimeout:   time.Duration(cfg.Bridge.CallTimeoutS) * time.Second,
			HealthPoll:    time.Duration(cfg.Bridge.HealthPollMs) * time.Millisecond,
			Logger:        logger,
		})
		go func() {
			if err := rt.bridge.Start(ctx); err != nil {
				logger.Error("bridge startup failed", "error", err)
			}
		}()
	}

	// Device status: platform prober, optionally fronted by the MQTT
	// feed pushed by the host application.
	var prober device.Prober = device.NewPlatformProber()
	if background && cfg.DeviceFeed.BrokerURL != "" {
		feed := device.NewFeed(device.FeedConfig{
			BrokerURL: cfg.DeviceFeed.BrokerURL,
			Topic:     cfg.DeviceFeed.Topic,
			ClientID:  cfg.DeviceFeed.ClientID,
			Stale:     time.Duration(cfg.DeviceFeed.StaleS) * time.Second,
			Fallback:  prober,
			OnChange: func(s device.Status) {
				// Reselect when the network or charging state moves.
				// The selector is wired just after the feed; events
				// can race construction.
				if rt.selector == nil {
					return
				}
				refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				rt.selector.Refresh(refreshCtx)
			},
			Logger: logger,
		})
		if err := feed.Start(ctx); err != nil {
			logger.Warn("device feed unavailable, using platform prober", "error", err)
		} else {
			rt.feed = feed
			prober = feed
		}
	}

	// Tier plumbing.
	tiers := tier.FromConfig(cfg.Tiers)
	var embeddedProbe tier.EmbeddedProbe
	if rt.bridge != nil {
		embeddedProbe = rt.bridge.Probe
	}
	checker := tier.NewChecker(embeddedProbe, logger)
	rt.selector = tier.NewSelector(tiers, prober, checker, tier.PolicyFromConfig(cfg.Selection), logger)

	clients := make(map[string]llm.Client, len(tiers))
	for _, t := range tiers {
		if t.Kind == tier.KindEmbedded {
			if rt.bridge != nil {
				clients[t.Name] = llm.NewBridgeClient(rt.bridge)
			}
			continue
		}
		clients[t.Name] = llm.NewHTTPClient(t.Endpoint, logger)
	}

	rt.router = dispatch.NewRouter(rt.selector, clients, st, cfg.History.WindowTurns, logger)

	// Sync engine, only with a configured remote.
	if cfg.Remote.BaseURL != "" {
		client := syncpkg.NewClient(cfg.Remote.BaseURL, cfg.Remote.Username, cfg.Remote.Password,
			time.Duration(cfg.Sync.TimeoutS)*time.Second, logger)

		var vlt *vault.Vault
		if cfg.Sync.VaultFile != "" && cfg.Sync.VaultPass != "" {
			vlt, err = vault.Open(cfg.Sync.VaultFile, cfg.Sync.VaultPass)
			if err != nil {
				rt.close()
				return nil, fmt.Errorf("open vault: %w", err)
			}
		}
		rt.engine = syncpkg.NewEngine(st, client, vlt, cfg.Sync.BatchSize, cfg.Sync.PageSize, logger)
	}

	return rt, nil
}

// runServe is the primary operating mode: wire everything, start the
// background jobs and the loopback API, and block until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Haven", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level and format are known. The
	// initial text logger only covers the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"addr", cfg.Listen.Addr,
		"tiers", len(cfg.Tiers),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer rt.close()

	// Establish an initial decision so status queries have an answer
	// before the first request arrives.
	rt.selector.Refresh(ctx)

	// Background jobs.
	jobs := sched.New(logger)
	if rt.engine != nil && cfg.Sync.Schedule != "" {
		if err := jobs.AddSync(cfg.Sync.Schedule, rt.engine, 5*time.Minute); err != nil {
			return fmt.Errorf("schedule sync: %w", err)
		}
	}
	if cfg.Selection.RefreshSeconds > 0 {
		spec := fmt.Sprintf("@every %ds", cfg.Selection.RefreshSeconds)
		if err := jobs.AddRefresh(spec, rt.selector, 30*time.Second); err != nil {
			return fmt.Errorf("schedule refresh: %w", err)
		}
	}
	jobs.Start()
	defer jobs.Stop()

	server := api.NewServer(cfg.Listen.Addr, rt.router, rt.selector, rt.engine, rt.store, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("API server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runAsk boots a minimal runtime and processes one question.
func runAsk(ctx context.Context, stdout io.Writer, configPath, pinnedTier string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.router.Execute(ctx, dispatch.Request{
		Input:          question,
		ConversationID: "cli",
		Tier:           pinnedTier,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, res.Output)
	fmt.Fprintf(stdout, "\n[%s/%s in %dms]\n", res.Tier, res.Model, res.Duration.Milliseconds())
	return nil
}

// runSync performs one sync pass and prints the report.
func runSync(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("no remote configured (set remote.base_url)")
	}

	rt, err := buildRuntime(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.close()

	report, err := rt.engine.SyncNow(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(stdout, "uploaded:   %d\n", report.Uploaded)
	fmt.Fprintf(stdout, "downloaded: %d\n", report.Downloaded)
	fmt.Fprintf(stdout, "conflicts:  %d\n", report.Conflicts)
	for _, e := range report.Errors {
		fmt.Fprintf(stdout, "error:      %s\n", e)
	}
	return nil
}

// runStatus prints the tier decision a fresh selection produces.
func runStatus(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.close()

	decision, err := rt.selector.Select(ctx, dispatch.CapabilityChat)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	}
	fmt.Fprintf(stdout, "tier:    %s (%s)\n", decision.Selected.Name, decision.Selected.Kind)
	fmt.Fprintf(stdout, "reason:  %s\n", decision.Reason)
	fmt.Fprintf(stdout, "device:  %s\n", decision.Device)
	for name, st := range decision.Statuses {
		fmt.Fprintf(stdout, "probe:   %-12s %s\n", name, st)
	}
	return nil
}

// runPair prints a QR code encoding the companion pairing URL, for
// scanning from the companion device.
func runPair(stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("no remote configured (set remote.base_url)")
	}

	pairURL := fmt.Sprintf("haven://pair?remote=%s&user=%s", cfg.Remote.BaseURL, cfg.Remote.Username)
	qr, err := qrcode.New(pairURL, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generate pairing code: %w", err)
	}

	fmt.Fprintln(stdout, "Scan from the companion app:")
	fmt.Fprintln(stdout)
	fmt.Fprint(stdout, qr.ToSmallString(false))
	fmt.Fprintln(stdout, pairURL)
	return nil
}

// runImport loads a markdown file into the store as memory records.
func runImport(stdout io.Writer, configPath, filePath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.Open(cfg.DataDir+"/haven.db", logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	count, err := importer.ImportFile(st, filePath, logger)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Fprintf(stdout, "Imported %d records from %s\n", count, filePath)
	return nil
}

// newLogger creates a structured logger writing to w at the given
// level and format. Format must be "text" or "json"; anything else
// falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
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
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
