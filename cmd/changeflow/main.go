package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/hylla/changeflow/internal/adapters/dispatch"
	"github.com/hylla/changeflow/internal/adapters/metadata"
	"github.com/hylla/changeflow/internal/adapters/metrics"
	serveradapter "github.com/hylla/changeflow/internal/adapters/server"
	servercommon "github.com/hylla/changeflow/internal/adapters/server/common"
	"github.com/hylla/changeflow/internal/adapters/storage/sqlite"
	"github.com/hylla/changeflow/internal/app"
	"github.com/hylla/changeflow/internal/config"
	"github.com/hylla/changeflow/internal/domain"
	"github.com/hylla/changeflow/internal/platform"
	"github.com/hylla/changeflow/internal/rules"
)

// version stores a package-level helper value.
var version = "dev"

// main handles main.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := fang.Execute(ctx, root, fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

// run executes the command tree with explicit args and writers.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// rootOptions holds persistent flag values shared by every subcommand.
type rootOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
	quiet      bool
	stdout     io.Writer
	stderr     io.Writer
}

// newRootCmd builds the changeflow command tree.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	devDefault, _ := parseBoolEnv("CHANGEFLOW_DEV_MODE")

	root := &cobra.Command{
		Use:           "changeflow",
		Short:         "Apply condition-triggered changes to running workflows",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", strings.TrimSpace(os.Getenv("CHANGEFLOW_CONFIG")), "path to config.toml")
	flags.StringVar(&opts.dbPath, "db", strings.TrimSpace(os.Getenv("CHANGEFLOW_DB_PATH")), "path to the sqlite database")
	flags.StringVar(&opts.appName, "app", envOrDefault("CHANGEFLOW_APP_NAME", "changeflow"), "application name used for default paths")
	flags.BoolVar(&opts.devMode, "dev", devDefault, "use dev-mode paths and the dev log file")
	flags.BoolVar(&opts.quiet, "quiet", false, "suppress console logging")

	root.AddCommand(
		newPathsCmd(opts),
		newRunCmd(opts),
		newJournalCmd(opts),
		newServeCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newQueueCmd(opts),
	)
	return root
}

// newPathsCmd prints resolved runtime locations.
func newPathsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config, rules, data and database paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "app: %s\n", opts.appName)
			fmt.Fprintf(out, "dev_mode: %t\n", opts.devMode)
			fmt.Fprintf(out, "config: %s\n", paths.ConfigPath)
			fmt.Fprintf(out, "rules: %s\n", cfg.Rules.Path)
			fmt.Fprintf(out, "data_dir: %s\n", paths.DataDir)
			fmt.Fprintf(out, "db: %s\n", cfg.Database.Path)
			fmt.Fprintf(out, "metadata: %s\n", cfg.Metadata.Dir)
			return nil
		},
	}
}

// newRunCmd runs one rule pass for a task of a work item.
func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <work-item-id> <task-name>",
		Short: "Evaluate the rules for one running task and apply matching changes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.logger.Info("command flow start", "command", "run", "work_item_id", args[0], "task", args[1])
			res, runErr := rt.service.RunStep(cmd.Context(), args[0], args[1])
			if runErr != nil {
				rt.logger.Error("command flow failed", "command", "run", "outcome", res.Outcome, "err", runErr)
			}
			if err := writeJSON(cmd.OutOrStdout(), runResultPayload(args[0], args[1], res)); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("run step: %w", runErr)
			}
			rt.logger.Info("command flow complete", "command", "run", "outcome", res.Outcome, "matched", len(res.MatchedRules))
			return nil
		},
	}
}

// newJournalCmd lists or appends journal entries of one work item.
func newJournalCmd(opts *rootOptions) *cobra.Command {
	var (
		limit    int
		add      string
		severity string
	)
	cmd := &cobra.Command{
		Use:   "journal <work-item-id>",
		Short: "List the journal of a work item, or append a note with --add",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			if strings.TrimSpace(add) != "" {
				sev, err := domain.ParseSeverity(severity)
				if err != nil {
					return err
				}
				entry, err := rt.service.AddJournalEntry(cmd.Context(), args[0], sev, add, "cli")
				if err != nil {
					return fmt.Errorf("add journal entry: %w", err)
				}
				fmt.Fprintf(out, "added %s\n", entry.ID)
				return nil
			}
			entries, err := rt.service.ListJournal(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("list journal: %w", err)
			}
			for _, entry := range entries {
				fmt.Fprintf(out, "%s\t%s\t%s\n", entry.CreatedAt.UTC().Format(time.RFC3339), entry.Severity, entry.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to list")
	cmd.Flags().StringVar(&add, "add", "", "append a journal entry with this message")
	cmd.Flags().StringVar(&severity, "severity", string(domain.SeverityUser), "severity of the appended entry")
	return cmd
}

// newServeCmd serves the HTTP API, MCP and metrics endpoints.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		httpBind    string
		apiEndpoint string
		mcpEndpoint string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, MCP endpoint and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			serverCfg := serveradapter.Config{
				HTTPBind:        firstNonEmpty(httpBind, rt.cfg.Server.HTTPBind),
				APIEndpoint:     firstNonEmpty(apiEndpoint, rt.cfg.Server.APIEndpoint),
				MCPEndpoint:     firstNonEmpty(mcpEndpoint, rt.cfg.Server.MCPEndpoint),
				MetricsEndpoint: rt.cfg.Server.MetricsRoute,
				ServerName:      opts.appName,
				ServerVersion:   version,
			}
			pingers := []servercommon.Pinger{rt.repo}
			if rt.queue != nil {
				pingers = append(pingers, rt.queue)
			}
			adapter := servercommon.NewAppServiceAdapter(rt.service, pingers...)

			rt.logger.Info("command flow start", "command", "serve", "http_bind", serverCfg.HTTPBind)
			err = serveradapter.Run(cmd.Context(), serverCfg, serveradapter.Dependencies{
				Workflow:  adapter,
				Readiness: adapter,
				Metrics:   rt.recorder.Handler(),
				Logger:    rt.logger,
			})
			if err != nil {
				rt.logger.Error("command flow failed", "command", "serve", "err", err)
				return fmt.Errorf("serve: %w", err)
			}
			rt.logger.Info("command flow complete", "command", "serve")
			return nil
		},
	}
	cmd.Flags().StringVar(&httpBind, "http", "", "listen address (overrides server.http_bind)")
	cmd.Flags().StringVar(&apiEndpoint, "api-endpoint", "", "REST API mount path (overrides server.api_endpoint)")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp-endpoint", "", "MCP mount path (overrides server.mcp_endpoint)")
	return cmd
}

// newExportCmd writes a JSON snapshot of the store.
func newExportCmd(opts *rootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export projects, groups and work items as a JSON snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			snap, err := rt.service.ExportSnapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("export snapshot: %w", err)
			}
			if outPath == "-" {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create export output dir: %w", err)
			}
			file, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create export file: %w", err)
			}
			if err := writeJSON(file, snap); err != nil {
				_ = file.Close()
				return err
			}
			return file.Close()
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "-", "output file path ('-' for stdout)")
	return cmd
}

// newImportCmd loads a JSON snapshot into the store.
func newImportCmd(opts *rootOptions) *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a JSON snapshot produced by export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(inPath) == "" {
				return fmt.Errorf("--in is required")
			}
			content, err := os.ReadFile(inPath)
			if err != nil {
				return fmt.Errorf("read import file: %w", err)
			}
			var snap app.Snapshot
			if err := json.Unmarshal(content, &snap); err != nil {
				return fmt.Errorf("decode snapshot json: %w", err)
			}

			rt, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.service.ImportSnapshot(cmd.Context(), snap); err != nil {
				return fmt.Errorf("import snapshot: %w", err)
			}
			rt.logger.Info("snapshot imported", "path", inPath, "work_items", len(snap.WorkItems))
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "snapshot file to import")
	return cmd
}

// newQueueCmd inspects and drains the Redis dispatch queue.
func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or drain the dispatch queue of automatic tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print how many dispatched tasks are waiting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.queue.Len(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue length: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending: %d\n", n)
			return nil
		},
	})

	var limit int
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Pop waiting dispatch messages and print them as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--max must be > 0")
			}
			rt, err := opts.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			pending, err := rt.queue.Len(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue length: %w", err)
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			for range min(int64(limit), pending) {
				msg, ok, err := rt.queue.Pop(cmd.Context(), time.Second)
				if err != nil {
					return fmt.Errorf("pop dispatch message: %w", err)
				}
				if !ok {
					break
				}
				if err := encoder.Encode(msg); err != nil {
					return fmt.Errorf("write dispatch message: %w", err)
				}
			}
			return nil
		},
	}
	drain.Flags().IntVar(&limit, "max", 100, "maximum messages to pop")
	cmd.AddCommand(drain)
	return cmd
}

// openQueue opens the runtime and requires redis dispatch.
func (o *rootOptions) openQueue(ctx context.Context) (*runtimeDeps, error) {
	rt, err := o.open(ctx)
	if err != nil {
		return nil, err
	}
	if rt.queue == nil {
		rt.Close()
		return nil, fmt.Errorf("dispatch.mode is %q, queue commands need %q", rt.cfg.Dispatch.Mode, config.DispatchModeRedis)
	}
	return rt, nil
}

// runtimeDeps holds the adapters opened for one command invocation.
type runtimeDeps struct {
	cfg      config.Config
	logger   *runtimeLogger
	repo     *sqlite.Repository
	queue    *dispatch.RedisQueue
	recorder *metrics.Recorder
	service  *app.Service
}

// resolve computes default paths and overlays the config file.
func (o *rootOptions) resolve() (platform.Paths, config.Config, error) {
	paths, err := platform.DefaultPathsWithOptions(platform.Options{
		AppName: o.appName,
		DevMode: o.devMode,
	})
	if err != nil {
		return platform.Paths{}, config.Config{}, fmt.Errorf("resolve paths: %w", err)
	}
	configPath := firstNonEmpty(o.configPath, paths.ConfigPath)
	paths.ConfigPath = configPath

	cfg, err := config.Load(configPath, config.Default(paths.DBPath, paths.MetadataDir, paths.RulesPath))
	if err != nil {
		return platform.Paths{}, config.Config{}, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if strings.TrimSpace(o.dbPath) != "" {
		cfg.Database.Path = o.dbPath
	}
	return paths, cfg, nil
}

// open wires storage, documents, rules, dispatch and metrics into one app service.
func (o *rootOptions) open(ctx context.Context) (*runtimeDeps, error) {
	paths, cfg, err := o.resolve()
	if err != nil {
		return nil, err
	}
	logger, err := newRuntimeLogger(o.stderr, o.appName, o.devMode, cfg.Logging, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}
	logger.SetConsoleEnabled(!o.quiet)
	logger.Info("startup configuration resolved", "config", paths.ConfigPath, "rules", cfg.Rules.Path, "dev_log", logger.DevLogPath())

	rt := &runtimeDeps{cfg: cfg, logger: logger, recorder: metrics.NewRecorder()}
	logger.Debug("opening sqlite repository", "path", cfg.Database.Path)
	rt.repo, err = sqlite.Open(cfg.Database.Path)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}
	logger.Debug("sqlite repository ready", "path", cfg.Database.Path)

	catalog, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load rule catalog: %w", err)
	}
	logger.Debug("rule catalog loaded", "path", cfg.Rules.Path, "blocks", catalog.Len())

	docs := metadata.NewStore(cfg.Metadata.Dir)
	svcOpts := app.ServiceOptions{
		Resolver:       metadata.NewResolver(docs),
		Documents:      docs,
		DocumentWriter: docs,
		Observer:       rt.recorder,
		Logger:         logger,
		PluginName:     cfg.Engine.PluginName,
	}
	if cfg.Dispatch.Mode == config.DispatchModeRedis {
		rt.queue, err = dispatch.New(dispatch.Options{
			Addr:       cfg.Dispatch.Redis.Addr,
			Password:   cfg.Dispatch.Redis.Password,
			DB:         cfg.Dispatch.Redis.DB,
			QueueKey:   cfg.Dispatch.Redis.QueueKey,
			MaxElapsed: cfg.Dispatch.RetryMaxElapsed.Duration,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("configure redis dispatch: %w", err)
		}
		svcOpts.Dispatcher = rt.queue
		logger.Debug("redis dispatch enabled", "addr", cfg.Dispatch.Redis.Addr, "queue", cfg.Dispatch.Redis.QueueKey)
	}
	rt.service = app.NewService(rt.repo, catalog, svcOpts)

	select {
	case <-ctx.Done():
		rt.Close()
		return nil, ctx.Err()
	default:
		return rt, nil
	}
}

// Close releases every opened adapter.
func (r *runtimeDeps) Close() {
	if r == nil {
		return
	}
	if r.queue != nil {
		if err := r.queue.Close(); err != nil {
			r.logger.Warn("close redis dispatch failed", "err", err)
		}
	}
	if r.repo != nil {
		if err := r.repo.Close(); err != nil {
			r.logger.Warn("close sqlite repository failed", "err", err)
		}
	}
	_ = r.logger.Close()
}

// runResultPayload is the JSON shape printed by the run command.
func runResultPayload(workItemID, taskName string, res app.Result) map[string]any {
	matched := res.MatchedRules
	if matched == nil {
		matched = []int{}
	}
	dispatched := res.Dispatched
	if dispatched == nil {
		dispatched = []string{}
	}
	return map[string]any{
		"work_item_id":  workItemID,
		"task_name":     taskName,
		"outcome":       res.Outcome,
		"matched_rules": matched,
		"self_changed":  res.SelfChanged,
		"dispatched":    dispatched,
	}
}

// writeJSON writes one indented JSON document followed by a newline.
func writeJSON(w io.Writer, payload any) error {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	encoded = append(encoded, '\n')
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// parseBoolEnv parses a boolean env var and reports whether it was set.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func envOrDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
