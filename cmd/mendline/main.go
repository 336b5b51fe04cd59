package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mendline/internal/app"
	"mendline/internal/audit"
	"mendline/internal/config"
	"mendline/internal/db"
	"mendline/internal/domain"
	"mendline/internal/engine"
	"mendline/internal/ingest"
	"mendline/internal/logging"
	"mendline/internal/migrate"
	"mendline/internal/repo"
	"mendline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mendline",
	Short: "Mendline CLI",
	Long: `Mendline watches operational signals and remediates what it finds.
Core concepts:
- Signals: tickets, payment events and alerts received on /webhooks/*. Identical ids are stored once.
- Issues: a pattern of signals sharing source, type and merchant, explained by the reasoner.
- Workflows: ordered remediation steps chosen by the decider. Risky plans wait for approval.
- Executor: runs steps against the target with retries, an optional verify step and rollback.
- Audit ledger: every state change as a hash-chained entry, checked with 'mendline audit verify'.
Read commands open the workspace database directly. Commands that change a
running workflow talk to the server (see --server).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MENDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local", "actor identifier recorded in the audit ledger")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "API base URL for workflow and agent commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the API")
	rootCmd.PersistentFlags().String("api-key", "", "API key for the API")
	for _, name := range []string{"workspace", "json", "actor-id", "server", "token", "api-key"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create .mendline with a default config and an empty database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			n, err := runMigrations(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": path, "database": db.Path(workspace), "migrations": n})
			}
			fmt.Printf("Wrote %s\nDatabase %s (%d migrations applied)\n", path, db.Path(workspace), n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := runMigrations(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migrations\n", n)
			return nil
		},
	}
}

func runMigrations(ctx context.Context, workspace string) (int, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return migrate.Migrate(ctx, conn)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the agent loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Build(cmd.Context(), app.Options{
				Workspace: viper.GetString("workspace"),
				Addr:      addr,
				BasePath:  basePath,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Serving Mendline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", a.Addr(), a.Config.Server.BasePath)
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a config file (defaults to the workspace config)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	return c
}

func signalCmd() *cobra.Command {
	c := &cobra.Command{Use: "signal", Short: "Ingest and list signals"}
	c.AddCommand(signalIngestCmd())
	c.AddCommand(signalListCmd())
	return c
}

func signalIngestCmd() *cobra.Command {
	var source, file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Store a signal read from a file or stdin",
		Long:  "Without --source the body is the generic signal shape. With --source it is a raw provider webhook (" + strings.Join(ingest.Sources, ", ") + ").",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(file)
			if err != nil {
				return err
			}
			var s domain.Signal
			if source == "" || source == "generic" {
				s, err = ingest.FromGeneric(body)
			} else {
				s, err = ingest.FromSource(source, body, nil)
			}
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stored, dup, err := e.IngestSignal(ctx, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(server.IngestResponse{Status: "accepted", SignalID: stored.ID, Duplicate: dup})
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "provider webhook format")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "input file, - for stdin")
	return cmd
}

func signalListCmd() *cobra.Command {
	var f repo.SignalFilters
	var processed string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch processed {
			case "":
			case "true", "false":
				v := processed == "true"
				f.Processed = &v
			default:
				return fmt.Errorf("--processed must be true or false")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSignals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Received", "Source", "Type", "Severity", "Merchant", "Issue")
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.ReceivedAt.Format(time.RFC3339), s.Source, s.Type, s.Severity, s.MerchantID, s.IssueID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&processed, "processed", "", "true or false")
	cmd.Flags().StringVar(&f.Source, "source", "", "source filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.MerchantID, "merchant-id", "", "merchant filter")
	cmd.Flags().StringVar(&f.IssueID, "issue-id", "", "issue filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func issueCmd() *cobra.Command {
	c := &cobra.Command{Use: "issue", Short: "Inspect issues"}
	var f repo.IssueFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List issues, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Status", "Category", "Confidence", "Impact", "Title", "Workflow")
				for _, is := range items {
					tw.AppendRow(table.Row{is.ID, is.Status, is.Category, fmt.Sprintf("%.2f", is.Confidence), is.EstimatedImpact, is.Title, is.WorkflowID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.Category, "category", "", "category filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	c.AddCommand(list)
	c.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue with its reasoning chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.Repo.GetIssue(ctx, nil, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(is)
				}
				fmt.Printf("Issue %s [%s]\n%s\n", is.ID, is.Status, is.Title)
				fmt.Printf("Category: %s  Confidence: %.2f  Impact: %s  Reasoner: %s\n", is.Category, is.Confidence, is.EstimatedImpact, is.Reasoner)
				if is.RootCause != "" {
					fmt.Printf("Root cause: %s\n", is.RootCause)
				}
				for i, step := range is.ReasoningChain {
					fmt.Printf("  %d. %s -> %s (%.2f)\n", i+1, step.Observation, step.Inference, step.Confidence)
				}
				if is.WorkflowID != "" {
					fmt.Printf("Workflow: %s\n", is.WorkflowID)
				}
				return nil
			})
		},
	})
	return c
}

func auditCmd() *cobra.Command {
	c := &cobra.Command{Use: "audit", Short: "Read and verify the audit ledger"}
	var f audit.Filter
	list := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Ledger.Query(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Seq", "Time", "Event", "Actor", "Workflow", "Description")
				for _, a := range items {
					tw.AppendRow(table.Row{a.Seq, a.Timestamp.Format(time.RFC3339), a.EventType, a.Actor, a.WorkflowID, a.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.EventType, "event-type", "", "event type filter")
	list.Flags().StringVar(&f.WorkflowID, "workflow-id", "", "workflow filter")
	list.Flags().StringVar(&f.IssueID, "issue-id", "", "issue filter")
	list.Flags().StringVar(&f.Actor, "actor", "", "actor filter")
	list.Flags().Int64Var(&f.BeforeSeq, "before", 0, "only entries with a smaller seq")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	c.AddCommand(list)
	c.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain; exits non-zero when it is broken",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Ledger.Verify(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
				} else if report.OK {
					fmt.Printf("Ledger intact: %d entries, head %s\n", report.Entries, report.Head)
				}
				if !report.OK {
					return fmt.Errorf("ledger broken at %s: %s", report.BrokenAt, report.Reason)
				}
				return nil
			})
		},
	})
	return c
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show signal, issue and workflow counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Repo.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable("Metric", "Value")
				tw.AppendRows([]table.Row{
					{"signals.total", st.Signals.Total},
					{"signals.unprocessed", st.Signals.Unprocessed},
					{"issues.total", st.Issues.Total},
					{"issues.open", st.Issues.Open},
					{"workflows.total", st.Workflows.Total},
					{"workflows.pending_approval", st.Workflows.PendingApproval},
					{"workflows.running", st.Workflows.Running},
					{"workflows.completed", st.Workflows.Completed},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name, role string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Mint an API key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, args[0], name, role, cliActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("Created key %s for %s (role %s)\n%s\n", key.ID, key.ActorID, key.Role, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	create.Flags().StringVar(&role, "role", "operator", "role granted to the key")
	c.AddCommand(create)

	var actor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Role", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Role, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "actor filter")
	c.AddCommand(list)
	c.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0], cliActor()); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Sign a bearer token with the configured JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			for _, r := range roles {
				if _, ok := cfg.RBAC.Roles[r]; !ok {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			tok, err := server.SignToken(os.Getenv(cfg.Auth.JWTSecretEnv), args[0], roles, ttl)
			if err != nil {
				return fmt.Errorf("%w (set %s)", err, cfg.Auth.JWTSecretEnv)
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{"viewer"}, "roles to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func cliActor() string {
	return domain.HumanActor(viper.GetString("actor-id"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e, closeFn, err := app.OpenStore(ctx, workspace, cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func cliLogger(cfg *config.Config) *slog.Logger {
	if viper.GetBool("json") {
		return logging.Discard()
	}
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: "text"})
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
