package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"solarline/internal/app"
	"solarline/internal/config"
	"solarline/internal/db"
	"solarline/internal/engine"
	"solarline/internal/logging"
	"solarline/internal/migrate"
	"solarline/internal/notify"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Solarline CLI",
	Long: `Solarline derives solar-installation milestones from project documents.
Core concepts:
- Workspace: a directory holding .solarline/solarline.db. An optional solarline.yml seeds new projects.
- Rule set: admin milestones, each with a check (ALWAYS_TRUE, SUBMITTED, ISSUED, ALL_PREREQUISITES),
  a document type and prerequisites. Cross triggers complete engineering milestones from admin ones.
- Documents: snapshot rows pushed by the document system; only current, non-deleted rows count.
- Sync: one pass per project that evaluates the rules, keeps manual completions, fires cross triggers,
  writes only the rows that changed and recomputes progress.
- Manual completion: a person marks a milestone done; later passes keep it.
- Event log: every write is audited, view with 'sl events'.`,
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
	viper.SetEnvPrefix("SOLARLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("db", "", "database file (defaults to <workspace>/.solarline/solarline.db)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", engine.DefaultActor, "actor identifier recorded on writes")
	flags.String("project", "", "project id (defaults to the only project)")
	flags.String("log-mode", "dev", "log encoding: dev or prod")
	flags.String("log-level", "warn", "log level")
	flags.Int("concurrency", 4, "projects synced in parallel by --all")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.String("addr", "127.0.0.1:8080", "HTTP listen address")
	for _, name := range []string{"workspace", "db", "json", "actor-id", "project", "log-mode", "log-level", "concurrency", "jwt-secret", "addr"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

type session struct {
	Engine   engine.Engine
	Notifier notify.Notifier
	Logger   *logging.Logger
	Conn     *sql.DB
}

func newLogger() (*logging.Logger, error) {
	return logging.New(viper.GetString("log-mode"), viper.GetString("log-level"))
}

// openSession opens and migrates the workspace database. solarline.yml in the
// workspace, when present, seeds projects created from here on.
func openSession(ctx context.Context) (*session, func(), error) {
	workspace := viper.GetString("workspace")
	logger, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	conn, err := db.Open(dbConfig())
	if err != nil {
		return nil, nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	e := engine.New(conn, seed)
	e.Logger = logger
	e.Concurrency = viper.GetInt("concurrency")
	s := &session{Engine: e, Notifier: notify.New(logger), Logger: logger, Conn: conn}
	return s, func() {
		conn.Close()
		logger.Sync()
	}, nil
}

func dbConfig() db.Config {
	return db.Config{Workspace: viper.GetString("workspace"), Path: viper.GetString("db")}
}

func withSession(ctx context.Context, fn func(context.Context, *session) error) error {
	s, closeFn, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, s)
}

// withProject resolves the active project and its config before calling fn.
func withProject(ctx context.Context, fn func(context.Context, *session, string, *config.Config) error) error {
	return withSession(ctx, func(ctx context.Context, s *session) error {
		projectID, cfg, err := app.ResolveProject(ctx, s.Engine, viper.GetString("project"), actorID())
		if err != nil {
			return err
		}
		return fn(ctx, s, projectID, cfg)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
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

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func stringOrDash(p *string) string {
	if p == nil || *p == "" {
		return "-"
	}
	return *p
}
