package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"aggregator/internal/app"
	"aggregator/internal/config"
	"aggregator/internal/db"
	"aggregator/internal/migrate"
	"aggregator/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "aggregator",
	Short: "Run work item rules against a work tracking service",
	Long: `aggregator applies rules to work items when the tracking service reports a change.
- Rules: declared in aggregator.yml; each one may set fields, move the item through its workflow, create a child item and reply with a message.
- Save modes: item (one call per item), batch (one batch call) and twophases (creates first, then everything referencing them). default means twophases.
- Journal: every execution is recorded under .aggregator/journal.db; view it with 'aggregator log tail'.
- Serve: receives service hook notifications on POST /v0/rules/{rule}/events.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGGREGATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory holding aggregator.yml and the journal")
	flags.StringP("config", "c", "", "config file (defaults to <workspace>/aggregator.yml)")
	flags.Bool("json", false, "output JSON")
	flags.BoolP("verbose", "v", false, "log debug messages")
	for _, name := range []string{"workspace", "config", "json", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(workflowCmd())
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if viper.GetBool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openJournal(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func openJournal(ctx context.Context) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// withService loads config, opens the journal and builds the service. adjust
// may change the config before the service is built.
func withService(ctx context.Context, adjust func(*config.Config) error, fn func(context.Context, *app.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if adjust != nil {
		if err := adjust(cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	conn, err := openJournal(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	svc, err := app.NewService(cfg, nil, conn, logger)
	if err != nil {
		return err
	}
	return fn(ctx, svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
}
