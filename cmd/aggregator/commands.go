package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"aggregator/internal/app"
	"aggregator/internal/config"
	"aggregator/internal/domain"
	"aggregator/internal/engine"
	"aggregator/internal/repo"
	"aggregator/internal/server"
	"aggregator/internal/witclient"
)

func runCmd() *cobra.Command {
	var (
		id                               int
		eventType, changedBy             string
		project, mode                    string
		dryRun, impersonate, bypassRules bool
	)
	cmd := &cobra.Command{
		Use:   "run <rule>",
		Short: "Run a rule against one work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id <= 0 {
				return fmt.Errorf("--id required")
			}
			adjust := func(cfg *config.Config) error {
				flags := cmd.Flags()
				if flags.Changed("mode") {
					cfg.Engine.SaveMode = mode
				}
				if flags.Changed("dry-run") {
					cfg.Engine.DryRun = dryRun
				}
				if flags.Changed("impersonate") {
					cfg.Engine.Impersonate = impersonate
				}
				if flags.Changed("bypass-rules") {
					cfg.Engine.BypassRules = bypassRules
				}
				return nil
			}
			return withService(cmd.Context(), adjust, func(ctx context.Context, svc *app.Service) error {
				exec, err := svc.Run(ctx, args[0], domain.WorkItemEvent{
					EventType:   eventType,
					ProjectName: project,
					WorkItemID:  id,
					ChangedBy:   changedBy,
				})
				if exec.ID != "" {
					if perr := printExecutions([]domain.Execution{exec}); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "work item id")
	cmd.Flags().StringVar(&eventType, "event-type", "workitem.updated", "event type passed to the rule")
	cmd.Flags().StringVar(&changedBy, "changed-by", "", "identity the change is attributed to when impersonating")
	cmd.Flags().StringVar(&project, "project", "", "project (defaults to config)")
	cmd.Flags().StringVar(&mode, "mode", "", "save mode: default, item, batch, twophases")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log what would be saved without calling the service")
	cmd.Flags().BoolVar(&impersonate, "impersonate", false, "attribute saved changes to --changed-by")
	cmd.Flags().BoolVar(&bypassRules, "bypass-rules", false, "ask the service to skip its own field rules")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive service hook notifications over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), nil, func(ctx context.Context, svc *app.Service) error {
				cfg := svc.Config
				if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				secretEnv := cfg.Server.JWTSecretEnv
				if secretEnv == "" {
					secretEnv = "AGGREGATOR_JWT_SECRET"
				}
				handler, err := server.New(server.Config{
					Service:  svc,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: os.Getenv(secretEnv)},
					Logger:   svc.Logger,
				})
				if err != nil {
					return err
				}
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				server.StartWebhookDispatcher(ctx, svc.Repo, cfg.Webhooks, svc.Logger)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				svc.Logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath), zap.Strings("rules", svc.Rules.Names()))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the execution journal"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var (
		n          int
		rule       string
		status     string
		workItemID int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExecutions(ctx, repo.ExecutionFilters{Rule: rule, Status: status, WorkItemID: workItemID, Limit: n})
				if err != nil {
					return err
				}
				return printExecutions(items)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of executions")
	cmd.Flags().StringVar(&rule, "rule", "", "rule filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter: succeeded or failed")
	cmd.Flags().IntVar(&workItemID, "work-item", 0, "work item filter")
	return cmd
}

func printExecutions(items []domain.Execution) error {
	if viper.GetBool("json") {
		if items == nil {
			items = []domain.Execution{}
		}
		return printJSON(items)
	}
	rows := make([]table.Row, 0, len(items))
	for _, e := range items {
		outcome := e.Message
		if e.Error != "" {
			outcome = e.Error
		}
		mode := e.Mode
		if e.DryRun {
			mode += " (dry-run)"
		}
		rows = append(rows, table.Row{e.Seq, e.TS, e.Rule, e.WorkItemID, mode, e.Created, e.Updated, e.Status, outcome})
	}
	renderTable(table.Row{"Seq", "Time", "Rule", "Work Item", "Mode", "Created", "Updated", "Status", "Outcome"}, rows)
	return nil
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP receiver"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, plain, err := r.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("Created API key %s for %s\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if keys == nil {
						keys = []domain.APIKey{}
					}
					return printJSON(keys)
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				renderTable(table.Row{"ID", "Actor", "Name", "Created"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage aggregator.yml"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var serviceURL, project string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default aggregator.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serviceURL == "" || project == "" {
				return fmt.Errorf("--url and --project required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			raw := config.GenerateDefault(serviceURL, project)
			if _, err := config.FromYAML([]byte(raw)); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serviceURL, "url", "", "organization or collection url")
	cmd.Flags().StringVar(&project, "project", "", "default project")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check aggregator.yml and compile its rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := app.NewService(cfg, nil, nil, nil)
			if err != nil {
				return err
			}
			if cfg.Token() == "" {
				fmt.Fprintln(os.Stderr, "warning: personal access token environment variable is empty")
			}
			fmt.Printf("Config OK: %d rule(s): %s\n", len(svc.Rules.Names()), strings.Join(svc.Rules.Names(), ", "))
			return nil
		},
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Inspect configured rules"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Rules)
			}
			rows := []table.Row{}
			svc, err := app.NewService(cfg, nil, nil, nil)
			if err != nil {
				return err
			}
			for _, name := range svc.Rules.Names() {
				rc := cfg.Rules[name]
				rows = append(rows, table.Row{name, strings.Join(rc.Events, ","), strings.Join(rc.Types, ","), rc.Description})
			}
			renderTable(table.Row{"Rule", "Events", "Types", "Description"}, rows)
			return nil
		},
	})
	return cmd
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Inspect work item type workflows"}
	cmd.AddCommand(workflowPathCmd())
	return cmd
}

func workflowPathCmd() *cobra.Command {
	var workItemType, from, to, project string
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Show the shortest transition path between two states",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workItemType == "" || to == "" {
				return fmt.Errorf("--type and --to required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if project == "" {
				project = cfg.Service.Project
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			client := witclient.New(cfg.Service.URL, cfg.Token())
			if cfg.Service.APIVersion != "" {
				client.APIVersion = cfg.Service.APIVersion
			}
			store := engine.NewStore(client, engine.NewZapLogger(logger), engine.Options{Project: project})
			wf, err := store.Workflow(cmd.Context(), project, workItemType)
			if err != nil {
				return err
			}
			for _, s := range []string{from, to} {
				if s != "" && !wf.IsValidState(s) {
					return fmt.Errorf("%s is not a state of %s; states: %s", s, workItemType, strings.Join(wf.States(), ", "))
				}
			}
			path := wf.ShortestPath(from, to)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"type": workItemType, "from": from, "to": to, "path": path})
			}
			if path == nil {
				fmt.Printf("No path from %q to %q\n", from, to)
				return nil
			}
			fmt.Println(strings.Join(append([]string{displayState(from)}, path...), " -> "))
			return nil
		},
	}
	cmd.Flags().StringVar(&workItemType, "type", "", "work item type")
	cmd.Flags().StringVar(&from, "from", "", "current state (empty for a new item)")
	cmd.Flags().StringVar(&to, "to", "", "target state")
	cmd.Flags().StringVar(&project, "project", "", "project (defaults to config)")
	return cmd
}

func displayState(s string) string {
	if s == "" {
		return "(new)"
	}
	return s
}
