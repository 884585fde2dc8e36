package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"aggregator/internal/config"
	"aggregator/internal/domain"
	"aggregator/internal/engine"
	"aggregator/internal/events"
	"aggregator/internal/repo"
	"aggregator/internal/rules"
	"aggregator/internal/witclient"
)

// Service ties configuration, the remote client, the rule registry and the
// journal together. The CLI and the HTTP server both run rules through it.
type Service struct {
	Config  *config.Config
	Rules   *rules.Registry
	Repo    repo.Repo
	Journal events.Writer
	Runner  engine.Runner
	Logger  *zap.Logger
}

// NewService builds a Service talking to client. A nil client is built from cfg.
func NewService(cfg *config.Config, client engine.WitClient, conn *sql.DB, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mode, err := engine.ParseSaveMode(cfg.Engine.SaveMode)
	if err != nil {
		return nil, err
	}
	registry, err := rules.FromConfig(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if client == nil {
		c := witclient.New(cfg.Service.URL, cfg.Token())
		if cfg.Service.APIVersion != "" {
			c.APIVersion = cfg.Service.APIVersion
		}
		client = c
	}
	r := repo.Repo{DB: conn}
	return &Service{
		Config:  cfg,
		Rules:   registry,
		Repo:    r,
		Journal: events.Writer{Repo: r},
		Logger:  logger,
		Runner: engine.Runner{
			Client: client,
			Logger: engine.NewZapLogger(logger),
			Options: engine.RunnerOptions{
				Project:             cfg.Service.Project,
				Mode:                mode,
				DryRun:              cfg.Engine.DryRun,
				Impersonate:         cfg.Engine.Impersonate,
				BypassRules:         cfg.Engine.BypassRules,
				EnableRevisionCheck: cfg.Engine.EnableRevisionCheck,
			},
		},
	}, nil
}

// Run executes the named rule for event and journals the outcome. A failing
// rule still yields a journaled execution alongside the error.
func (s *Service) Run(ctx context.Context, ruleName string, event domain.WorkItemEvent) (domain.Execution, error) {
	rule, err := s.Rules.Get(ruleName)
	if err != nil {
		return domain.Execution{}, err
	}
	res, runErr := s.Runner.Execute(ctx, event, rule)
	if s.Repo.DB == nil {
		return events.FromResult(res, runErr), runErr
	}
	exec, err := s.Journal.Append(ctx, nil, res, runErr)
	if err != nil {
		s.Logger.Error("journal execution", zap.String("id", res.ID), zap.Error(err))
	}
	return exec, runErr
}
