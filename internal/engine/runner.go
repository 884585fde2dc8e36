package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aggregator/internal/domain"
	"aggregator/internal/metrics"
)

// RuleContext is what a rule sees: the unit of work, the item that triggered it
// and a logger.
type RuleContext struct {
	Store  *Store
	Self   *WorkItem
	Event  domain.WorkItemEvent
	Logger Logger
}

// Rule is user code applied to a work item event.
type Rule interface {
	Name() string
	Run(ctx context.Context, rc *RuleContext) (string, error)
}

// RunnerOptions control how rule changes are saved.
type RunnerOptions struct {
	Project             string
	Mode                SaveMode
	DryRun              bool
	Impersonate         bool
	BypassRules         bool
	EnableRevisionCheck bool
}

// ExecutionResult summarises one rule invocation.
type ExecutionResult struct {
	ID         string
	Rule       string
	EventType  string
	WorkItemID int
	Message    string
	Created    int
	Updated    int
	DryRun     bool
	Mode       string
	StartedAt  time.Time
	Duration   time.Duration
}

type Runner struct {
	Client  WitClient
	Logger  Logger
	Options RunnerOptions
	Now     func() time.Time
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Execute runs rule against the event's work item in a fresh Store and saves what
// it changed. The returned result is filled in even when err is non-nil.
func (r Runner) Execute(ctx context.Context, event domain.WorkItemEvent, rule Rule) (ExecutionResult, error) {
	if rule == nil {
		return ExecutionResult{}, errors.New("rule is required")
	}
	logger := r.Logger
	if logger == nil {
		logger = NopLogger()
	}
	started := r.now()
	res := ExecutionResult{
		ID:         uuid.NewString(),
		Rule:       rule.Name(),
		EventType:  event.EventType,
		WorkItemID: event.WorkItemID,
		DryRun:     r.Options.DryRun,
		Mode:       r.Options.Mode.resolve().String(),
		StartedAt:  started,
	}
	err := r.execute(ctx, event, rule, logger, &res)
	res.Duration = r.now().Sub(started)
	status := domain.ExecutionSucceeded
	if err != nil {
		status = domain.ExecutionFailed
		logger.Error("rule %s on work item %d failed: %v", res.Rule, event.WorkItemID, err)
	}
	metrics.Executions.WithLabelValues(res.Rule, status).Inc()
	return res, err
}

func (r Runner) execute(ctx context.Context, event domain.WorkItemEvent, rule Rule, logger Logger, res *ExecutionResult) error {
	project := event.ProjectName
	if project == "" {
		project = r.Options.Project
	}
	store := NewStore(r.Client, logger, Options{
		Project:             project,
		TriggeredBy:         event.ChangedBy,
		EnableRevisionCheck: r.Options.EnableRevisionCheck,
		DryRun:              r.Options.DryRun,
	})
	self, err := store.Get(ctx, PermanentID(event.WorkItemID))
	if err != nil {
		return fmt.Errorf("load work item %d: %w", event.WorkItemID, err)
	}
	msg, err := rule.Run(ctx, &RuleContext{Store: store, Self: self, Event: event, Logger: logger})
	if err != nil {
		return fmt.Errorf("run rule %s: %w", rule.Name(), err)
	}
	res.Message = msg
	saved, err := store.SaveChanges(ctx, r.Options.Mode, !r.Options.DryRun, r.Options.Impersonate, r.Options.BypassRules)
	res.Created, res.Updated = saved.Created, saved.Updated
	if err != nil {
		return fmt.Errorf("save changes: %w", err)
	}
	logger.Info("rule %s on work item %d: %d created, %d updated", res.Rule, event.WorkItemID, saved.Created, saved.Updated)
	return nil
}
