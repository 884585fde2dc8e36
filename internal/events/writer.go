package events

import (
	"context"
	"database/sql"
	"time"

	"aggregator/internal/domain"
	"aggregator/internal/engine"
	"aggregator/internal/repo"
)

// Writer journals rule executions.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

// FromResult turns a runner result into a journal entry.
func FromResult(res engine.ExecutionResult, runErr error) domain.Execution {
	e := domain.Execution{
		ID:         res.ID,
		TS:         res.StartedAt.UTC().Format(time.RFC3339),
		Rule:       res.Rule,
		EventType:  res.EventType,
		WorkItemID: res.WorkItemID,
		Mode:       res.Mode,
		DryRun:     res.DryRun,
		Created:    res.Created,
		Updated:    res.Updated,
		Status:     domain.ExecutionSucceeded,
		Message:    res.Message,
	}
	if runErr != nil {
		e.Status = domain.ExecutionFailed
		e.Error = runErr.Error()
	}
	return e
}

// Append stores the execution inside tx when given, otherwise directly.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, res engine.ExecutionResult, runErr error) (domain.Execution, error) {
	e := FromResult(res, runErr)
	if res.StartedAt.IsZero() {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		e.TS = now().UTC().Format(time.RFC3339)
	}
	seq, err := w.Repo.InsertExecution(ctx, tx, e)
	if err != nil {
		return e, err
	}
	e.Seq = seq
	return e, nil
}
