package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"aggregator/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ExecutionFilters narrows ListExecutions. Before pages backwards by seq.
type ExecutionFilters struct {
	Rule       string
	WorkItemID int
	Status     string
	Before     int64
	Limit      int
}

const executionColumns = `seq,id,ts,rule,event_type,work_item_id,mode,dry_run,created,updated,status,COALESCE(message,''),COALESCE(error,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (domain.Execution, error) {
	var e domain.Execution
	var dryRun int
	err := row.Scan(&e.Seq, &e.ID, &e.TS, &e.Rule, &e.EventType, &e.WorkItemID, &e.Mode, &dryRun,
		&e.Created, &e.Updated, &e.Status, &e.Message, &e.Error)
	e.DryRun = dryRun != 0
	return e, err
}

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

// InsertExecution journals one rule invocation and returns its sequence number.
func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.Execution) (int64, error) {
	if e.ID == "" {
		return 0, errors.New("id required")
	}
	if e.Rule == "" {
		return 0, errors.New("rule required")
	}
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := r.exec(ctx, tx, `INSERT INTO executions(id,ts,rule,event_type,work_item_id,mode,dry_run,created,updated,status,message,error) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TS, e.Rule, e.EventType, e.WorkItemID, e.Mode, boolInt(e.DryRun), e.Created, e.Updated, e.Status, nullable(e.Message), nullable(e.Error))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	e, err := scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, ErrNotFound
	}
	return e, err
}

// ListExecutions returns journal entries newest first.
func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Rule != "" {
		clauses = append(clauses, "rule=?")
		args = append(args, f.Rule)
	}
	if f.WorkItemID != 0 {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Before > 0 {
		clauses = append(clauses, "seq<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT %s FROM executions WHERE %s ORDER BY seq DESC LIMIT ?`, executionColumns, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	return r.queryExecutions(ctx, query, args...)
}

// ExecutionsAfter returns entries with seq greater than cursor in ascending order.
func (r Repo) ExecutionsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryExecutions(ctx, `SELECT `+executionColumns+` FROM executions WHERE seq>? ORDER BY seq ASC LIMIT ?`, cursor, limit)
}

// LatestExecutionSeq returns the most recent sequence number, 0 on an empty journal.
func (r Repo) LatestExecutionSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM executions`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (r Repo) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
