package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wegent/internal/execution"
	"wegent/internal/subscription"
	logx "wegent/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store on database/sql. Queries are written with '?'
// placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, dialect: d, log: log}
}

func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time helpers ----

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- subscriptions ----

const subscriptionCols = `id, user_id, name, team_ref, trigger_type, trigger_config, prompt_template, enabled,
	next_execution_time, last_execution_time, last_execution_status,
	execution_count, success_count, failure_count, max_retries, timeout_seconds, created_at, updated_at`

func scanSubscription(r rowScanner) (*subscription.Subscription, error) {
	var (
		sub       subscription.Subscription
		trigType  string
		trigCfg   string
		next      sql.NullInt64
		last      sql.NullInt64
		lastSt    sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := r.Scan(&sub.ID, &sub.UserID, &sub.Name, &sub.TeamRef, &trigType, &trigCfg, &sub.PromptTemplate, &sub.Enabled,
		&next, &last, &lastSt,
		&sub.ExecutionCount, &sub.SuccessCount, &sub.FailureCount, &sub.MaxRetries, &sub.TimeoutSeconds, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sub.TriggerType = subscription.TriggerType(trigType)
	sub.TriggerConfig = json.RawMessage(trigCfg)
	sub.NextExecutionTime = fromNullMS(next)
	sub.LastExecutionTime = fromNullMS(last)
	sub.LastExecutionStatus = lastSt.String
	sub.CreatedAt = fromMS(createdAt)
	sub.UpdatedAt = fromMS(updatedAt)
	return &sub, nil
}

func (s *sqlStore) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO subscriptions(
		user_id, name, team_ref, trigger_type, trigger_config, prompt_template, enabled,
		next_execution_time, max_retries, timeout_seconds, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		sub.UserID, sub.Name, sub.TeamRef, string(sub.TriggerType), string(sub.TriggerConfig), sub.PromptTemplate, sub.Enabled,
		msPtr(sub.NextExecutionTime), sub.MaxRetries, sub.TimeoutSeconds, ms(sub.CreatedAt), ms(sub.UpdatedAt),
	).Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	sub.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE subscriptions SET
		name=?, team_ref=?, trigger_type=?, trigger_config=?, prompt_template=?, enabled=?,
		next_execution_time=?, max_retries=?, timeout_seconds=?, updated_at=?
		WHERE id=?`),
		sub.Name, sub.TeamRef, string(sub.TriggerType), string(sub.TriggerConfig), sub.PromptTemplate, sub.Enabled,
		msPtr(sub.NextExecutionTime), sub.MaxRetries, sub.TimeoutSeconds, ms(sub.UpdatedAt), sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription %d: %w", sub.ID, err)
	}
	return expectOne(res, ErrNotFound)
}

func (s *sqlStore) GetSubscription(ctx context.Context, id int64) (*subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+subscriptionCols+` FROM subscriptions WHERE id=?`), id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %d: %w", id, err)
	}
	return sub, nil
}

func (s *sqlStore) ListSubscriptions(ctx context.Context, userID int64) ([]*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionCols + ` FROM subscriptions`
	var args []any
	if userID > 0 {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY id`
	return s.querySubscriptions(ctx, query, args...)
}

func (s *sqlStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]*subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetSubscriptionEnabled(ctx context.Context, id int64, enabled bool, next *time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE subscriptions SET enabled=?, next_execution_time=?, updated_at=? WHERE id=?`),
		enabled, msPtr(next), ms(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set subscription %d enabled: %w", id, err)
	}
	return expectOne(res, ErrNotFound)
}

func (s *sqlStore) ListDueSubscriptions(ctx context.Context, now time.Time, after DueCursor, limit int) ([]*subscription.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + subscriptionCols + ` FROM subscriptions
		WHERE enabled=? AND next_execution_time IS NOT NULL AND next_execution_time <= ?`
	args := []any{true, ms(now)}
	if after.ID > 0 {
		at := ms(after.Next)
		query += ` AND (next_execution_time > ? OR (next_execution_time = ? AND id > ?))`
		args = append(args, at, at, after.ID)
	}
	query += ` ORDER BY next_execution_time, id LIMIT ?`
	args = append(args, limit)
	return s.querySubscriptions(ctx, query, args...)
}

func (s *sqlStore) FireSubscription(ctx context.Context, f Firing) (*execution.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fire subscription %d: begin: %w", f.SubscriptionID, err)
	}
	defer func() { _ = tx.Rollback() }()

	firedAt := f.FiredAt.UTC()
	query := `UPDATE subscriptions SET next_execution_time=?, enabled=?, last_execution_time=?,
		execution_count=execution_count+1, updated_at=?
		WHERE id=? AND enabled=?`
	args := []any{msPtr(f.Next), f.Enabled, ms(firedAt), ms(firedAt), f.SubscriptionID, true}
	if f.ExpectedNext != nil {
		query += ` AND next_execution_time=?`
		args = append(args, ms(*f.ExpectedNext))
	}
	res, err := tx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("fire subscription %d: advance: %w", f.SubscriptionID, err)
	}
	if err := expectOne(res, ErrStaleSubscription); err != nil {
		return nil, err
	}

	e := &execution.Execution{
		SubscriptionID: f.SubscriptionID,
		UserID:         f.UserID,
		TriggerType:    f.TriggerType,
		TriggerReason:  f.TriggerReason,
		Prompt:         f.Prompt,
		Status:         execution.StatusPending,
		CreatedAt:      firedAt,
		UpdatedAt:      firedAt,
	}
	err = tx.QueryRowContext(ctx, s.q(`INSERT INTO background_executions(
		subscription_id, user_id, task_id, trigger_type, trigger_reason, prompt, status,
		result_summary, error_message, retry_attempt, version, created_at, updated_at)
		VALUES(?,?,0,?,?,?,?,'','',0,0,?,?) RETURNING id`),
		e.SubscriptionID, e.UserID, e.TriggerType, e.TriggerReason, e.Prompt, string(e.Status), ms(firedAt), ms(firedAt),
	).Scan(&e.ID)
	if err != nil {
		return nil, fmt.Errorf("fire subscription %d: create execution: %w", f.SubscriptionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("fire subscription %d: commit: %w", f.SubscriptionID, err)
	}
	return e, nil
}

func (s *sqlStore) RecordOutcome(ctx context.Context, subscriptionID int64, status execution.Status, at time.Time) error {
	var succ, fail int
	switch status {
	case execution.StatusCompleted, execution.StatusCompletedSilent:
		succ = 1
	case execution.StatusFailed:
		fail = 1
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE subscriptions SET
		last_execution_status=?, success_count=success_count+?, failure_count=failure_count+?, updated_at=?
		WHERE id=?`),
		string(status), succ, fail, ms(at), subscriptionID)
	if err != nil {
		return fmt.Errorf("record outcome for subscription %d: %w", subscriptionID, err)
	}
	return expectOne(res, ErrNotFound)
}

// ---- executions ----

const executionCols = `id, subscription_id, user_id, task_id, trigger_type, trigger_reason, prompt, status,
	result_summary, error_message, retry_attempt, version, started_at, completed_at, created_at, updated_at`

func scanExecution(r rowScanner) (*execution.Execution, error) {
	var (
		e         execution.Execution
		status    string
		started   sql.NullInt64
		completed sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := r.Scan(&e.ID, &e.SubscriptionID, &e.UserID, &e.TaskID, &e.TriggerType, &e.TriggerReason, &e.Prompt, &status,
		&e.ResultSummary, &e.ErrorMessage, &e.RetryAttempt, &e.Version, &started, &completed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = execution.Status(status)
	e.StartedAt = fromNullMS(started)
	e.CompletedAt = fromNullMS(completed)
	e.CreatedAt = fromMS(createdAt)
	e.UpdatedAt = fromMS(updatedAt)
	return &e, nil
}

func (s *sqlStore) GetExecution(ctx context.Context, id int64) (*execution.Execution, error) {
	return s.getExecution(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) getExecution(ctx context.Context, q queryer, id int64) (*execution.Execution, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+executionCols+` FROM background_executions WHERE id=?`), id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, execution.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %d: %w", id, err)
	}
	return e, nil
}

func (s *sqlStore) UpdateVersioned(ctx context.Context, id, expected int64, p execution.Patch, now time.Time) (*execution.Execution, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		sets = append(sets, col+"=?")
		args = append(args, v)
	}
	if p.Status != "" {
		add("status", string(p.Status))
	}
	if p.TaskID != nil {
		add("task_id", *p.TaskID)
	}
	if p.ResultSummary != nil {
		add("result_summary", *p.ResultSummary)
	}
	if p.ErrorMessage != nil {
		add("error_message", *p.ErrorMessage)
	}
	if p.RetryAttempt != nil {
		add("retry_attempt", *p.RetryAttempt)
	}
	if p.StartedAt != nil {
		add("started_at", ms(*p.StartedAt))
	}
	if p.CompletedAt != nil {
		add("completed_at", ms(*p.CompletedAt))
	}
	sets = append(sets, "version=version+1", "updated_at=?")
	args = append(args, ms(now), id, expected)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update execution %d: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE background_executions SET `+strings.Join(sets, ", ")+` WHERE id=? AND version=?`), args...)
	if err != nil {
		return nil, fmt.Errorf("update execution %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update execution %d: %w", id, err)
	}
	if n == 0 {
		var actual int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT version FROM background_executions WHERE id=?`), id).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, execution.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("update execution %d: read version: %w", id, err)
		}
		return nil, &execution.OptimisticLockError{ID: id, Expected: expected, Actual: actual}
	}

	e, err := s.getExecution(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update execution %d: commit: %w", id, err)
	}
	return e, nil
}

func (s *sqlStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*execution.Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.SubscriptionID > 0 {
		where = append(where, "subscription_id=?")
		args = append(args, f.SubscriptionID)
	}
	if f.UserID > 0 {
		where = append(where, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at<?")
		args = append(args, ms(f.CreatedBefore))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at<?")
		args = append(args, ms(f.UpdatedBefore))
	}
	query := `SELECT ` + executionCols + ` FROM background_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
