package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/globus/action-provider-tools/internal/provider/domain"
	"github.com/globus/action-provider-tools/internal/provider/store"
)

type actionsRepo struct {
	q querier
}

const actionColumns = `action_id, request_id, creator_id, status, display_status, label,
	monitor_by, manage_by, details, result, start_time, estimated_completion,
	completion_time, release_after_seconds`

func (r *actionsRepo) CreateAction(ctx context.Context, a domain.Action) error {
	row, err := toRow(a)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.actionID, row.requestID, row.creatorID, row.status, row.displayStatus, row.label,
		row.monitorBy, row.manageBy, row.details, row.result, row.startTime, row.estimatedCompletion,
		row.completionTime, row.releaseAfterSeconds,
	)
	return mapConstraint(err)
}

func (r *actionsRepo) GetAction(ctx context.Context, actionID string) (domain.Action, error) {
	return r.scanOne(r.q.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE action_id = ?`, actionID))
}

func (r *actionsRepo) GetActionByRequest(ctx context.Context, creatorID, requestID string) (domain.Action, error) {
	return r.scanOne(r.q.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE creator_id = ? AND request_id = ?`, creatorID, requestID))
}

func (r *actionsRepo) UpdateAction(ctx context.Context, a domain.Action) error {
	row, err := toRow(a)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `UPDATE actions
		SET status = ?, display_status = ?, details = ?, completion_time = ?
		WHERE action_id = ?`,
		row.status, row.displayStatus, row.details, row.completionTime, row.actionID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *actionsRepo) DeleteAction(ctx context.Context, actionID string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM action_log WHERE action_id = ?`, actionID); err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `DELETE FROM actions WHERE action_id = ?`, actionID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *actionsRepo) DeleteExpiredActions(ctx context.Context, now time.Time) (int64, error) {
	const expired = `completion_time IS NOT NULL
		AND completion_time + release_after_seconds * 1000 <= ?`

	nowMS := now.UnixMilli()
	if _, err := r.q.ExecContext(ctx, `DELETE FROM action_log WHERE action_id IN
		(SELECT action_id FROM actions WHERE `+expired+`)`, nowMS); err != nil {
		return 0, err
	}
	res, err := r.q.ExecContext(ctx, `DELETE FROM actions WHERE `+expired, nowMS)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *actionsRepo) AppendLog(ctx context.Context, actionID string, e domain.LogEntry) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO action_log (action_id, logged_at, code, description) VALUES (?, ?, ?, ?)`,
		actionID, e.Time.UnixMilli(), e.Code, e.Description,
	)
	return err
}

func (r *actionsRepo) ListLog(ctx context.Context, actionID string, limit int) ([]domain.LogEntry, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT logged_at, code, description FROM action_log
		WHERE action_id = ? ORDER BY id LIMIT ?`, actionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.LogEntry{}
	for rows.Next() {
		var (
			e  domain.LogEntry
			ms int64
		)
		if err := rows.Scan(&ms, &e.Code, &e.Description); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ms).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// actionRow is the column form of domain.Action. Times are unix milliseconds
// and lists and maps are JSON.
type actionRow struct {
	actionID            string
	requestID           string
	creatorID           string
	status              string
	displayStatus       string
	label               string
	monitorBy           string
	manageBy            string
	details             string
	result              string
	startTime           int64
	estimatedCompletion int64
	completionTime      sql.NullInt64
	releaseAfterSeconds int64
}

func toRow(a domain.Action) (actionRow, error) {
	row := actionRow{
		actionID:            a.ActionID,
		requestID:           a.RequestID,
		creatorID:           a.CreatorID,
		status:              string(a.Status),
		displayStatus:       a.DisplayStatus,
		label:               a.Label,
		startTime:           a.StartTime.UnixMilli(),
		estimatedCompletion: a.EstimatedCompletion.UnixMilli(),
		releaseAfterSeconds: int64(a.ReleaseAfter / time.Second),
	}
	if a.CompletionTime != nil {
		row.completionTime = sql.NullInt64{Int64: a.CompletionTime.UnixMilli(), Valid: true}
	}

	var err error
	if row.monitorBy, err = encodeJSON(a.MonitorBy, "[]"); err != nil {
		return row, err
	}
	if row.manageBy, err = encodeJSON(a.ManageBy, "[]"); err != nil {
		return row, err
	}
	if row.details, err = encodeJSON(a.Details, "{}"); err != nil {
		return row, err
	}
	if row.result, err = encodeJSON(a.Result, "{}"); err != nil {
		return row, err
	}
	return row, nil
}

func encodeJSON[T any](v T, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func (r *actionsRepo) scanOne(row *sql.Row) (domain.Action, error) {
	var ar actionRow
	err := row.Scan(
		&ar.actionID, &ar.requestID, &ar.creatorID, &ar.status, &ar.displayStatus, &ar.label,
		&ar.monitorBy, &ar.manageBy, &ar.details, &ar.result, &ar.startTime, &ar.estimatedCompletion,
		&ar.completionTime, &ar.releaseAfterSeconds,
	)
	if err != nil {
		return domain.Action{}, mapNotFound(err)
	}
	return mapAction(ar)
}

func mapAction(ar actionRow) (domain.Action, error) {
	a := domain.Action{
		ActionID:            ar.actionID,
		RequestID:           ar.requestID,
		CreatorID:           ar.creatorID,
		Status:              domain.ActionStatusValue(ar.status),
		DisplayStatus:       ar.displayStatus,
		Label:               ar.label,
		StartTime:           time.UnixMilli(ar.startTime).UTC(),
		EstimatedCompletion: time.UnixMilli(ar.estimatedCompletion).UTC(),
		ReleaseAfter:        time.Duration(ar.releaseAfterSeconds) * time.Second,
	}
	if ar.completionTime.Valid {
		t := time.UnixMilli(ar.completionTime.Int64).UTC()
		a.CompletionTime = &t
	}

	for _, c := range []struct {
		raw    string
		target any
	}{
		{ar.monitorBy, &a.MonitorBy},
		{ar.manageBy, &a.ManageBy},
		{ar.details, &a.Details},
		{ar.result, &a.Result},
	} {
		if err := json.Unmarshal([]byte(c.raw), c.target); err != nil {
			return domain.Action{}, fmt.Errorf("decode column: %w", err)
		}
	}
	return a, nil
}
