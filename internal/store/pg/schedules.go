package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/orcfabric/fabric/internal/store"
)

type scheduleRepo struct{ db *sql.DB }

const scheduleColumns = `id, kind, expression, timezone, template, next_run_ms, last_run_ms, enabled`

func (r *scheduleRepo) Create(ctx context.Context, s *store.Schedule) error {
	tmpl, err := json.Marshal(s.Template)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, kind, expression, timezone, template, next_run_ms, last_run_ms, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, string(s.Kind), s.Expression, s.Timezone, string(tmpl), s.NextRunMS, s.LastRunMS, s.Enabled)
	return err
}

func scanSchedule(row interface{ Scan(...any) error }) (*store.Schedule, error) {
	var s store.Schedule
	var kind, tmpl string
	var lastRun sql.NullInt64
	if err := row.Scan(&s.ID, &kind, &s.Expression, &s.Timezone, &tmpl, &s.NextRunMS, &lastRun, &s.Enabled); err != nil {
		return nil, err
	}
	s.Kind = store.ScheduleKind(kind)
	if lastRun.Valid {
		v := lastRun.Int64
		s.LastRunMS = &v
	}
	_ = json.Unmarshal([]byte(tmpl), &s.Template)
	return &s, nil
}

func (r *scheduleRepo) Get(ctx context.Context, id string) (*store.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *scheduleRepo) Update(ctx context.Context, s *store.Schedule) error {
	tmpl, err := json.Marshal(s.Template)
	if err != nil {
		return err
	}
	tag, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET kind=$1, expression=$2, timezone=$3, template=$4, next_run_ms=$5, last_run_ms=$6, enabled=$7
		WHERE id=$8`,
		string(s.Kind), s.Expression, s.Timezone, string(tmpl), s.NextRunMS, s.LastRunMS, s.Enabled, s.ID)
	if err != nil {
		return err
	}
	return checkAffected(tag, s.ID)
}

func (r *scheduleRepo) List(ctx context.Context) ([]*store.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY next_run_ms ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *scheduleRepo) GetDue(ctx context.Context, nowMS int64) ([]*store.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled = true AND next_run_ms <= $1 ORDER BY next_run_ms ASC`, nowMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *scheduleRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	return err
}
