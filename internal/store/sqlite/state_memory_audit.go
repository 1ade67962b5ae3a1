package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/orcfabric/fabric/internal/store"
)

type stateRepo struct{ db *sql.DB }

func (r *stateRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *stateRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kv_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowMS())
	return err
}

func (r *stateRepo) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, key)
	return err
}

func (r *stateRepo) ListByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM kv_state WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			b = append(b, '\\')
		}
		b = append(b, c)
	}
	return string(b)
}

// --- Memory ---

type memoryRepo struct{ db *sql.DB }

func (r *memoryRepo) Store(ctx context.Context, m *store.MemoryEntry) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO memory (id, content, metadata, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, m.Content, string(meta), m.CreatedAt)
	return err
}

func (r *memoryRepo) StoreWithEmbedding(ctx context.Context, m *store.MemoryEntry, vector []float32) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memory (id, content, metadata, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, m.Content, string(meta), m.CreatedAt); err != nil {
		return err
	}
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memory_vectors (id, vector) VALUES (?, ?)`, m.ID, string(vecJSON)); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *memoryRepo) Get(ctx context.Context, id string) (*store.MemoryEntry, error) {
	var m store.MemoryEntry
	var meta sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT id, content, metadata, created_at FROM memory WHERE id = ?`, id).
		Scan(&m.ID, &m.Content, &meta, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
	}
	return &m, nil
}

// Search ranks stored vectors by cosine distance to queryVector. Returns
// empty when the vector index is absent (no rows in memory_vectors), per
// the store contract.
func (r *memoryRepo) Search(ctx context.Context, queryVector []float32, limit int) ([]*store.MemoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.metadata, m.created_at, v.vector
		FROM memory m JOIN memory_vectors v ON v.id = m.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		entry *store.MemoryEntry
		dist  float64
	}
	var candidates []scored
	for rows.Next() {
		var m store.MemoryEntry
		var meta, vecJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.Content, &meta, &m.CreatedAt, &vecJSON); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
		}
		var vec []float32
		if vecJSON.Valid {
			_ = json.Unmarshal([]byte(vecJSON.String), &vec)
		}
		candidates = append(candidates, scored{entry: &m, dist: cosineDistance(queryVector, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]*store.MemoryEntry, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, candidates[i].entry)
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return math.MaxFloat64
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.MaxFloat64
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func (r *memoryRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM memory WHERE id = ?`, id)
	return err
}

func (r *memoryRepo) Compact(ctx context.Context, olderThanMS int64) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM memory WHERE created_at < ?`, olderThanMS)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Audit ---

type auditRepo struct{ db *sql.DB }

func (r *auditRepo) Append(ctx context.Context, e *store.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, action, target_id, user_id, agent_id, result, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.Action, nullable(e.TargetID), nullable(e.UserID), nullable(e.AgentID), string(e.Result), string(details))
	return err
}

func (r *auditRepo) Query(ctx context.Context, f store.AuditFilter) ([]*store.AuditEntry, error) {
	query := `SELECT id, timestamp, action, target_id, user_id, agent_id, result, details FROM audit_log WHERE 1=1`
	var args []any
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Since != 0 {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	if f.Until != 0 {
		query += ` AND timestamp <= ?`
		args = append(args, f.Until)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: audit query: %w", err)
	}
	defer rows.Close()
	var out []*store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var targetID, userID, agentID, details sql.NullString
		var result string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &targetID, &userID, &agentID, &result, &details); err != nil {
			return nil, err
		}
		e.TargetID = targetID.String
		e.UserID = userID.String
		e.AgentID = agentID.String
		e.Result = store.AuditResult(result)
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
