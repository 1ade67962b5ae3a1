package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/orcfabric/fabric/internal/store"
)

type messageRepo struct{ db *sql.DB }

func (r *messageRepo) Create(ctx context.Context, m *store.Message) error {
	blocks, err := json.Marshal(m.Blocks)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, parent_message_id, role, content, blocks, created_at, token_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, nullable(m.ParentMessageID), string(m.Role), m.Content, string(blocks), m.CreatedAt, m.TokenCount)
	return err
}

func scanMessage(row interface{ Scan(...any) error }) (*store.Message, error) {
	var m store.Message
	var parent, blocks sql.NullString
	var role string
	var tokenCount sql.NullInt64
	if err := row.Scan(&m.ID, &m.SessionID, &parent, &role, &m.Content, &blocks, &m.CreatedAt, &tokenCount); err != nil {
		return nil, err
	}
	m.ParentMessageID = parent.String
	m.Role = store.MessageRole(role)
	if blocks.Valid && blocks.String != "" {
		_ = json.Unmarshal([]byte(blocks.String), &m.Blocks)
	}
	if tokenCount.Valid {
		tc := int(tokenCount.Int64)
		m.TokenCount = &tc
	}
	return &m, nil
}

func (r *messageRepo) Get(ctx context.Context, id string) (*store.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, session_id, parent_message_id, role, content, blocks, created_at, token_count FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (r *messageRepo) ListBySession(ctx context.Context, sessionID string, f store.MessageFilter) ([]*store.Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, session_id, parent_message_id, role, content, blocks, created_at, token_count FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if f.AfterID != "" {
		query += ` AND created_at > (SELECT created_at FROM messages WHERE id = ?)`
		args = append(args, f.AfterID)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *messageRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

func (r *messageRepo) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ValidateChain detects duplicate ids or a parent pointer cycle in a
// session's message history.
func (r *messageRepo) ValidateChain(ctx context.Context, sessionID string) (store.ChainValidation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, parent_message_id FROM messages WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return store.ChainValidation{}, err
	}
	defer rows.Close()

	parents := map[string]string{}
	seen := map[string]bool{}
	var order []string
	for rows.Next() {
		var id string
		var parent sql.NullString
		if err := rows.Scan(&id, &parent); err != nil {
			return store.ChainValidation{}, err
		}
		if seen[id] {
			return store.ChainValidation{Valid: false, BrokenAt: id}, nil
		}
		seen[id] = true
		order = append(order, id)
		parents[id] = parent.String
	}
	if err := rows.Err(); err != nil {
		return store.ChainValidation{}, err
	}

	for _, id := range order {
		visited := map[string]bool{}
		cur := id
		for cur != "" {
			if visited[cur] {
				return store.ChainValidation{Valid: false, BrokenAt: id}, nil
			}
			visited[cur] = true
			next, ok := parents[cur]
			if !ok {
				break
			}
			cur = next
		}
	}
	return store.ChainValidation{Valid: true}, nil
}

func (r *messageRepo) GetTokenCount(ctx context.Context, sessionID string) (int, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT SUM(token_count) FROM messages WHERE session_id = ? AND token_count IS NOT NULL`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sqlite: token count for session %s: %w", sessionID, err)
	}
	return int(total.Int64), nil
}
