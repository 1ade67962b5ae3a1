package pg

import (
	"context"
	"database/sql"
	"encoding/json"

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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.SessionID, nullable(m.ParentMessageID), string(m.Role), m.Content, string(blocks), m.CreatedAt, m.TokenCount)
	return err
}

const messageColumns = `id, session_id, parent_message_id, role, content, blocks, created_at, token_count`

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
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
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
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = $1`
	args := []any{sessionID}
	if f.AfterID != "" {
		query += ` AND created_at > (SELECT created_at FROM messages WHERE id = $2)`
		args = append(args, f.AfterID)
	}
	query += ` ORDER BY created_at ASC LIMIT ` + placeholder(len(args)+1)
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
	_, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	return err
}

func (r *messageRepo) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *messageRepo) ValidateChain(ctx context.Context, sessionID string) (store.ChainValidation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, parent_message_id FROM messages WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
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
	err := r.db.QueryRowContext(ctx, `SELECT SUM(token_count) FROM messages WHERE session_id = $1 AND token_count IS NOT NULL`, sessionID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

func placeholder(n int) string {
	return "$" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
