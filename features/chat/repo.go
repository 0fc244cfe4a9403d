package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) CreateSession(ctx context.Context, session *Session) error {
	query := `INSERT INTO chat_sessions (workspace_id, title) VALUES ($1, $2)
		RETURNING id, created_at`
	return r.db.QueryRowContext(ctx, query, session.WorkspaceID, session.Title).
		Scan(&session.ID, &session.CreatedAt)
}

func (r *PostgresRepo) GetSession(ctx context.Context, id string) (*Session, error) {
	session := &Session{}
	query := `SELECT id, workspace_id, title, created_at FROM chat_sessions WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&session.ID, &session.WorkspaceID, &session.Title, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// AppendMessage assigns the next sequence number inside the insert so
// concurrent appends to one session cannot collide; the unique
// constraint on (session_id, seq) backstops the race.
func (r *PostgresRepo) AppendMessage(ctx context.Context, msg *Message) error {
	citations, err := json.Marshal(msg.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}

	query := `INSERT INTO chat_messages (session_id, seq, role, content, citations)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = $1), $2, $3, $4)
		RETURNING id, seq, created_at`
	return r.db.QueryRowContext(ctx, query, msg.SessionID, msg.Role, msg.Content, citations).
		Scan(&msg.ID, &msg.Seq, &msg.CreatedAt)
}

func (r *PostgresRepo) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	query := `SELECT id, session_id, seq, role, content, citations, created_at
		FROM chat_messages WHERE session_id = $1 ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LastMessages returns up to n most recent messages in chronological
// order, the history window for the next turn.
func (r *PostgresRepo) LastMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	query := `SELECT id, session_id, seq, role, content, citations, created_at
		FROM chat_messages WHERE session_id = $1 ORDER BY seq DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var msg Message
		var citations []byte
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content, &citations, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &msg.Citations); err != nil {
				return nil, fmt.Errorf("unmarshal citations for message %s: %w", msg.ID, err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
