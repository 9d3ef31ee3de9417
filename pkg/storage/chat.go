package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by point readers when no row matches.
var ErrNotFound = errors.New("not found")

// ChatTurn is one user/assistant exchange. Rows are immutable after insert.
type ChatTurn struct {
	ChatID    string         `json:"chatId"`
	SessionID string         `json:"sessionId"`
	Namespace string         `json:"namespace"`
	UserInput string         `json:"userInput"`
	AIOutput  string         `json:"aiOutput"`
	ModelUsed string         `json:"modelUsed,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StoreChatTurn persists the turn and returns its chat id, generating one
// when the caller left it empty. Storing the same chat id twice is a no-op:
// the original row wins.
func (e *Engine) StoreChatTurn(ctx context.Context, turn *ChatTurn) (string, error) {
	if turn == nil {
		return "", fmt.Errorf("chat turn is required")
	}
	if turn.ChatID == "" {
		turn.ChatID = uuid.NewString()
	}
	if turn.Namespace == "" {
		turn.Namespace = "default"
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	metadata, err := marshalJSON(turn.Metadata)
	if err != nil {
		return "", err
	}

	query := `
INSERT OR IGNORE INTO chat_history (chat_id, session_id, namespace, user_input, ai_output, model_used, timestamp, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`
	switch e.dialect {
	case dialectPostgres:
		query = e.rebind(`
INSERT INTO chat_history (chat_id, session_id, namespace, user_input, ai_output, model_used, timestamp, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (chat_id) DO NOTHING
`)
	case dialectMySQL:
		query = `
INSERT IGNORE INTO chat_history (chat_id, session_id, namespace, user_input, ai_output, model_used, timestamp, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`
	}

	_, err = e.db.ExecContext(ctx, query,
		turn.ChatID, turn.SessionID, turn.Namespace,
		turn.UserInput, turn.AIOutput, turn.ModelUsed,
		turn.Timestamp, metadata,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store chat turn: %w", err)
	}

	return turn.ChatID, nil
}

// GetChatTurn loads one turn by id.
func (e *Engine) GetChatTurn(ctx context.Context, chatID string) (*ChatTurn, error) {
	query := e.rebind(`
SELECT chat_id, session_id, namespace, user_input, ai_output, model_used, timestamp, metadata
FROM chat_history WHERE chat_id = ?
`)
	row := e.db.QueryRowContext(ctx, query, chatID)
	turn, err := scanChatTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat turn %s: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat turn: %w", err)
	}
	return turn, nil
}

// GetChatHistory returns the most recent turns in a namespace, newest first.
// A zero limit means 10.
func (e *Engine) GetChatHistory(ctx context.Context, namespace, sessionID string, limit int) ([]ChatTurn, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
SELECT chat_id, session_id, namespace, user_input, ai_output, model_used, timestamp, metadata
FROM chat_history WHERE namespace = ?
`
	args := []any{namespace}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY timestamp DESC, chat_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := e.db.QueryContext(ctx, e.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer rows.Close()

	var turns []ChatTurn
	for rows.Next() {
		turn, err := scanChatTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat turn: %w", err)
		}
		turns = append(turns, *turn)
	}
	return turns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChatTurn(row rowScanner) (*ChatTurn, error) {
	var (
		turn      ChatTurn
		modelUsed sql.NullString
		metadata  sql.NullString
	)
	err := row.Scan(
		&turn.ChatID, &turn.SessionID, &turn.Namespace,
		&turn.UserInput, &turn.AIOutput, &modelUsed,
		&turn.Timestamp, &metadata,
	)
	if err != nil {
		return nil, err
	}
	turn.ModelUsed = modelUsed.String
	if metadata.Valid && metadata.String != "" {
		turn.Metadata = unmarshalMap(metadata.String)
	}
	return &turn, nil
}
