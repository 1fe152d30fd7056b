package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dyadlabs/dyad-server/internal/apperr"
)

// Conversation statuses. Transitions are monotone: once a conversation is
// completed or failed its status never changes again.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// RecordingType selects the audio slot budget: one slot for live, two
// for separate.
type RecordingType string

const (
	RecordingSeparate RecordingType = "separate"
	RecordingLive     RecordingType = "live"
)

// MaxAudios returns the slot budget for this recording type.
func (r RecordingType) MaxAudios() int {
	if r == RecordingLive {
		return 1
	}
	return 2
}

func (r RecordingType) valid() bool {
	return r == RecordingSeparate || r == RecordingLive
}

// allowedTransitions is the conversation status machine. Absent entries
// are ignored writes, not errors.
var allowedTransitions = map[Status][]Status{
	StatusWaiting:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// canTransition reports whether from may move to to.
func canTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Conversation struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Mode          string        `json:"mode"`
	RecordingType RecordingType `json:"recording_type"`
	Status        Status        `json:"status"`
	Transcript    *string       `json:"transcript,omitempty"`
	Analysis      *string       `json:"analysis,omitempty"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

const conversationColumns = `id, user_id, mode, recording_type, status, transcript, analysis, error_message, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.UserID, &c.Mode, &c.RecordingType, &c.Status,
		&c.Transcript, &c.Analysis, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts a new conversation in status waiting. The
// caller verifies quota before calling.
func (s *Store) CreateConversation(ctx context.Context, userID, mode string, recordingType RecordingType) (*Conversation, error) {
	if mode == "" {
		return nil, apperr.New(apperr.CodeBadRequest, "mode is required")
	}
	if !recordingType.valid() {
		return nil, apperr.New(apperr.CodeBadRequest, "recording_type must be separate or live")
	}

	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	c, err := scanConversation(s.Pool.QueryRow(ctx, `
		INSERT INTO conversations (id, user_id, mode, recording_type, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+conversationColumns+`
	`, newID(), userID, mode, recordingType, StatusWaiting))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(s.Pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeConversationNotFound, "conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns a user's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]Conversation, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM conversations WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *c)
	}
	if result == nil {
		result = []Conversation{}
	}
	return result, total, rows.Err()
}

// TransitionConversation moves a conversation to the given status when
// the status machine allows it. Disallowed writes are ignored and report
// applied=false; the caller decides whether that matters.
func (s *Store) TransitionConversation(ctx context.Context, id string, to Status) (bool, error) {
	var from []string
	for f := range allowedTransitions {
		if canTransition(f, to) {
			from = append(from, string(f))
		}
	}

	tag, err := s.Pool.Exec(ctx, `
		UPDATE conversations SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)
	`, id, string(to), from)
	if err != nil {
		return false, fmt.Errorf("transition conversation: %w", err)
	}
	applied := tag.RowsAffected() > 0
	if !applied {
		s.log.Debug().Str("conversation_id", id).Str("to", string(to)).Msg("status transition ignored")
	}
	return applied, nil
}

// CompleteConversation stores the analysis result and moves the
// conversation to completed in one guarded write.
func (s *Store) CompleteConversation(ctx context.Context, id, transcript, analysis string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE conversations SET
			status = $2, transcript = $3, analysis = $4, updated_at = now()
		WHERE id = $1 AND status = $5
	`, id, StatusCompleted, transcript, analysis, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("complete conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailConversation records a redacted error and moves the conversation to
// failed. Already-terminal conversations are untouched.
func (s *Store) FailConversation(ctx context.Context, id, errorMessage string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE conversations SET
			status = $2, error_message = $3, updated_at = now()
		WHERE id = $1 AND status = ANY($4)
	`, id, string(StatusFailed), errorMessage, []string{string(StatusWaiting), string(StatusProcessing)})
	if err != nil {
		return false, fmt.Errorf("fail conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
