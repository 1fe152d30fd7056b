package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dyadlabs/dyad-server/internal/apperr"
)

// Audio statuses.
const (
	AudioUploaded     = "uploaded"
	AudioTranscribing = "transcribing"
	AudioTranscribed  = "transcribed"
	AudioFailed       = "failed"
)

type Audio struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	AudioKey       string    `json:"audio_key"`
	FilePath       *string   `json:"-"`
	Transcript     *string   `json:"transcript,omitempty"`
	Status         string    `json:"status"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const audioColumns = `id, conversation_id, user_id, audio_key, file_path, transcript, status, error_message, created_at, updated_at`

func scanAudio(row pgx.Row) (*Audio, error) {
	var a Audio
	err := row.Scan(
		&a.ID, &a.ConversationID, &a.UserID, &a.AudioKey, &a.FilePath,
		&a.Transcript, &a.Status, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// admitAudio is the upload admission rule: the caller must own the
// conversation, the slot key must be unused, and the recording type's
// slot budget must not be exhausted.
func admitAudio(c *Conversation, userID string, existingKeys []string, audioKey string) error {
	if c.UserID != userID {
		return apperr.New(apperr.CodeForbidden, "conversation belongs to another user")
	}
	if audioKey == "" {
		return apperr.New(apperr.CodeBadRequest, "audio_key is required")
	}
	for _, k := range existingKeys {
		if k == audioKey {
			return apperr.New(apperr.CodeDuplicateAudio, "audio slot already uploaded")
		}
	}
	if len(existingKeys) >= c.RecordingType.MaxAudios() {
		return apperr.New(apperr.CodeTooManyAudios, "conversation audio slots exhausted")
	}
	return nil
}

// CheckAudioUploadConstraints runs the admission rule before any file is
// persisted. CreateAudio repeats the check transactionally; this
// pre-check exists so oversized uploads are rejected before storage I/O.
func (s *Store) CheckAudioUploadConstraints(ctx context.Context, conversationID, userID, audioKey string) error {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	keys, err := s.audioKeys(ctx, s.Pool, conversationID)
	if err != nil {
		return err
	}
	return admitAudio(c, userID, keys, audioKey)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) audioKeys(ctx context.Context, q querier, conversationID string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT audio_key FROM audios WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list audio keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CreateAudio admits and inserts an audio row in one transaction. The
// conversation row is locked so concurrent uploads cannot both pass the
// slot-budget check. The first accepted upload moves the conversation
// from waiting to processing.
func (s *Store) CreateAudio(ctx context.Context, conversationID, userID, audioKey, filePath string) (*Audio, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := scanConversation(tx.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
		FOR UPDATE
	`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeConversationNotFound, "conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}

	keys, err := s.audioKeys(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := admitAudio(c, userID, keys, audioKey); err != nil {
		return nil, err
	}

	a, err := scanAudio(tx.QueryRow(ctx, `
		INSERT INTO audios (conversation_id, user_id, audio_key, file_path, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+audioColumns+`
	`, conversationID, userID, audioKey, filePath, AudioUploaded))
	if err != nil {
		return nil, fmt.Errorf("insert audio: %w", err)
	}

	if c.Status == StatusWaiting {
		if _, err := tx.Exec(ctx, `
			UPDATE conversations SET status = $2, updated_at = now()
			WHERE id = $1 AND status = $3
		`, conversationID, string(StatusProcessing), string(StatusWaiting)); err != nil {
			return nil, fmt.Errorf("transition to processing: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return a, nil
}

// GetAudio returns an audio row by id.
func (s *Store) GetAudio(ctx context.Context, id int64) (*Audio, error) {
	a, err := scanAudio(s.Pool.QueryRow(ctx, `
		SELECT `+audioColumns+`
		FROM audios
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeAudioNotFound, "audio not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get audio: %w", err)
	}
	return a, nil
}

// ListAudios returns a conversation's audios in slot order.
func (s *Store) ListAudios(ctx context.Context, conversationID string) ([]Audio, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+audioColumns+`
		FROM audios
		WHERE conversation_id = $1
		ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list audios: %w", err)
	}
	defer rows.Close()

	var result []Audio
	for rows.Next() {
		a, err := scanAudio(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if result == nil {
		result = []Audio{}
	}
	return result, rows.Err()
}

// MarkAudioTranscribing flags the row while the provider call runs.
func (s *Store) MarkAudioTranscribing(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE audios SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, AudioTranscribing)
	if err != nil {
		return fmt.Errorf("mark audio transcribing: %w", err)
	}
	return nil
}

// MarkAudioTranscribed stores the transcript and drops the file path; the
// uploaded file is deleted by the pipeline once this write lands.
func (s *Store) MarkAudioTranscribed(ctx context.Context, id int64, transcript string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE audios SET
			status = $2, transcript = $3, file_path = NULL, updated_at = now()
		WHERE id = $1
	`, id, AudioTranscribed, transcript)
	if err != nil {
		return fmt.Errorf("mark audio transcribed: %w", err)
	}
	return nil
}

// MarkAudioFailed records a terminal transcription failure.
func (s *Store) MarkAudioFailed(ctx context.Context, id int64, errorMessage string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE audios SET
			status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`, id, AudioFailed, errorMessage)
	if err != nil {
		return fmt.Errorf("mark audio failed: %w", err)
	}
	return nil
}

// AudioStatusCounts is the per-conversation pipeline progress snapshot.
type AudioStatusCounts struct {
	Total       int
	Transcribed int
	Failed      int
}

// CountAudioStatuses reports how far a conversation's audios have moved
// through the pipeline. The coordinator uses it to decide when to start
// analysis or fail the conversation.
func (s *Store) CountAudioStatuses(ctx context.Context, conversationID string) (AudioStatusCounts, error) {
	var c AudioStatusCounts
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE status = $2),
			count(*) FILTER (WHERE status = $3)
		FROM audios
		WHERE conversation_id = $1
	`, conversationID, AudioTranscribed, AudioFailed).Scan(&c.Total, &c.Transcribed, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("count audio statuses: %w", err)
	}
	return c, nil
}
