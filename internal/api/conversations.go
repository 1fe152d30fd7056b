package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/dyadlabs/dyad-server/internal/apperr"
	"github.com/dyadlabs/dyad-server/internal/pipeline"
	"github.com/dyadlabs/dyad-server/internal/storage"
	"github.com/dyadlabs/dyad-server/internal/store"
)

// maxAudioUploadBytes caps a single audio upload.
const maxAudioUploadBytes = 25 << 20

// ConversationStore is the database surface for the conversation API.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID, mode string, recordingType store.RecordingType) (*store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]store.Conversation, int, error)
	CheckAudioUploadConstraints(ctx context.Context, conversationID, userID, audioKey string) error
	CreateAudio(ctx context.Context, conversationID, userID, audioKey, filePath string) (*store.Audio, error)
	ListAudios(ctx context.Context, conversationID string) ([]store.Audio, error)
}

// QuotaGate enforces the weekly free-tier limit.
type QuotaGate interface {
	Allow(ctx context.Context, userID string) error
	Record(ctx context.Context, userID string) error
}

// Enqueuer hands accepted audios to the processing pipeline.
type Enqueuer interface {
	EnqueueAudio(aj pipeline.AudioJob) bool
}

// ConversationHandler implements the conversation and audio-upload API.
type ConversationHandler struct {
	db       ConversationStore
	quota    QuotaGate
	files    storage.AudioStore
	pipeline Enqueuer
	log      zerolog.Logger
}

func NewConversationHandler(db ConversationStore, quota QuotaGate, files storage.AudioStore, pipe Enqueuer, log zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		db:       db,
		quota:    quota,
		files:    files,
		pipeline: pipe,
		log:      log.With().Str("handler", "conversations").Logger(),
	}
}

// Routes registers the conversation endpoints. The caller wraps them in
// RequireAuth; the per-conversation routes additionally load and
// ownership-check the resource.
func (h *ConversationHandler) Routes(r chi.Router) {
	r.Post("/conversations", h.Create)
	r.Get("/conversations", h.List)
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Use(RequireConversation(h.db))
		r.Get("/", h.Get)
		r.Post("/audio", h.UploadAudio)
	})
}

type createConversationRequest struct {
	Mode          string `json:"mode"`
	RecordingType string `json:"recordingType"`
}

// Create handles POST /api/v1/conversations. The quota counter is bumped
// only after the row exists so a failed insert never burns quota.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())

	var req createConversationRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteAppError(w, r, apperr.New(apperr.CodeBadRequest, "invalid request body"))
		return
	}

	if err := h.quota.Allow(r.Context(), userID); err != nil {
		WriteAppError(w, r, err)
		return
	}

	conv, err := h.db.CreateConversation(r.Context(), userID, req.Mode, store.RecordingType(req.RecordingType))
	if err != nil {
		WriteAppError(w, r, err)
		return
	}

	if err := h.quota.Record(r.Context(), userID); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("conversation_id", conv.ID).
			Msg("quota record failed after create")
	}

	WriteJSON(w, http.StatusCreated, conv)
}

type conversationListResponse struct {
	Conversations []store.Conversation `json:"conversations"`
	Total         int                  `json:"total"`
	Limit         int                  `json:"limit"`
	Offset        int                  `json:"offset"`
}

// List handles GET /api/v1/conversations, newest first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteAppError(w, r, apperr.New(apperr.CodeBadRequest, err.Error()))
		return
	}

	convs, total, err := h.db.ListConversations(r.Context(), UserID(r.Context()), p.Limit, p.Offset)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}

	WriteJSON(w, http.StatusOK, conversationListResponse{
		Conversations: convs,
		Total:         total,
		Limit:         p.Limit,
		Offset:        p.Offset,
	})
}

type conversationDetailResponse struct {
	*store.Conversation
	Audios []store.Audio `json:"audios"`
}

// Get handles GET /api/v1/conversations/{id}.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv := conversationFrom(r.Context())

	audios, err := h.db.ListAudios(r.Context(), conv.ID)
	if err != nil {
		WriteAppError(w, r, err)
		return
	}
	if audios == nil {
		audios = []store.Audio{}
	}

	WriteJSON(w, http.StatusOK, conversationDetailResponse{Conversation: conv, Audios: audios})
}

// UploadAudio handles POST /api/v1/conversations/{id}/audio. Admission is
// checked before the file touches storage, and again transactionally when
// the row is inserted; a row insert that loses the race cleans up the
// already-saved file.
func (h *ConversationHandler) UploadAudio(w http.ResponseWriter, r *http.Request) {
	conv := conversationFrom(r.Context())
	userID := UserID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadBytes)
	if err := r.ParseMultipartForm(maxAudioUploadBytes); err != nil {
		WriteAppError(w, r, apperr.New(apperr.CodeBadRequest, "invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	audioKey := r.FormValue("audioKey")
	if err := h.db.CheckAudioUploadConstraints(r.Context(), conv.ID, userID, audioKey); err != nil {
		WriteAppError(w, r, err)
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		WriteAppError(w, r, apperr.New(apperr.CodeBadRequest, "audio file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteAppError(w, r, apperr.New(apperr.CodeBadRequest, "failed to read audio file"))
		return
	}
	if len(data) == 0 {
		WriteAppError(w, r, apperr.New(apperr.CodeBadRequest, "audio file is empty"))
		return
	}

	fileKey := conv.ID + "/" + audioKey
	contentType := header.Header.Get("Content-Type")
	if err := h.files.Save(r.Context(), fileKey, data, contentType); err != nil {
		WriteAppError(w, r, apperr.Wrap(apperr.CodeUnexpected, "failed to store audio file", err))
		return
	}

	audio, err := h.db.CreateAudio(r.Context(), conv.ID, userID, audioKey, fileKey)
	if err != nil {
		if delErr := h.files.Delete(r.Context(), fileKey); delErr != nil {
			hlog.FromRequest(r).Warn().Err(delErr).Str("key", fileKey).
				Msg("orphaned audio file cleanup failed")
		}
		WriteAppError(w, r, err)
		return
	}

	if !h.pipeline.EnqueueAudio(pipeline.AudioJob{
		AudioID:        audio.ID,
		ConversationID: audio.ConversationID,
		UserID:         audio.UserID,
		AudioKey:       audio.AudioKey,
		FileKey:        fileKey,
	}) {
		hlog.FromRequest(r).Error().Int64("audio_id", audio.ID).
			Msg("pipeline enqueue rejected, audio stays uploaded")
	}

	WriteJSON(w, http.StatusAccepted, audio)
}
