package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/apperr"
	"github.com/dyadlabs/dyad-server/internal/pipeline"
	"github.com/dyadlabs/dyad-server/internal/store"
)

// fakeConvDB backs the conversation handler with the same admission rules
// the real store enforces.
type fakeConvDB struct {
	conv      *store.Conversation
	audioKeys []string
	createErr error
	nextID    int64
}

func (f *fakeConvDB) CreateConversation(_ context.Context, userID, mode string, rt store.RecordingType) (*store.Conversation, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.conv = &store.Conversation{ID: "c1", UserID: userID, Mode: mode, RecordingType: rt, Status: store.StatusWaiting}
	return f.conv, nil
}

func (f *fakeConvDB) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	if f.conv == nil || f.conv.ID != id {
		return nil, apperr.New(apperr.CodeConversationNotFound, "conversation not found")
	}
	return f.conv, nil
}

func (f *fakeConvDB) ListConversations(_ context.Context, userID string, limit, offset int) ([]store.Conversation, int, error) {
	if f.conv == nil || f.conv.UserID != userID {
		return nil, 0, nil
	}
	return []store.Conversation{*f.conv}, 1, nil
}

func (f *fakeConvDB) CheckAudioUploadConstraints(_ context.Context, conversationID, userID, audioKey string) error {
	if f.conv.UserID != userID {
		return apperr.New(apperr.CodeForbidden, "conversation belongs to another user")
	}
	if audioKey == "" {
		return apperr.New(apperr.CodeBadRequest, "audio_key is required")
	}
	for _, k := range f.audioKeys {
		if k == audioKey {
			return apperr.New(apperr.CodeDuplicateAudio, "audio slot already uploaded")
		}
	}
	if len(f.audioKeys) >= f.conv.RecordingType.MaxAudios() {
		return apperr.New(apperr.CodeTooManyAudios, "conversation audio slots exhausted")
	}
	return nil
}

func (f *fakeConvDB) CreateAudio(ctx context.Context, conversationID, userID, audioKey, filePath string) (*store.Audio, error) {
	if err := f.CheckAudioUploadConstraints(ctx, conversationID, userID, audioKey); err != nil {
		return nil, err
	}
	f.audioKeys = append(f.audioKeys, audioKey)
	f.nextID++
	return &store.Audio{
		ID:             f.nextID,
		ConversationID: conversationID,
		UserID:         userID,
		AudioKey:       audioKey,
		Status:         store.AudioUploaded,
	}, nil
}

func (f *fakeConvDB) ListAudios(_ context.Context, conversationID string) ([]store.Audio, error) {
	var out []store.Audio
	for i, k := range f.audioKeys {
		out = append(out, store.Audio{ID: int64(i + 1), ConversationID: conversationID, AudioKey: k})
	}
	return out, nil
}

type fakeQuota struct {
	allowErr error
	recorded int
}

func (f *fakeQuota) Allow(context.Context, string) error { return f.allowErr }

func (f *fakeQuota) Record(context.Context, string) error {
	f.recorded++
	return nil
}

type fakeAudioFiles struct {
	saved   map[string][]byte
	deleted []string
}

func (f *fakeAudioFiles) Save(_ context.Context, key string, data []byte, contentType string) error {
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[key] = data
	return nil
}

func (f *fakeAudioFiles) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, io.EOF
}

func (f *fakeAudioFiles) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeAudioFiles) Exists(_ context.Context, key string) bool {
	_, ok := f.saved[key]
	return ok
}

func (f *fakeAudioFiles) Type() string { return "fake" }

type fakeEnqueuer struct {
	jobs []pipeline.AudioJob
}

func (f *fakeEnqueuer) EnqueueAudio(aj pipeline.AudioJob) bool {
	f.jobs = append(f.jobs, aj)
	return true
}

type convFixture struct {
	db    *fakeConvDB
	quota *fakeQuota
	files *fakeAudioFiles
	pipe  *fakeEnqueuer
	mux   *chi.Mux
}

func newConvFixture() *convFixture {
	f := &convFixture{
		db:    &fakeConvDB{},
		quota: &fakeQuota{},
		files: &fakeAudioFiles{},
		pipe:  &fakeEnqueuer{},
	}
	h := NewConversationHandler(f.db, f.quota, f.files, f.pipe, zerolog.Nop())
	f.mux = chi.NewRouter()
	f.mux.Group(func(r chi.Router) {
		r.Use(RequireAuth(fakeSessions{userID: "u1"}))
		h.Routes(r)
	})
	return f
}

func (f *convFixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer tok")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	f.mux.ServeHTTP(rec, req)
	return rec
}

func multipartAudio(t *testing.T, audioKey string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if audioKey != "" {
		w.WriteField("audioKey", audioKey)
	}
	fw, err := w.CreateFormFile("audio", audioKey+".m4a")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	w.Close()
	return &buf, w.FormDataContentType()
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("non-JSON error body: %s", rec.Body)
	}
	return body.Code
}

func TestCreateConversation(t *testing.T) {
	t.Run("creates_and_records_quota", func(t *testing.T) {
		f := newConvFixture()
		rec := f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"conflict","recordingType":"separate"}`), "application/json")
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		var conv store.Conversation
		json.Unmarshal(rec.Body.Bytes(), &conv)
		if conv.Status != store.StatusWaiting {
			t.Errorf("status = %q", conv.Status)
		}
		if f.quota.recorded != 1 {
			t.Errorf("quota recorded %d times", f.quota.recorded)
		}
	})

	t.Run("quota_exceeded_blocks_create", func(t *testing.T) {
		f := newConvFixture()
		e := apperr.New(apperr.CodeQuotaExceeded, "weekly conversation limit reached")
		e.RetryAfter = 3600
		f.quota.allowErr = e
		rec := f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"m","recordingType":"live"}`), "application/json")
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Header().Get("Retry-After") != "3600" {
			t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
		}
		if f.db.conv != nil {
			t.Error("conversation should not be created")
		}
		if f.quota.recorded != 0 {
			t.Error("quota should not be recorded")
		}
	})

	t.Run("store_rejection_passes_through", func(t *testing.T) {
		f := newConvFixture()
		f.db.createErr = apperr.New(apperr.CodeBadRequest, "invalid recording type")
		rec := f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"m","recordingType":"nope"}`), "application/json")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
		if f.quota.recorded != 0 {
			t.Error("failed create must not burn quota")
		}
	})
}

func TestListConversations(t *testing.T) {
	f := newConvFixture()
	f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"m","recordingType":"live"}`), "application/json")

	rec := f.do(t, "GET", "/conversations", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp conversationListResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || len(resp.Conversations) != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Limit != 50 {
		t.Errorf("default limit = %d", resp.Limit)
	}

	bad := f.do(t, "GET", "/conversations?limit=zero", nil, "")
	if bad.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", bad.Code)
	}
}

func TestGetConversation(t *testing.T) {
	f := newConvFixture()
	f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"m","recordingType":"separate"}`), "application/json")

	body, ct := multipartAudio(t, "a", []byte("audio-bytes"))
	f.do(t, "POST", "/conversations/c1/audio", body, ct)

	rec := f.do(t, "GET", "/conversations/c1/", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp conversationDetailResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Audios) != 1 || resp.Audios[0].AudioKey != "a" {
		t.Errorf("audios = %+v", resp.Audios)
	}

	missing := f.do(t, "GET", "/conversations/nope/", nil, "")
	if missing.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", missing.Code)
	}
}

func TestUploadAudio(t *testing.T) {
	t.Run("accepts_and_enqueues", func(t *testing.T) {
		f := newConvFixture()
		f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"m","recordingType":"separate"}`), "application/json")

		body, ct := multipartAudio(t, "a", []byte("audio-bytes"))
		rec := f.do(t, "POST", "/conversations/c1/audio", body, ct)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		if _, ok := f.files.saved["c1/a"]; !ok {
			t.Error("file not saved under c1/a")
		}
		if len(f.pipe.jobs) != 1 || f.pipe.jobs[0].FileKey != "c1/a" {
			t.Errorf("jobs = %+v", f.pipe.jobs)
		}
	})

	t.Run("slot_exhaustion_sequence", func(t *testing.T) {
		f := newConvFixture()
		f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"m","recordingType":"separate"}`), "application/json")

		for _, key := range []string{"a", "b"} {
			body, ct := multipartAudio(t, key, []byte("x"))
			if rec := f.do(t, "POST", "/conversations/c1/audio", body, ct); rec.Code != http.StatusAccepted {
				t.Fatalf("upload %q: status = %d", key, rec.Code)
			}
		}

		body, ct := multipartAudio(t, "c", []byte("x"))
		rec := f.do(t, "POST", "/conversations/c1/audio", body, ct)
		if rec.Code != http.StatusConflict || errCode(t, rec) != string(apperr.CodeTooManyAudios) {
			t.Errorf("third slot: status = %d code = %s", rec.Code, rec.Body)
		}

		body, ct = multipartAudio(t, "a", []byte("x"))
		rec = f.do(t, "POST", "/conversations/c1/audio", body, ct)
		if rec.Code != http.StatusConflict || errCode(t, rec) != string(apperr.CodeDuplicateAudio) {
			t.Errorf("repeat slot: status = %d code = %s", rec.Code, rec.Body)
		}
	})

	t.Run("live_mode_single_slot", func(t *testing.T) {
		f := newConvFixture()
		f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"m","recordingType":"live"}`), "application/json")

		body, ct := multipartAudio(t, "mix", []byte("x"))
		if rec := f.do(t, "POST", "/conversations/c1/audio", body, ct); rec.Code != http.StatusAccepted {
			t.Fatalf("first upload: status = %d", rec.Code)
		}
		body, ct = multipartAudio(t, "other", []byte("x"))
		rec := f.do(t, "POST", "/conversations/c1/audio", body, ct)
		if rec.Code != http.StatusConflict || errCode(t, rec) != string(apperr.CodeTooManyAudios) {
			t.Errorf("second upload: status = %d code = %s", rec.Code, rec.Body)
		}
	})

	t.Run("rejected_upload_saves_nothing", func(t *testing.T) {
		f := newConvFixture()
		f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"m","recordingType":"live"}`), "application/json")

		body, ct := multipartAudio(t, "", []byte("x"))
		rec := f.do(t, "POST", "/conversations/c1/audio", body, ct)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		if len(f.files.saved) != 0 {
			t.Error("rejected upload must not touch storage")
		}
	})

	t.Run("empty_file_rejected", func(t *testing.T) {
		f := newConvFixture()
		f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"m","recordingType":"live"}`), "application/json")

		body, ct := multipartAudio(t, "mix", nil)
		rec := f.do(t, "POST", "/conversations/c1/audio", body, ct)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("wrong_owner_forbidden", func(t *testing.T) {
		f := newConvFixture()
		f.do(t, "POST", "/conversations", strings.NewReader(`{"mode":"m","recordingType":"live"}`), "application/json")
		f.db.conv.UserID = "someone-else"

		body, ct := multipartAudio(t, "mix", []byte("x"))
		rec := f.do(t, "POST", "/conversations/c1/audio", body, ct)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})
}
