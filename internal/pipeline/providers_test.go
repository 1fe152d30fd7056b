package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWhisperClientTranscribe(t *testing.T) {
	var gotModel, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		gotAuth = r.Header.Get("Authorization")

		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			f.Close()
		}

		json.NewEncoder(w).Encode(map[string]string{"text": "hello world"})
	}))
	defer srv.Close()

	wc := NewWhisperClient(srv.URL, "whisper-1", "sk-test", 5*time.Second)
	text, err := wc.Transcribe(context.Background(), strings.NewReader("fake-audio"), "speaker_a")
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
	if gotModel != "whisper-1" {
		t.Errorf("model = %q", gotModel)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
}

func TestWhisperClientValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	wc := NewWhisperClient(srv.URL, "whisper-1", "", 5*time.Second)
	_, err := wc.Transcribe(context.Background(), strings.NewReader("x"), "a")

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
	if !pe.Validation {
		t.Error("413 should be a validation error")
	}
}

func TestWhisperClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wc := NewWhisperClient(srv.URL, "whisper-1", "", 5*time.Second)
	_, err := wc.Transcribe(context.Background(), strings.NewReader("x"), "a")

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
	if pe.Validation {
		t.Error("500 should be retryable")
	}
}

func TestChatClientAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "the analysis"}},
			},
		})
	}))
	defer srv.Close()

	cc := NewChatClient(srv.URL, "gpt-4o", "sk-test", 5*time.Second)
	out, err := cc.Analyze(context.Background(), "transcripts here")
	if err != nil {
		t.Fatal(err)
	}
	if out != "the analysis" {
		t.Errorf("out = %q", out)
	}
}

func TestChatClientEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	cc := NewChatClient(srv.URL, "gpt-4o", "", 5*time.Second)
	if _, err := cc.Analyze(context.Background(), "x"); err == nil {
		t.Error("empty choices should fail")
	}
}
