package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Transcriber converts an audio stream into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions
// endpoint with multipart form data.
type WhisperClient struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

// NewWhisperClient creates a transcription client.
func NewWhisperClient(url, model, apiKey string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		url:    url,
		model:  model,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

// whisperResponse is the parsed provider response (json format).
type whisperResponse struct {
	Text string `json:"text"`
}

func (wc *WhisperClient) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("copy audio data: %w", err)
	}
	if wc.model != "" {
		w.WriteField("model", wc.model)
	}
	w.WriteField("response_format", "json")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if wc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+wc.apiKey)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return "", &ProviderError{Msg: "transcription request failed", cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Msg: "read transcription response", cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", providerStatusError("transcription", resp.StatusCode, body)
	}

	var result whisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &ProviderError{Msg: "decode transcription response", cause: err}
	}
	return result.Text, nil
}

// providerStatusError classifies an HTTP error status. 4xx responses are
// provider-reported validation failures and are not retried, except for
// timeouts (408) and throttling (429).
func providerStatusError(op string, status int, body []byte) *ProviderError {
	validation := status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
	return &ProviderError{
		Msg:        fmt.Sprintf("%s API error (status %d): %s", op, status, truncate(body, 200)),
		Validation: validation,
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
