package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dyadlabs/dyad-server/internal/store"
)

// Analyzer produces the conversation analysis from a composed prompt.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}

// ChatClient calls an OpenAI-compatible chat-completions endpoint.
type ChatClient struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

// NewChatClient creates an analysis client.
func NewChatClient(url, model, apiKey string, timeout time.Duration) *ChatClient {
	return &ChatClient{
		url:    url,
		model:  model,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You analyze transcribed voice conversations between partners. " +
	"Respond with a constructive, structured analysis of the conversation."

func (cc *ChatClient) Analyze(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: cc.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cc.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+cc.apiKey)
	}

	resp, err := cc.client.Do(req)
	if err != nil {
		return "", &ProviderError{Msg: "analysis request failed", cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Msg: "read analysis response", cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", providerStatusError("analysis", resp.StatusCode, body)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &ProviderError{Msg: "decode analysis response", cause: err}
	}
	if len(result.Choices) == 0 {
		return "", &ProviderError{Msg: "analysis response has no choices"}
	}
	return result.Choices[0].Message.Content, nil
}

// composePrompt builds the analysis prompt from the conversation mode and
// the per-slot transcripts.
func composePrompt(c *store.Conversation, audios []store.Audio) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation mode: %s.\n", c.Mode)
	if c.RecordingType == store.RecordingLive {
		b.WriteString("Both partners were recorded together in one track.\n\n")
	} else {
		b.WriteString("Each partner recorded their side separately.\n\n")
	}
	for _, a := range audios {
		if a.Transcript == nil {
			continue
		}
		fmt.Fprintf(&b, "Recording %q:\n%s\n\n", a.AudioKey, *a.Transcript)
	}
	return strings.TrimSpace(b.String())
}

// combineTranscripts joins the per-audio transcripts into the
// conversation-level transcript stored on completion.
func combineTranscripts(audios []store.Audio) string {
	var parts []string
	for _, a := range audios {
		if a.Transcript != nil && *a.Transcript != "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", a.AudioKey, *a.Transcript))
		}
	}
	return strings.Join(parts, "\n\n")
}
