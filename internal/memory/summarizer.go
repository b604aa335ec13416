package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const summaryPrompt = `You condense chat history. Summarize the following conversation excerpt into a compact paragraph. Preserve facts the participants stated about themselves, decisions made, and open questions. Do not add commentary.`

// Summarizer produces a chunk summary for a batch of messages.
type Summarizer interface {
	Summarize(ctx context.Context, batch []Message, maxTokens int) (string, error)
}

// llmSummarizer calls an OpenAI-compatible chat completions endpoint.
type llmSummarizer struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewSummarizer(apiKey, baseURL, model string) Summarizer {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &llmSummarizer{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (l *llmSummarizer) Summarize(ctx context.Context, batch []Message, maxTokens int) (string, error) {
	if len(batch) == 0 {
		return "", fmt.Errorf("%w: empty batch", ErrSummarization)
	}

	var sb strings.Builder
	for _, m := range batch {
		sb.WriteString(m.Timestamp.Format("2006-01-02 15:04"))
		sb.WriteString(" ")
		sb.WriteString(m.Role)
		if m.UserID != "" {
			sb.WriteString("(")
			sb.WriteString(m.UserID)
			sb.WriteString(")")
		}
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	reqBody := chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: sb.String()},
		},
		MaxTokens: maxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal summary request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build summary request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummarization, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrSummarization, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrSummarization, resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrSummarization, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrSummarization, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrSummarization)
	}

	summary := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("%w: empty summary", ErrSummarization)
	}
	return summary, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
