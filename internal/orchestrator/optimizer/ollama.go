package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"time"
)

const defaultOllamaURL = "http://localhost:11434/v1/chat/completions"

// OllamaProvider implements Provider against Ollama's OpenAI-compatible
// chat endpoint.
type OllamaProvider struct {
	endpoint string
	client   *http.Client
}

// NewOllamaProvider constructs an OllamaProvider. endpoint defaults to
// the local Ollama server when empty.
func NewOllamaProvider(endpoint string) *OllamaProvider {
	if endpoint == "" {
		endpoint = defaultOllamaURL
	}
	return &OllamaProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *OllamaProvider) Name() string { return "ollama" }

func (o *OllamaProvider) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	reqBody := chatCompletionRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		if isConnectionRefused(err) {
			return "", fmt.Errorf("ollama: connection refused (fetch failed): %w", err)
		}
		return "", fmt.Errorf("ollama: send request: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ollama: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama: api error (status %d): %s", resp.StatusCode, string(respData))
	}

	var apiResp chatCompletionResponse
	if err := json.Unmarshal(respData, &apiResp); err != nil {
		return "", fmt.Errorf("ollama: unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("ollama: empty response: no choices")
	}
	return apiResp.Choices[0].Message.Content, nil
}

// isConnectionRefused reports whether err is a refused TCP connection.
func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
