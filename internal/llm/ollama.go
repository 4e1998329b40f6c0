package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"llamaterm/internal/logging"
)

// OllamaClient implements Provider against a local Ollama server.
type OllamaClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// OllamaConfig holds configuration for the Ollama client.
type OllamaConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultOllamaConfig returns sensible defaults for a local server.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		BaseURL: "http://localhost:11434",
		Timeout: 10 * time.Minute, // local models can be slow to load and generate
	}
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = DefaultOllamaConfig().BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultOllamaConfig().Timeout
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		timeout: config.Timeout,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Kind identifies the backend.
func (c *OllamaClient) Kind() Kind { return KindOllama }

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model              string        `json:"model"`
	CreatedAt          time.Time     `json:"created_at"`
	Message            ollamaMessage `json:"message"`
	Done               bool          `json:"done"`
	DoneReason         string        `json:"done_reason"`
	Error              string        `json:"error"`
	TotalDuration      int64         `json:"total_duration"`
	LoadDuration       int64         `json:"load_duration"`
	PromptEvalCount    int           `json:"prompt_eval_count"`
	PromptEvalDuration int64         `json:"prompt_eval_duration"`
	EvalCount          int           `json:"eval_count"`
	EvalDuration       int64         `json:"eval_duration"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		ModifiedAt time.Time `json:"modified_at"`
		Size       int64     `json:"size"`
	} `json:"models"`
}

func ollamaHistory(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, len(msgs))
	for i, m := range msgs {
		out[i] = ollamaMessage{Role: m.Role, Content: m.Content, Images: m.Images}
	}
	return out
}

func ollamaOpts(req Request) *ollamaOptions {
	return &ollamaOptions{Temperature: req.Temperature, NumCtx: req.NumCtx}
}

// Stream opens a streaming chat call. Ollama answers with one JSON
// object per line; the final line carries done:true plus eval metrics.
func (c *OllamaClient) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := withDeadline(ctx, c.timeout)

	body := ollamaChatRequest{
		Model:    req.Model,
		Messages: ollamaHistory(req.Messages),
		Stream:   true,
		Options:  ollamaOpts(req),
	}
	data, err := json.Marshal(body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	logging.ProviderDebug("[Ollama] Stream: model=%s messages=%d", req.Model, len(req.Messages))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &ollamaStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

type ollamaStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	cancel    context.CancelFunc
	done      bool
	closeOnce sync.Once
}

func (s *ollamaStream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		var ev ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			logging.ProviderDebug("[Ollama] Next: skipping malformed line: %v", err)
			continue
		}
		if ev.Error != "" {
			s.done = true
			return Chunk{}, fmt.Errorf("api error: %s", ev.Error)
		}
		ch := Chunk{Content: ev.Message.Content, Done: ev.Done}
		if ev.Done {
			s.done = true
			ch.Meta = &Meta{
				CreatedAt:          ev.CreatedAt,
				TotalDuration:      time.Duration(ev.TotalDuration),
				LoadDuration:       time.Duration(ev.LoadDuration),
				PromptEvalCount:    ev.PromptEvalCount,
				PromptEvalDuration: time.Duration(ev.PromptEvalDuration),
				EvalCount:          ev.EvalCount,
				EvalDuration:       time.Duration(ev.EvalDuration),
			}
			ch.Usage = &Usage{
				InputTokens:  ev.PromptEvalCount,
				OutputTokens: ev.EvalCount,
				TotalTokens:  ev.PromptEvalCount + ev.EvalCount,
			}
		}
		return ch, nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("stream read failed: %w", err)
	}
	return Chunk{}, io.EOF
}

func (s *ollamaStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
	})
	return nil
}

// Complete performs a blocking, non-streaming chat call.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()

	body := ollamaChatRequest{
		Model:    req.Model,
		Messages: ollamaHistory(req.Messages),
		Stream:   false,
		Options:  ollamaOpts(req),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out ollamaChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("api error: %s", out.Error)
	}

	logging.Provider("[Ollama] Complete: model=%s took=%v response_len=%d", req.Model, time.Since(start), len(out.Message.Content))
	return out.Message.Content, nil
}

// ListModels returns the locally available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tags request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tags request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var tags ollamaTagsResponse
	if err := json.Unmarshal(respBody, &tags); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{Name: m.Name, ModifiedAt: m.ModifiedAt, Size: m.Size})
	}
	return models, nil
}
