package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"llamaterm/internal/logging"
)

// OpenAIClient implements Provider for OpenAI and OpenAI-compatible
// servers (the base URL is configurable).
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	retryBase  time.Duration
	httpClient *http.Client
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Timeout: 10 * time.Minute, // large context models need extended timeout
	}
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(config OpenAIConfig) *OpenAIClient {
	if config.BaseURL == "" {
		config.BaseURL = DefaultOpenAIConfig("").BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultOpenAIConfig("").Timeout
	}
	return &OpenAIClient{
		apiKey:    config.APIKey,
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		timeout:   config.Timeout,
		retryBase: time.Second,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Kind identifies the backend.
func (c *OpenAIClient) Kind() Kind { return KindOpenAI }

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// openaiMessage content is either a plain string or a list of content
// parts when the turn carries image attachments.
type openaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiChatRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Temperature   float64              `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta,omitempty"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

type openaiModelsResponse struct {
	Data []struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// dataURL wraps a base64 payload as a data URL, sniffing the image type.
func dataURL(b64 string) string {
	if strings.HasPrefix(b64, "data:") {
		return b64
	}
	mime := "image/png"
	if raw, err := base64.StdEncoding.DecodeString(b64); err == nil && len(raw) > 0 {
		mime = http.DetectContentType(raw)
	}
	return "data:" + mime + ";base64," + b64
}

func openaiHistory(msgs []Message) []openaiMessage {
	out := make([]openaiMessage, len(msgs))
	for i, m := range msgs {
		if len(m.Images) == 0 {
			out[i] = openaiMessage{Role: m.Role, Content: m.Content}
			continue
		}
		parts := make([]openaiContentPart, 0, len(m.Images)+1)
		parts = append(parts, openaiContentPart{Type: "text", Text: m.Content})
		for _, img := range m.Images {
			parts = append(parts, openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{URL: dataURL(img)}})
		}
		out[i] = openaiMessage{Role: m.Role, Content: parts}
	}
	return out
}

// Stream opens a streaming chat call. The server answers with SSE
// "data:" lines terminated by "[DONE]"; usage arrives on a trailing
// chunk with no choices and is folded into the terminal Chunk.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (Stream, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	ctx, cancel := withDeadline(ctx, c.timeout)

	body := openaiChatRequest{
		Model:       req.Model,
		Messages:    openaiHistory(req.Messages),
		Temperature: req.Temperature,
		Stream:      true,
		StreamOptions: &openaiStreamOptions{
			IncludeUsage: true,
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	logging.ProviderDebug("[OpenAI] Stream: model=%s messages=%d", req.Model, len(req.Messages))

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

	return &openaiStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

type openaiStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	cancel    context.CancelFunc
	usage     *Usage
	done      bool
	closeOnce sync.Once
}

func (s *openaiStream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.done = true
			return Chunk{Done: true, Usage: s.usage}, nil
		}

		var ev openaiChatResponse
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if ev.Error != nil {
			s.done = true
			return Chunk{}, fmt.Errorf("api error: %s", ev.Error.Message)
		}
		if ev.Usage != nil {
			s.usage = &Usage{
				InputTokens:  ev.Usage.PromptTokens,
				OutputTokens: ev.Usage.CompletionTokens,
				TotalTokens:  ev.Usage.TotalTokens,
			}
		}
		if len(ev.Choices) > 0 && ev.Choices[0].Delta != nil && ev.Choices[0].Delta.Content != "" {
			return Chunk{Content: ev.Choices[0].Delta.Content}, nil
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("stream read failed: %w", err)
	}
	return Chunk{}, io.EOF
}

func (s *openaiStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
	})
	return nil
}

// Complete performs a blocking chat call with retries on rate limits.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured")
	}

	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	body := openaiChatRequest{
		Model:       req.Model,
		Messages:    openaiHistory(req.Messages),
		Temperature: req.Temperature,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * c.retryBase)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("chat request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429): %s", strings.TrimSpace(string(respBody)))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}

		var out openaiChatResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if out.Error != nil {
			return "", fmt.Errorf("api error: %s", out.Error.Message)
		}
		if len(out.Choices) == 0 {
			return "", fmt.Errorf("no completion returned")
		}

		content := out.Choices[0].Message.Content
		logging.Provider("[OpenAI] Complete: model=%s took=%v response_len=%d", req.Model, time.Since(start), len(content))
		return content, nil
	}

	logging.ProviderError("[OpenAI] Complete: max retries exceeded after %v: %v", time.Since(start), lastErr)
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// ListModels returns the models the server advertises.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("models request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out openaiModelsResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	models := make([]ModelInfo, 0, len(out.Data))
	for _, m := range out.Data {
		info := ModelInfo{Name: m.ID, Description: m.OwnedBy}
		if m.Created > 0 {
			info.ModifiedAt = time.Unix(m.Created, 0)
		}
		models = append(models, info)
	}
	return models, nil
}
