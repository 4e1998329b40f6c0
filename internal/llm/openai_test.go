package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sseBody(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: ")
		b.WriteString(l)
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestOpenAIStreamChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("Expected test-key authorization")
		}
		var req openaiChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("Expected streaming request with usage, got %+v", req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
			`[DONE]`,
		)))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})

	stream, err := client.Stream(context.Background(), Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	deltas, final := collectStream(t, stream)

	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("Deltas = %v, want [Hel lo]", deltas)
	}
	if !final.Done {
		t.Fatal("Expected terminal done chunk")
	}
	if final.Usage == nil || final.Usage.InputTokens != 10 || final.Usage.OutputTokens != 5 || final.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want 10/5/15", final.Usage)
	}
}

func TestOpenAIStreamAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseBody(`{"error":{"message":"context length exceeded","type":"invalid_request_error"}}`)))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})

	stream, err := client.Stream(context.Background(), Request{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(); err == nil || !strings.Contains(err.Error(), "context length exceeded") {
		t.Errorf("Expected api error, got %v", err)
	}
}

func TestOpenAIStreamRequiresAPIKey(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{})
	if _, err := client.Stream(context.Background(), Request{Model: "gpt-4o-mini"}); err == nil {
		t.Fatal("Expected error without API key")
	}
}

func TestOpenAICompleteRetriesRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Green Grass"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	client.retryBase = time.Millisecond

	got, err := client.Complete(context.Background(), Request{Model: "gpt-4o-mini", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "Green Grass" {
		t.Errorf("Complete = %q", got)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", attempts)
	}
}

func TestOpenAIListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("Expected /models, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[{"id":"gpt-4o-mini","created":1715367049,"owned_by":"openai"}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 1 || models[0].Name != "gpt-4o-mini" {
		t.Errorf("Models = %+v", models)
	}
}

func TestOpenAIHistoryImageParts(t *testing.T) {
	msgs := openaiHistory([]Message{
		{Role: "user", Content: "what is this", Images: []string{"aGVsbG8="}},
	})

	data, err := json.Marshal(msgs)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, `"type":"text"`) || !strings.Contains(body, `"type":"image_url"`) {
		t.Errorf("Expected text and image_url parts, got %s", body)
	}
	if !strings.Contains(body, "base64,aGVsbG8=") {
		t.Errorf("Expected data URL payload, got %s", body)
	}
}

// Equivalent streams from the two HTTP backends must surface as the
// same delta sequence and usage, whatever the wire format.
func TestStreamEquivalenceAcrossBackends(t *testing.T) {
	ollamaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"Hel"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":"lo"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":10,"eval_count":5}` + "\n"))
	}))
	defer ollamaSrv.Close()

	openaiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
			`[DONE]`,
		)))
	}))
	defer openaiSrv.Close()

	req := Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}}

	fromOllama, err := NewOllamaClient(OllamaConfig{BaseURL: ollamaSrv.URL}).Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("ollama Stream failed: %v", err)
	}
	fromOpenAI, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: openaiSrv.URL}).Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("openai Stream failed: %v", err)
	}

	ollamaDeltas, ollamaFinal := collectStream(t, fromOllama)
	openaiDeltas, openaiFinal := collectStream(t, fromOpenAI)

	if diff := cmp.Diff(ollamaDeltas, openaiDeltas); diff != "" {
		t.Errorf("Delta sequences differ (-ollama +openai):\n%s", diff)
	}
	if diff := cmp.Diff(ollamaFinal.Usage, openaiFinal.Usage); diff != "" {
		t.Errorf("Usage differs (-ollama +openai):\n%s", diff)
	}
}
