package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// collectStream drains a stream into its content deltas and the
// terminal chunk, closing it afterwards.
func collectStream(t *testing.T, s Stream) ([]string, Chunk) {
	t.Helper()
	defer s.Close()

	var deltas []string
	for {
		ch, err := s.Next()
		if errors.Is(err, io.EOF) {
			return deltas, Chunk{}
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if ch.Done {
			return deltas, ch
		}
		if ch.Content != "" {
			deltas = append(deltas, ch.Content)
		}
	}
}

func TestOllamaStreamChunks(t *testing.T) {
	var gotReq ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected /api/chat, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"model":"llama3","created_at":"2025-01-02T03:04:05Z","message":{"role":"assistant","content":"Hel"},"done":false}` + "\n"))
		w.Write([]byte(`{"model":"llama3","created_at":"2025-01-02T03:04:05Z","message":{"role":"assistant","content":"lo"},"done":false}` + "\n"))
		w.Write([]byte(`{"model":"llama3","created_at":"2025-01-02T03:04:06Z","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","total_duration":2000000000,"load_duration":100000000,"prompt_eval_count":10,"prompt_eval_duration":200000000,"eval_count":5,"eval_duration":1500000000}` + "\n"))
	}))
	defer server.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: server.URL})

	stream, err := client.Stream(context.Background(), Request{
		Model:       "llama3",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: 0.5,
		NumCtx:      2048,
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
	if final.Meta == nil {
		t.Fatal("Expected Meta on terminal chunk")
	}
	if final.Meta.TotalDuration != 2*time.Second {
		t.Errorf("TotalDuration = %v, want 2s", final.Meta.TotalDuration)
	}
	if final.Meta.EvalCount != 5 {
		t.Errorf("EvalCount = %d, want 5", final.Meta.EvalCount)
	}
	if final.Usage == nil || final.Usage.InputTokens != 10 || final.Usage.OutputTokens != 5 || final.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want 10/5/15", final.Usage)
	}

	// Terminal chunk consumed; the stream must now report EOF.
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after terminal chunk, got %v", err)
	}

	if gotReq.Model != "llama3" || !gotReq.Stream {
		t.Errorf("Request = %+v, want model llama3 with stream:true", gotReq)
	}
	if gotReq.Options == nil || gotReq.Options.Temperature != 0.5 || gotReq.Options.NumCtx != 2048 {
		t.Errorf("Options = %+v, want temperature 0.5 num_ctx 2048", gotReq.Options)
	}
}

func TestOllamaStreamAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"model 'missing' not found"}` + "\n"))
	}))
	defer server.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: server.URL})

	stream, err := client.Stream(context.Background(), Request{Model: "missing"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	_, err = stream.Next()
	if err == nil {
		t.Fatal("Expected error from stream")
	}
	if got := ExtractErrorMessage(err); got != "api error: model 'missing' not found" && got != "model 'missing' not found" {
		t.Errorf("Unexpected extracted message: %q", got)
	}
}

func TestOllamaStreamHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'missing' not found"}`))
	}))
	defer server.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: server.URL})

	_, err := client.Stream(context.Background(), Request{Model: "missing"})
	if err == nil {
		t.Fatal("Expected error for HTTP 404")
	}
	if got := ExtractErrorMessage(err); got != "model 'missing' not found" {
		t.Errorf("ExtractErrorMessage = %q, want the body message", got)
	}
}

func TestOllamaComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("Complete must not request streaming")
		}
		w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"Blue Sky"},"done":true}`))
	}))
	defer server.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: server.URL})

	got, err := client.Complete(context.Background(), Request{Model: "llama3", Messages: []Message{{Role: "user", Content: "name it"}}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "Blue Sky" {
		t.Errorf("Complete = %q, want Blue Sky", got)
	}
}

func TestOllamaListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("Expected /api/tags, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3:latest","modified_at":"2025-01-02T03:04:05Z","size":4000000000},{"name":"qwen:7b","modified_at":"2025-02-03T04:05:06Z","size":5000000000}]}`))
	}))
	defer server.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: server.URL})

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("Expected 2 models, got %d", len(models))
	}
	if models[0].Name != "llama3:latest" || models[0].Size != 4000000000 {
		t.Errorf("First model = %+v", models[0])
	}
}
