package llm

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindOllama, KindOpenAI, KindGemini} {
		parsed, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", k.String(), err)
		}
		if parsed != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), parsed, k)
		}
	}

	if _, err := ParseKind("bedrock"); err == nil {
		t.Error("Expected error for unknown provider name")
	}
}

func TestKindParseIsCaseInsensitive(t *testing.T) {
	parsed, err := ParseKind(" OpenAI ")
	if err != nil {
		t.Fatalf("ParseKind failed: %v", err)
	}
	if parsed != KindOpenAI {
		t.Errorf("Expected KindOpenAI, got %v", parsed)
	}
}

func TestConfigJSONRoundTrip(t *testing.T) {
	cfg := Config{Provider: KindOpenAI, Model: "gpt-4o-mini", Temperature: 0.5, NumCtx: 2048}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got Config
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got != cfg {
		t.Errorf("Round trip mismatch: got %+v, want %+v", got, cfg)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal to map failed: %v", err)
	}
	if m["provider"] != "openai" {
		t.Errorf("Expected provider encoded as name, got %v", m["provider"])
	}
}

func TestIsPlaceholderModel(t *testing.T) {
	for _, name := range []string{"", "Select.BLANK", "None"} {
		if !IsPlaceholderModel(name) {
			t.Errorf("Expected %q to be a placeholder", name)
		}
	}
	if IsPlaceholderModel("llama3:latest") {
		t.Error("Real model name flagged as placeholder")
	}
}

func TestExtractErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "string error body",
			err:  errors.New(`chat request failed with status 404: {"error":"model 'x' not found"}`),
			want: "model 'x' not found",
		},
		{
			name: "object error body",
			err:  errors.New(`chat request failed with status 401: {"error":{"message":"invalid api key","type":"auth"}}`),
			want: "invalid api key",
		},
		{
			name: "plain error",
			err:  errors.New("connection refused"),
			want: "connection refused",
		},
		{
			name: "unparseable braces",
			err:  errors.New("weird {not json"),
			want: "weird {not json",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractErrorMessage(tt.err); got != tt.want {
				t.Errorf("ExtractErrorMessage = %q, want %q", got, tt.want)
			}
		})
	}

	if got := ExtractErrorMessage(nil); got != "" {
		t.Errorf("Expected empty string for nil error, got %q", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Get(KindOllama); err == nil {
		t.Fatal("Expected error for unregistered kind")
	}

	ollama := NewOllamaClient(DefaultOllamaConfig())
	openai := NewOpenAIClient(DefaultOpenAIConfig("test-key"))
	r.Register(openai)
	r.Register(ollama)

	got, err := r.Get(KindOllama)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != Provider(ollama) {
		t.Error("Get returned a different provider than registered")
	}

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != KindOllama || kinds[1] != KindOpenAI {
		t.Errorf("Kinds() = %v, want [ollama openai]", kinds)
	}
}

func TestStatsFromChunk(t *testing.T) {
	started := time.Now().Add(-2 * time.Second)
	first := started.Add(300 * time.Millisecond)

	t.Run("no metadata yields nil", func(t *testing.T) {
		if s := StatsFromChunk("m", started, first, Chunk{Done: true}); s != nil {
			t.Errorf("Expected nil stats, got %+v", s)
		}
	})

	t.Run("meta fills counts and durations", func(t *testing.T) {
		ch := Chunk{
			Done: true,
			Meta: &Meta{
				TotalDuration:      2 * time.Second,
				LoadDuration:       100 * time.Millisecond,
				PromptEvalCount:    10,
				PromptEvalDuration: 200 * time.Millisecond,
				EvalCount:          30,
				EvalDuration:       1500 * time.Millisecond,
			},
		}
		s := StatsFromChunk("llama3", started, first, ch)
		if s == nil {
			t.Fatal("Expected stats")
		}
		if s.Model != "llama3" {
			t.Errorf("Model = %q", s.Model)
		}
		if s.InputTokens != 10 || s.OutputTokens != 30 || s.TotalTokens != 40 {
			t.Errorf("Token counts = %d/%d/%d, want 10/30/40", s.InputTokens, s.OutputTokens, s.TotalTokens)
		}
		if s.TimeToFirstToken != 300*time.Millisecond {
			t.Errorf("TimeToFirstToken = %v", s.TimeToFirstToken)
		}
		if tps := s.TokensPerSecond(); tps != 20 {
			t.Errorf("TokensPerSecond = %v, want 20", tps)
		}
	})

	t.Run("usage wins over meta counts", func(t *testing.T) {
		ch := Chunk{
			Done:  true,
			Usage: &Usage{InputTokens: 11, OutputTokens: 22, TotalTokens: 33},
			Meta:  &Meta{PromptEvalCount: 1, EvalCount: 2},
		}
		s := StatsFromChunk("m", started, time.Time{}, ch)
		if s.InputTokens != 11 || s.OutputTokens != 22 || s.TotalTokens != 33 {
			t.Errorf("Token counts = %d/%d/%d, want 11/22/33", s.InputTokens, s.OutputTokens, s.TotalTokens)
		}
		if s.TimeToFirstToken != 0 {
			t.Errorf("Expected zero TimeToFirstToken when no token arrived, got %v", s.TimeToFirstToken)
		}
	})
}
