package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// fakeProvider scripts Complete/Stream answers and records the last
// request it saw.
type fakeProvider struct {
	kind    Kind
	reply   string
	err     error
	chunks  []Chunk
	lastReq Request
}

func (f *fakeProvider) Kind() Kind { return f.kind }

func (f *fakeProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &fakeStream{chunks: f.chunks}, nil
}

func (f *fakeProvider) Complete(ctx context.Context, req Request) (string, error) {
	f.lastReq = req
	return f.reply, f.err
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return nil, nil
}

type fakeStream struct {
	chunks []Chunk
	pos    int
}

func (s *fakeStream) Next() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

func (s *fakeStream) Close() error { return nil }

func TestSessionNamePlumbing(t *testing.T) {
	fake := &fakeProvider{kind: KindOllama, reply: "Blue Sky"}
	cfg := Config{Provider: KindOllama, Model: "titler", Temperature: 0.2}
	text := "#USER\nwhy is the sky blue?\n\n#ASSISTANT\nscattering"

	name, err := SessionName(context.Background(), fake, cfg, text)
	if err != nil {
		t.Fatalf("SessionName failed: %v", err)
	}
	if name != "Blue Sky" {
		t.Errorf("name = %q, want Blue Sky", name)
	}

	if fake.lastReq.Model != "titler" {
		t.Errorf("Model = %q, want titler", fake.lastReq.Model)
	}
	if len(fake.lastReq.Messages) != 2 {
		t.Fatalf("Expected system + user messages, got %d", len(fake.lastReq.Messages))
	}
	if fake.lastReq.Messages[0].Role != "system" || !strings.Contains(fake.lastReq.Messages[0].Content, "expert at naming things") {
		t.Errorf("System message = %+v", fake.lastReq.Messages[0])
	}
	if fake.lastReq.Messages[1].Role != "user" || fake.lastReq.Messages[1].Content != text {
		t.Errorf("User message = %+v", fake.lastReq.Messages[1])
	}
}

func TestSessionNameSanitizesAnswer(t *testing.T) {
	tests := []struct {
		reply string
		want  string
	}{
		{"  Green Grass  ", "Green Grass"},
		{"\"Green Grass\"", "Green Grass"},
		{"Green Grass\nBecause grass reflects green light.", "Green Grass"},
		{"'Tallest Mountain'\r\nmore", "Tallest Mountain"},
		{"", ""},
	}
	for _, tt := range tests {
		fake := &fakeProvider{reply: tt.reply}
		got, err := SessionName(context.Background(), fake, Config{Model: "m"}, "text")
		if err != nil {
			t.Fatalf("SessionName failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("SessionName(%q) = %q, want %q", tt.reply, got, tt.want)
		}
	}
}

func TestSessionNamePropagatesError(t *testing.T) {
	fake := &fakeProvider{err: errors.New("boom")}
	if _, err := SessionName(context.Background(), fake, Config{Model: "m"}, "text"); err == nil {
		t.Fatal("Expected error")
	}
}
