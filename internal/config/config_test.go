package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	s := Default()
	if s.Chat.DefaultProvider != "ollama" {
		t.Errorf("expected DefaultProvider=ollama, got %s", s.Chat.DefaultProvider)
	}
	if s.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("expected Ollama BaseURL=http://localhost:11434, got %s", s.Ollama.BaseURL)
	}
	if s.ChatDir != filepath.Join(s.DataDir, "chats") {
		t.Errorf("expected ChatDir under DataDir, got %s", s.ChatDir)
	}
	if s.PromptDir != filepath.Join(s.DataDir, "prompts") {
		t.Errorf("expected PromptDir under DataDir, got %s", s.PromptDir)
	}
	if s.History.Path != filepath.Join(s.DataDir, "history.db") {
		t.Errorf("expected History.Path under DataDir, got %s", s.History.Path)
	}
}

func TestSettings_SaveLoad(t *testing.T) {
	// Ensure no env vars interfere
	t.Setenv("LLAMATERM_DATA_DIR", "")
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("GEMINI_API_KEY", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	s := Default()
	s.Chat.NoSaveChat = true
	s.Chat.DefaultModel = "llama3.1:8b"
	s.OpenAI.APIKey = "sk-test"

	if err := s.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !loaded.Chat.NoSaveChat {
		t.Error("expected NoSaveChat=true after round-trip")
	}
	if loaded.Chat.DefaultModel != "llama3.1:8b" {
		t.Errorf("expected DefaultModel=llama3.1:8b, got %s", loaded.Chat.DefaultModel)
	}
	if loaded.OpenAI.APIKey != "sk-test" {
		t.Errorf("expected APIKey=sk-test, got %s", loaded.OpenAI.APIKey)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("LLAMATERM_DATA_DIR", "")
	t.Setenv("OLLAMA_HOST", "")

	s, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("expected default Ollama BaseURL, got %s", s.Ollama.BaseURL)
	}
}

func TestLoad_DataDirReroot(t *testing.T) {
	t.Setenv("LLAMATERM_DATA_DIR", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /srv/llamaterm\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.ChatDir != filepath.Join("/srv/llamaterm", "chats") {
		t.Errorf("expected ChatDir rerooted under data_dir, got %s", s.ChatDir)
	}
	if s.Logging.Dir != filepath.Join("/srv/llamaterm", "logs") {
		t.Errorf("expected Logging.Dir rerooted under data_dir, got %s", s.Logging.Dir)
	}
}

func TestSettings_EnvOverrides(t *testing.T) {
	t.Setenv("LLAMATERM_DATA_DIR", "/tmp/lt-env")
	t.Setenv("OLLAMA_HOST", "http://ollama:11434")
	t.Setenv("OPENAI_API_KEY", "env-openai-key")
	t.Setenv("OPENAI_BASE_URL", "https://api.groq.com/openai/v1")
	t.Setenv("GEMINI_API_KEY", "env-gemini-key")

	s, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if s.DataDir != "/tmp/lt-env" {
		t.Errorf("expected DataDir=/tmp/lt-env, got %s", s.DataDir)
	}
	if s.ChatDir != filepath.Join("/tmp/lt-env", "chats") {
		t.Errorf("expected ChatDir under env data dir, got %s", s.ChatDir)
	}
	if s.Ollama.BaseURL != "http://ollama:11434" {
		t.Errorf("expected Ollama BaseURL from env, got %s", s.Ollama.BaseURL)
	}
	if s.OpenAI.APIKey != "env-openai-key" {
		t.Errorf("expected OpenAI APIKey from env, got %s", s.OpenAI.APIKey)
	}
	if s.OpenAI.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("expected OpenAI BaseURL from env, got %s", s.OpenAI.BaseURL)
	}
	if s.Gemini.APIKey != "env-gemini-key" {
		t.Errorf("expected Gemini APIKey from env, got %s", s.Gemini.APIKey)
	}
}

func TestSettings_Validate(t *testing.T) {
	s := Default()
	if err := s.Validate(); err != nil {
		t.Errorf("expected default settings to validate, got error: %v", err)
	}

	s.Ollama.BaseURL = "localhost:11434"
	if err := s.Validate(); err == nil {
		t.Error("expected validation error for ollama URL without scheme")
	}

	s = Default()
	s.Logging.Level = "loud"
	err := s.Validate()
	if err == nil {
		t.Error("expected validation error for invalid log level")
	} else if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestSettings_TimeoutHelpers(t *testing.T) {
	s := Default()

	if got := s.GetOllamaTimeout(); got != 10*time.Minute {
		t.Errorf("GetOllamaTimeout=%v, want 10m", got)
	}

	s.OpenAI.Timeout = "45s"
	if got := s.GetOpenAITimeout(); got != 45*time.Second {
		t.Errorf("GetOpenAITimeout=%v, want 45s", got)
	}

	// Unparseable values fall back to the default
	s.Gemini.Timeout = "soon"
	if got := s.GetGeminiTimeout(); got != 10*time.Minute {
		t.Errorf("GetGeminiTimeout=%v, want 10m fallback", got)
	}

	s.Watcher.Debounce = "250ms"
	if got := s.GetWatcherDebounce(); got != 250*time.Millisecond {
		t.Errorf("GetWatcherDebounce=%v, want 250ms", got)
	}
}

func TestSettings_EnsureDirs(t *testing.T) {
	tmpDir := t.TempDir()

	s := Default()
	s.DataDir = tmpDir
	s.ChatDir = filepath.Join(tmpDir, "chats")
	s.PromptDir = filepath.Join(tmpDir, "prompts")
	s.ExportDir = filepath.Join(tmpDir, "md_exports")
	s.Logging.Dir = filepath.Join(tmpDir, "logs")

	if err := s.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}

	for _, dir := range []string{s.ChatDir, s.PromptDir, s.ExportDir, s.Logging.Dir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}
