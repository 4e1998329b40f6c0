// Package config loads and persists llamaterm settings.
//
// Settings live in a single YAML file (config.yaml under the data
// directory). A missing file is not an error: Load returns defaults so a
// fresh install works without any setup step. Environment variables
// override file values for the handful of knobs that change per machine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds all llamaterm configuration.
type Settings struct {
	// Data locations. ChatDir, PromptDir and ExportDir default to
	// subdirectories of DataDir when left empty.
	DataDir   string `yaml:"data_dir"`
	ChatDir   string `yaml:"chat_dir"`
	PromptDir string `yaml:"prompt_dir"`
	ExportDir string `yaml:"export_dir"`

	// Session behavior
	Chat ChatSettings `yaml:"chat"`

	// Provider endpoints
	Ollama OllamaSettings `yaml:"ollama"`
	OpenAI OpenAISettings `yaml:"openai"`
	Gemini GeminiSettings `yaml:"gemini"`

	// SQLite turn mirror
	History HistorySettings `yaml:"history"`

	// Store directory watcher
	Watcher WatcherSettings `yaml:"watcher"`

	// Logging
	Logging LoggingSettings `yaml:"logging"`
}

// ChatSettings configures session behavior.
type ChatSettings struct {
	// Keep sessions in memory only, never writing them to disk
	NoSaveChat bool `yaml:"no_save_chat"`

	// Title new sessions with a model call after the first exchange.
	// AutoNameProvider/AutoNameModel pick the naming model; when empty the
	// session's own provider and model are used.
	AutoNameSession  bool   `yaml:"auto_name_session"`
	AutoNameProvider string `yaml:"auto_name_provider"`
	AutoNameModel    string `yaml:"auto_name_model"`

	// Defaults applied to new sessions
	DefaultProvider    string  `yaml:"default_provider"`
	DefaultModel       string  `yaml:"default_model"`
	DefaultTemperature float64 `yaml:"default_temperature"`
}

// OllamaSettings configures the Ollama client.
type OllamaSettings struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// OpenAISettings configures the OpenAI-compatible client. BaseURL may point
// at any compatible endpoint (OpenAI, Groq, llama.cpp server, vLLM).
type OpenAISettings struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// GeminiSettings configures the Google Gemini client.
type GeminiSettings struct {
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// HistorySettings configures the SQLite mirror of completed turns.
type HistorySettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WatcherSettings configures the store directory watcher.
type WatcherSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Debounce string `yaml:"debounce"`
}

// LoggingSettings configures logging.
type LoggingSettings struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`
}

// Default returns the default settings rooted under ~/.llamaterm.
func Default() *Settings {
	s := defaults()
	s.applyDerivedPaths()
	return s
}

// defaults returns baseline values with the derived directory fields left
// empty so a data_dir read from file or environment can still reroot them.
func defaults() *Settings {
	return &Settings{
		DataDir: defaultDataDir(),

		Chat: ChatSettings{
			DefaultProvider:    "ollama",
			DefaultTemperature: 0.5,
		},

		Ollama: OllamaSettings{
			BaseURL: "http://localhost:11434",
			Timeout: "10m",
		},
		OpenAI: OpenAISettings{
			BaseURL: "https://api.openai.com/v1",
			Timeout: "10m",
		},
		Gemini: GeminiSettings{
			Timeout: "10m",
		},

		History: HistorySettings{
			Enabled: true,
		},

		Watcher: WatcherSettings{
			Enabled:  true,
			Debounce: "500ms",
		},

		Logging: LoggingSettings{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llamaterm"
	}
	return filepath.Join(home, ".llamaterm")
}

// DefaultPath returns the default settings file location.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load loads settings from a YAML file. A missing file yields defaults.
func Load(path string) (*Settings, error) {
	s := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.applyEnvOverrides()
			s.applyDerivedPaths()
			return s, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	s.applyEnvOverrides()
	s.applyDerivedPaths()

	return s, nil
}

// Save saves settings to a YAML file.
func (s *Settings) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (s *Settings) applyEnvOverrides() {
	if dir := os.Getenv("LLAMATERM_DATA_DIR"); dir != "" {
		s.DataDir = dir
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		s.Ollama.BaseURL = host
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		s.OpenAI.APIKey = key
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		s.OpenAI.BaseURL = url
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		s.Gemini.APIKey = key
	}
}

// applyDerivedPaths fills location fields that default relative to DataDir.
// Paths pinned in the settings file are left alone.
func (s *Settings) applyDerivedPaths() {
	if s.ChatDir == "" {
		s.ChatDir = filepath.Join(s.DataDir, "chats")
	}
	if s.PromptDir == "" {
		s.PromptDir = filepath.Join(s.DataDir, "prompts")
	}
	if s.ExportDir == "" {
		s.ExportDir = filepath.Join(s.DataDir, "md_exports")
	}
	if s.History.Path == "" {
		s.History.Path = filepath.Join(s.DataDir, "history.db")
	}
	if s.Logging.Dir == "" {
		s.Logging.Dir = filepath.Join(s.DataDir, "logs")
	}
}

// EnsureDirs creates the data directories if they do not exist.
func (s *Settings) EnsureDirs() error {
	for _, dir := range []string{s.DataDir, s.ChatDir, s.PromptDir, s.ExportDir, s.Logging.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// GetOllamaTimeout returns the Ollama request timeout as a duration.
func (s *Settings) GetOllamaTimeout() time.Duration {
	d, err := time.ParseDuration(s.Ollama.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetOpenAITimeout returns the OpenAI request timeout as a duration.
func (s *Settings) GetOpenAITimeout() time.Duration {
	d, err := time.ParseDuration(s.OpenAI.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetGeminiTimeout returns the Gemini request timeout as a duration.
func (s *Settings) GetGeminiTimeout() time.Duration {
	d, err := time.ParseDuration(s.Gemini.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetWatcherDebounce returns the watcher debounce interval as a duration.
func (s *Settings) GetWatcherDebounce() time.Duration {
	d, err := time.ParseDuration(s.Watcher.Debounce)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// ValidLogLevels lists accepted logging verbosities.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the settings.
func (s *Settings) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data directory not configured")
	}

	if !strings.HasPrefix(s.Ollama.BaseURL, "http://") && !strings.HasPrefix(s.Ollama.BaseURL, "https://") {
		return fmt.Errorf("ollama base URL must start with http:// or https://")
	}

	validLevel := false
	for _, l := range ValidLogLevels {
		if s.Logging.Level == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid log level: %s (valid: %v)", s.Logging.Level, ValidLogLevels)
	}

	return nil
}
