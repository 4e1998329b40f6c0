package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"llamaterm/internal/bus"
	"llamaterm/internal/chat"
	"llamaterm/internal/config"
	"llamaterm/internal/llm"
	"llamaterm/internal/logging"
	"llamaterm/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose bool
	cfgPath string
	timeout time.Duration

	// Effective settings, loaded once in the root PersistentPreRunE.
	settings *config.Settings

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "llamaterm",
	Short: "llamaterm - terminal chat for local and remote LLM backends",
	Long: `llamaterm drives chat sessions against Ollama, OpenAI-compatible and
Gemini backends from the terminal.

Sessions and prompt templates persist as JSON documents under the data
directory and can be edited externally; a directory watcher keeps the
running process in sync. Completed turns are mirrored into a SQLite
history for cross-session search.

Run without arguments to start an interactive chat on a new session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger. Warn by default so streamed replies stay
		// clean on the terminal; --verbose opens the floodgates.
		zcfg := zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		settings, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		if err := settings.Validate(); err != nil {
			return fmt.Errorf("invalid settings: %w", err)
		}

		if err := logging.Initialize(settings.Logging.Dir, settings.Logging.Level); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: interactive chat on a fresh session
		return runChat(cmd, nil)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "Settings file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "One-shot generation timeout")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(modelsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// engine bundles the wired state engine behind every subcommand.
type engine struct {
	settings  *config.Settings
	bus       *bus.Bus
	providers *llm.Registry
	history   *store.History
	manager   *chat.Manager
	watcher   *chat.StoreWatcher
}

// openEngine builds the document stores, provider registry and manager,
// then hydrates the session and prompt registries from disk. The watcher
// only runs for long-lived commands. Callers must close the engine.
func openEngine(ctx context.Context, watch bool) (*engine, error) {
	if err := settings.EnsureDirs(); err != nil {
		return nil, err
	}

	chats, err := store.NewDocuments(settings.ChatDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat store: %w", err)
	}
	prompts, err := store.NewDocuments(settings.PromptDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open prompt store: %w", err)
	}

	providers := llm.NewRegistry()
	providers.Register(llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL: settings.Ollama.BaseURL,
		Timeout: settings.GetOllamaTimeout(),
	}))
	if settings.OpenAI.APIKey != "" {
		providers.Register(llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  settings.OpenAI.APIKey,
			BaseURL: settings.OpenAI.BaseURL,
			Timeout: settings.GetOpenAITimeout(),
		}))
	}
	if settings.Gemini.APIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:  settings.Gemini.APIKey,
			Timeout: settings.GetGeminiTimeout(),
		})
		if err != nil {
			logger.Warn("Gemini client unavailable", zap.Error(err))
		} else {
			providers.Register(gemini)
		}
	}

	policy := &chat.Policy{
		NoSaveChat:      settings.Chat.NoSaveChat,
		AutoNameSession: settings.Chat.AutoNameSession,
		AutoNameModel:   settings.Chat.AutoNameModel,
	}
	if settings.Chat.AutoNameProvider != "" {
		kind, err := llm.ParseKind(settings.Chat.AutoNameProvider)
		if err != nil {
			logger.Warn("ignoring auto-name provider", zap.Error(err))
		} else {
			policy.AutoNameProvider = kind
		}
	}

	var history *store.History
	if settings.History.Enabled {
		h, err := store.NewHistory(settings.History.Path)
		if err != nil {
			logger.Warn("history mirror unavailable", zap.Error(err))
		} else {
			history = h
		}
	}

	b := bus.New()
	manager := chat.NewManager(chat.Deps{
		Bus:       b,
		Chats:     chats,
		Prompts:   prompts,
		Providers: providers,
		Policy:    policy,
		History:   history,
		Sink:      eventLogSink{},
	})

	if err := manager.HydrateSessions(ctx); err != nil {
		return nil, fmt.Errorf("failed to hydrate sessions: %w", err)
	}
	if err := manager.HydratePrompts(ctx); err != nil {
		return nil, fmt.Errorf("failed to hydrate prompts: %w", err)
	}

	e := &engine{
		settings:  settings,
		bus:       b,
		providers: providers,
		history:   history,
		manager:   manager,
	}

	if watch && settings.Watcher.Enabled {
		w, err := chat.NewStoreWatcher(manager, settings.GetWatcherDebounce())
		if err != nil {
			logger.Warn("store watcher unavailable", zap.Error(err))
		} else if err := w.Start(ctx); err != nil {
			logger.Warn("store watcher failed to start", zap.Error(err))
		} else {
			e.watcher = w
		}
	}

	logger.Debug("engine ready",
		zap.String("data_dir", settings.DataDir),
		zap.Int("sessions", len(manager.Sessions())),
		zap.Int("prompts", len(manager.Prompts())))

	return e, nil
}

// close drains in-flight events before releasing the stores, so saves and
// renames triggered by the last turn land on disk.
func (e *engine) close() {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	e.bus.Close()
	if e.history != nil {
		e.history.Close()
	}
}

// defaultSessionConfig builds the provider config for new sessions from
// settings plus any command-line overrides.
func defaultSessionConfig() (llm.Config, error) {
	kind, err := llm.ParseKind(settings.Chat.DefaultProvider)
	if err != nil {
		return llm.Config{}, fmt.Errorf("invalid default provider: %w", err)
	}
	return llm.Config{
		Provider:    kind,
		Model:       settings.Chat.DefaultModel,
		Temperature: settings.Chat.DefaultTemperature,
	}, nil
}

// eventLogSink receives whatever bubbles to the manager unhandled and
// mirrors it into the debug log.
type eventLogSink struct{}

func (eventLogSink) Notify(ev bus.Event) {
	logger.Debug("engine event", zap.String("key", string(ev.Key())))
}
