// Package main implements the chat commands: one-shot sends and the
// interactive loop that is llamaterm's default mode.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"llamaterm/internal/bus"
	"llamaterm/internal/chat"
	"llamaterm/internal/llm"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	chatSession     string
	chatProvider    string
	chatModel       string
	chatTemperature float64
	chatSystem      string
	chatPrompt      string
	chatNoSave      bool
	chatShowStats   bool
)

// chatCmd sends one message, or starts the interactive loop when no
// message is given.
var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Chat with a model",
	Long: `Sends a message and streams the reply to stdout.

Without a message the command enters an interactive loop. --session
continues an existing session (by id or name); otherwise a new session is
created. --prompt starts the session from a stored prompt template.

Examples:
  llamaterm chat "why is the sky blue?"
  llamaterm chat --session "Trip Notes" "and at sunset?"
  llamaterm chat --prompt code-review`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	if chatNoSave {
		settings.Chat.NoSaveChat = true
	}

	interactive := len(args) == 0
	ctx := context.Background()

	e, err := openEngine(ctx, interactive)
	if err != nil {
		return err
	}
	defer e.close()

	s, autoSubmit, err := resolveChatSession(e)
	if err != nil {
		return err
	}

	notifier := newTerminalNotifier(s, os.Stdout)
	s.Subscribe(notifier)
	defer s.Unsubscribe(notifier)

	if chatSystem != "" {
		s.SetSystemPrompt(chatSystem)
	}

	// A submit-on-load prompt ends with the turn its author wants sent
	// immediately: pop it and run it as the first turn.
	if autoSubmit {
		if last := s.LastUserMessage(); last != nil {
			text := last.Content
			s.Remove(last.NodeID())
			tctx, cancel := context.WithTimeout(ctx, timeout)
			sendTurn(tctx, e, s, text)
			cancel()
		}
	}

	if interactive {
		return runInteractiveChat(ctx, e, s)
	}

	text := strings.Join(args, " ")
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sendTurn(tctx, e, s, text)
	if chatShowStats {
		printStats(s)
	}
	return nil
}

// resolveChatSession picks the target session: --session by id or name,
// --prompt to instantiate a template, otherwise a fresh session. Flag
// overrides are applied after. The second return is true when the session
// came from a submit-on-load prompt.
func resolveChatSession(e *engine) (*chat.Session, bool, error) {
	cfg, err := defaultSessionConfig()
	if err != nil {
		return nil, false, err
	}
	if chatProvider != "" {
		kind, err := llm.ParseKind(chatProvider)
		if err != nil {
			return nil, false, err
		}
		cfg.Provider = kind
	}
	if chatModel != "" {
		cfg.Model = chatModel
	}
	if chatTemperature >= 0 {
		cfg.Temperature = chatTemperature
	}

	var s *chat.Session
	autoSubmit := false
	switch {
	case chatSession != "":
		s = e.manager.GetSession(chatSession, nil)
		if s == nil {
			s = e.manager.SessionByName(chatSession)
		}
		if s == nil {
			return nil, false, fmt.Errorf("session '%s' not found. Use 'llamaterm sessions list'", chatSession)
		}
		s.Load()
		if chatProvider != "" {
			s.SetProvider(cfg.Provider)
		}
		if chatModel != "" {
			s.SetModel(cfg.Model)
		}
		if chatTemperature >= 0 {
			s.SetTemperature(cfg.Temperature)
		}
	case chatPrompt != "":
		p := e.manager.GetPrompt(chatPrompt)
		if p == nil {
			p = e.manager.PromptByName(chatPrompt)
		}
		if p == nil {
			return nil, false, fmt.Errorf("prompt '%s' not found. Use 'llamaterm prompts list'", chatPrompt)
		}
		s = e.manager.PromptToSession(p.ID(), cfg)
		autoSubmit = p.SubmitOnLoad()
		fmt.Printf("📋 Started session %q from prompt %q\n", s.Name(), p.Name())
	default:
		s = e.manager.NewSession(e.manager.UniqueSessionName("New Chat"), cfg)
	}

	if !s.Config().IsModelSet() {
		return nil, false, fmt.Errorf("no model selected; pass --model or set chat.default_model in %s", cfgPath)
	}
	return s, autoSubmit, nil
}

// sendTurn runs one generation, stopping it on the first interrupt instead
// of killing the process. Errors are already rendered into the assistant
// message by the engine, so the return only signals completion.
func sendTurn(ctx context.Context, e *engine, s *chat.Session, text string) bool {
	if s.IsGenerating() {
		fmt.Fprintln(os.Stderr, "a generation is already running")
		return false
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			s.StopGeneration()
		case <-done:
		}
	}()

	ok := s.Send(ctx, text)
	close(done)
	signal.Stop(sigCh)

	// Let renames and saves triggered by the turn settle before the
	// history mirror reads the session.
	e.bus.Drain()
	if e.history != nil {
		if err := e.manager.SyncHistory(s.ID()); err != nil {
			logger.Warn("history sync failed", zap.Error(err))
		}
	}
	return ok
}

// runInteractiveChat is a plain line-oriented loop: every line is a turn,
// /commands manage the session.
func runInteractiveChat(ctx context.Context, e *engine, s *chat.Session) error {
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("💬 %s (%s, %s)\n", s.Name(), s.Provider(), s.Model())
	if n := s.Len(); n > 0 {
		fmt.Printf("Resuming with %d messages\n", n)
	}
	fmt.Println("Commands: /new, /name, /model, /temp, /system, /stats, /quit")
	fmt.Println(strings.Repeat("─", 60))

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runMetaCommand(e, s, line); quit {
				return nil
			}
			continue
		}

		sendTurn(ctx, e, s, line)
	}
}

// runMetaCommand handles /commands in the interactive loop. Returns true
// when the loop should exit.
func runMetaCommand(e *engine, s *chat.Session, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/q", "/exit":
		return true
	case "/new":
		name := rest
		if name == "" {
			name = "New Chat"
		}
		e.manager.ResetSession(s.ID(), e.manager.UniqueSessionName(name))
		fmt.Printf("✨ Started %q\n", s.Name())
	case "/name":
		if rest == "" {
			fmt.Println(s.Name())
			break
		}
		s.SetName(e.manager.UniqueSessionName(rest))
		fmt.Printf("✅ Renamed to %q\n", s.Name())
	case "/model":
		if rest == "" {
			fmt.Println(s.Model())
			break
		}
		s.SetModel(rest)
	case "/temp":
		if rest == "" {
			fmt.Println(s.Temperature())
			break
		}
		t, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			fmt.Printf("invalid temperature %q\n", rest)
			break
		}
		s.SetTemperature(t)
	case "/system":
		s.SetSystemPrompt(rest)
	case "/stats":
		printStats(s)
	case "/help":
		fmt.Println("Commands: /new [name], /name [name], /model [name], /temp [value], /system [text], /stats, /quit")
	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
	return false
}

func printStats(s *chat.Session) {
	st := s.Stats()
	if st == nil {
		fmt.Println("no stats recorded yet")
		return
	}
	fmt.Printf("📊 %s: %d in / %d out / %d total tokens", st.Model, st.InputTokens, st.OutputTokens, st.TotalTokens)
	if st.TimeToFirstToken > 0 {
		fmt.Printf(", first token %v", st.TimeToFirstToken.Round(time.Millisecond))
	}
	if st.EvalDuration > 0 && st.EvalCount > 0 {
		rate := float64(st.EvalCount) / st.EvalDuration.Seconds()
		fmt.Printf(", %.1f tok/s", rate)
	}
	fmt.Println()
}

// terminalNotifier streams assistant content to a writer as update events
// arrive, tracking how much of each message has been printed so every
// event writes only the new tail.
type terminalNotifier struct {
	session *chat.Session
	out     io.Writer
	printed map[string]int
}

func newTerminalNotifier(s *chat.Session, out io.Writer) *terminalNotifier {
	return &terminalNotifier{session: s, out: out, printed: make(map[string]int)}
}

// Notify implements chat.Notifier. It runs on the goroutine driving the
// generation, so reading the session here is safe.
func (t *terminalNotifier) Notify(ev bus.Event) {
	switch ev := ev.(type) {
	case *chat.ChatUpdated:
		msg := t.session.Get(ev.MessageID)
		if msg == nil || msg.Role != chat.RoleAssistant {
			return
		}
		printed := t.printed[ev.MessageID]
		if len(msg.Content) > printed {
			fmt.Fprint(t.out, msg.Content[printed:])
			t.printed[ev.MessageID] = len(msg.Content)
		}
		if ev.Final {
			fmt.Fprintln(t.out)
		}
	case *chat.GenerationAborted:
		fmt.Fprintln(t.out, "\n⏹️  Stopped")
	}
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Continue an existing session (id or name)")
	chatCmd.Flags().StringVar(&chatProvider, "provider", "", "Provider for this session (ollama, openai, gemini)")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model for this session")
	chatCmd.Flags().Float64VarP(&chatTemperature, "temperature", "t", -1, "Sampling temperature")
	chatCmd.Flags().StringVar(&chatSystem, "system", "", "System prompt for this session")
	chatCmd.Flags().StringVar(&chatPrompt, "prompt", "", "Start from a stored prompt (id or name)")
	chatCmd.Flags().BoolVar(&chatNoSave, "no-save", false, "Keep the session in memory only")
	chatCmd.Flags().BoolVar(&chatShowStats, "stats", false, "Print token stats after the reply")
}
