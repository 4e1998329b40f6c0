// Package main implements session management commands: listing, showing,
// exporting, deleting and searching stored sessions.
package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"llamaterm/internal/chat"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	sessionsExportOut   string
	sessionsSearchLimit int
)

// sessionsCmd manages stored sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
	Long: `List and manage stored chat sessions.

Subcommands:
  list    - List all stored sessions
  show    - Print a session transcript
  export  - Write a session as markdown
  rm      - Delete a session
  search  - Search past turns in the history mirror`,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session>",
	Short: "Write a session as a markdown file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <session>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsRm,
}

var sessionsSearchCmd = &cobra.Command{
	Use:   "search <term...>",
	Short: "Search past turns in the history mirror",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsSearch,
}

// findSession resolves a session by id first, then by exact name.
func findSession(e *engine, arg string) (*chat.Session, error) {
	s := e.manager.GetSession(arg, nil)
	if s == nil {
		s = e.manager.SessionByName(arg)
	}
	if s == nil {
		return nil, fmt.Errorf("session '%s' not found. Use 'llamaterm sessions list'", arg)
	}
	return s, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	e, err := openEngine(context.Background(), false)
	if err != nil {
		return err
	}
	defer e.close()

	sessions := e.manager.SortedSessions()
	if len(sessions) == 0 {
		fmt.Println("No stored sessions.")
		return nil
	}

	fmt.Println("💬 Stored Sessions")
	fmt.Println(strings.Repeat("─", 72))
	for _, s := range sessions {
		fmt.Printf("  %-36s  %-20s  %s/%s\n",
			s.ID(), truncate(s.Name(), 20), s.Provider(), s.Model())
	}
	fmt.Println(strings.Repeat("─", 72))
	fmt.Printf("Total: %d sessions\n", len(sessions))
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	e, err := openEngine(context.Background(), false)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := findSession(e, args[0])
	if err != nil {
		return err
	}
	s.Load()

	fmt.Printf("# %s\n\n", s.Name())
	fmt.Printf("id: %s\nprovider: %s\nmodel: %s\ntemperature: %g\nupdated: %s\n\n",
		s.ID(), s.Provider(), s.Model(), s.Temperature(),
		s.LastUpdated().Format("2006-01-02 15:04:05"))
	for _, m := range s.Messages() {
		fmt.Print(m.String())
	}
	return nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	e, err := openEngine(context.Background(), false)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := findSession(e, args[0])
	if err != nil {
		return err
	}
	s.Load()

	out := sessionsExportOut
	if out == "" {
		out = filepath.Join(settings.ExportDir, exportFileName(s.Name()))
	}
	if !s.ExportMarkdown(out) {
		return fmt.Errorf("failed to export session to %s", out)
	}
	fmt.Printf("✅ Exported to %s\n", out)
	return nil
}

// exportFileName flattens a session name into a safe markdown file name.
func exportFileName(name string) string {
	mapper := func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}
	flat := strings.Map(mapper, name)
	if flat == "" {
		flat = "session"
	}
	return flat + ".md"
}

func runSessionsRm(cmd *cobra.Command, args []string) error {
	e, err := openEngine(context.Background(), false)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := findSession(e, args[0])
	if err != nil {
		return err
	}
	id, name := s.ID(), s.Name()
	e.manager.DeleteSession(id)
	if e.history != nil {
		if err := e.history.DeleteSession(id); err != nil {
			logger.Warn("failed to delete mirrored turns", zap.Error(err))
		}
	}
	fmt.Printf("🗑️  Deleted %q (%s)\n", name, id)
	return nil
}

func runSessionsSearch(cmd *cobra.Command, args []string) error {
	e, err := openEngine(context.Background(), false)
	if err != nil {
		return err
	}
	defer e.close()

	if e.history == nil {
		return fmt.Errorf("history mirror is disabled; enable history in %s", cfgPath)
	}

	term := strings.Join(args, " ")
	turns, err := e.history.SearchTurns(term, sessionsSearchLimit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(turns) == 0 {
		fmt.Printf("No turns matching %q.\n", term)
		return nil
	}

	fmt.Printf("🔎 %d turns matching %q\n", len(turns), term)
	fmt.Println(strings.Repeat("─", 72))
	for _, t := range turns {
		fmt.Printf("%s  %s (turn %d)\n", t.CreatedAt.Format("2006-01-02 15:04"), t.SessionName, t.TurnNumber)
		fmt.Printf("  > %s\n", truncate(strings.TrimSpace(t.UserInput), 68))
		fmt.Printf("  < %s\n", truncate(strings.TrimSpace(t.Response), 68))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func init() {
	sessionsExportCmd.Flags().StringVarP(&sessionsExportOut, "out", "o", "", "Output path (default: export dir)")
	sessionsSearchCmd.Flags().IntVar(&sessionsSearchLimit, "limit", 20, "Maximum turns to show")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsExportCmd, sessionsRmCmd, sessionsSearchCmd)
}
