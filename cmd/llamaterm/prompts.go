// Package main implements prompt template commands: listing, showing,
// deleting and importing templates from existing sessions.
package main

import (
	"context"
	"fmt"
	"strings"

	"llamaterm/internal/chat"

	"github.com/spf13/cobra"
)

var (
	promptsImportName   string
	promptsImportSubmit bool
)

// promptsCmd manages stored prompt templates
var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage prompt templates",
	Long: `List and manage stored prompt templates.

A prompt is a reusable conversation prefix: system instructions plus any
seed turns. Start a chat from one with 'llamaterm chat --prompt <name>'.

Subcommands:
  list    - List all stored prompts
  show    - Print a prompt template
  rm      - Delete a prompt
  import  - Turn an existing session into a prompt`,
	RunE: runPromptsList,
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored prompts",
	RunE:  runPromptsList,
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <prompt>",
	Short: "Print a prompt template",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromptsShow,
}

var promptsRmCmd = &cobra.Command{
	Use:   "rm <prompt>",
	Short: "Delete a prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromptsRm,
}

var promptsImportCmd = &cobra.Command{
	Use:   "import <session>",
	Short: "Turn an existing session into a prompt template",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromptsImport,
}

// findPrompt resolves a prompt by id first, then by case-insensitive name.
func findPrompt(e *engine, arg string) (*chat.Prompt, error) {
	p := e.manager.GetPrompt(arg)
	if p == nil {
		p = e.manager.PromptByName(arg)
	}
	if p == nil {
		return nil, fmt.Errorf("prompt '%s' not found. Use 'llamaterm prompts list'", arg)
	}
	return p, nil
}

func runPromptsList(cmd *cobra.Command, args []string) error {
	e, err := openEngine(context.Background(), false)
	if err != nil {
		return err
	}
	defer e.close()

	prompts := e.manager.SortedPrompts()
	if len(prompts) == 0 {
		fmt.Println("No stored prompts.")
		return nil
	}

	fmt.Println("📋 Stored Prompts")
	fmt.Println(strings.Repeat("─", 72))
	for _, p := range prompts {
		flag := " "
		if p.SubmitOnLoad() {
			flag = "▶"
		}
		fmt.Printf("  %s %-36s  %-20s  %s\n",
			flag, p.ID(), truncate(p.Name(), 20), truncate(p.Description(), 30))
	}
	fmt.Println(strings.Repeat("─", 72))
	fmt.Printf("Total: %d prompts (▶ = submits on load)\n", len(prompts))
	return nil
}

func runPromptsShow(cmd *cobra.Command, args []string) error {
	e, err := openEngine(context.Background(), false)
	if err != nil {
		return err
	}
	defer e.close()

	p, err := findPrompt(e, args[0])
	if err != nil {
		return err
	}
	p.Load()

	fmt.Printf("# %s\n\n", p.Name())
	if p.Description() != "" {
		fmt.Printf("%s\n\n", p.Description())
	}
	fmt.Printf("id: %s\nsubmit_on_load: %v\n\n", p.ID(), p.SubmitOnLoad())
	for _, m := range p.Messages() {
		fmt.Print(m.String())
	}
	return nil
}

func runPromptsRm(cmd *cobra.Command, args []string) error {
	e, err := openEngine(context.Background(), false)
	if err != nil {
		return err
	}
	defer e.close()

	p, err := findPrompt(e, args[0])
	if err != nil {
		return err
	}
	id, name := p.ID(), p.Name()
	e.manager.DeletePrompt(id)
	fmt.Printf("🗑️  Deleted %q (%s)\n", name, id)
	return nil
}

func runPromptsImport(cmd *cobra.Command, args []string) error {
	e, err := openEngine(context.Background(), false)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := findSession(e, args[0])
	if err != nil {
		return err
	}

	p := e.manager.SessionToPrompt(s.ID(), promptsImportSubmit, promptsImportName)
	if p == nil {
		return fmt.Errorf("failed to import session '%s'", args[0])
	}
	e.bus.Drain()
	fmt.Printf("✅ Created prompt %q (%s) with %d messages\n", p.Name(), p.ID(), p.Len())
	return nil
}

func init() {
	promptsImportCmd.Flags().StringVar(&promptsImportName, "name", "", "Prompt name (default: session name)")
	promptsImportCmd.Flags().BoolVar(&promptsImportSubmit, "submit-on-load", false, "Submit the last turn when the prompt loads")

	promptsCmd.AddCommand(promptsListCmd, promptsShowCmd, promptsRmCmd, promptsImportCmd)
}
