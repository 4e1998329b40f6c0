// Package main implements the models command, listing what each configured
// backend can currently serve.
package main

import (
	"context"
	"fmt"
	"strings"

	"llamaterm/internal/llm"

	"github.com/spf13/cobra"
)

var modelsProvider string

// modelsCmd lists available models
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models the configured backends can serve",
	RunE:  runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer e.close()

	kinds := e.providers.Kinds()
	if modelsProvider != "" {
		kind, err := llm.ParseKind(modelsProvider)
		if err != nil {
			return err
		}
		kinds = []llm.Kind{kind}
	}

	for _, kind := range kinds {
		provider, err := e.providers.Get(kind)
		if err != nil {
			return err
		}
		models, err := provider.ListModels(ctx)
		if err != nil {
			fmt.Printf("⚠️  %s: %v\n", kind, err)
			continue
		}

		fmt.Printf("🧠 %s (%d models)\n", kind, len(models))
		fmt.Println(strings.Repeat("─", 60))
		for _, m := range models {
			line := "  " + m.Name
			if m.Size > 0 {
				line += fmt.Sprintf("  (%.1f GB)", float64(m.Size)/(1<<30))
			}
			if !m.ModifiedAt.IsZero() {
				line += "  " + m.ModifiedAt.Format("2006-01-02")
			}
			fmt.Println(line)
		}
		fmt.Println()
	}
	return nil
}

func init() {
	modelsCmd.Flags().StringVar(&modelsProvider, "provider", "", "Only this provider (ollama, openai, gemini)")
}
