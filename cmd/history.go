package cmd

import (
	"encoding/json"
	"fmt"
	"github.com/bastianbatory/KikeMorandeBot/kikebot"
	"github.com/spf13/cobra"
	"log/slog"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect or reset the conversation history file",
}

var historyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the conversation history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		history := kikebot.NewHistory(cfg.HistoryFile, slog.New(slog.DiscardHandler))
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "    ")
		return enc.Encode(history.Load())
	},
}

var historyResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the conversation history, keeping only the starting prompt",
	Long: "Clear the conversation history, keeping only the starting prompt. " +
		"Don't run this while the bot is running, it keeps its own copy of the history.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.DiscardHandler)
		prompt := kikebot.ReadStartingPrompt(cfg.SystemPromptFile, logger)
		history := kikebot.NewHistory(cfg.HistoryFile, logger)
		if err := history.Reset(prompt); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "History file %s reset.\n", cfg.HistoryFile)
		return nil
	},
}

func init() {
	historyCmd.AddCommand(historyShowCmd, historyResetCmd)
	rootCmd.AddCommand(historyCmd)
}
