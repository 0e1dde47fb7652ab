package cmd

import (
	"fmt"
	"github.com/bastianbatory/KikeMorandeBot/kikebot"
	"github.com/spf13/cobra"
	"log"
	"log/slog"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the history file and, if configured, the reply log database",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		logger := slog.New(slog.DiscardHandler)

		if cfg.Database == "" {
			fmt.Fprintln(out, "No database configured, skipping the reply log.")
		} else {
			db, err := kikebot.CreateDB(
				ctx,
				cfg.DatabaseType,
				cfg.Database,
				logger,
				cfg.DatabaseSlowThreshold,
			)
			if err != nil {
				log.Fatalf("Error creating database: %v", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
			fmt.Fprintf(out, "Database ready (%s).\n", cfg.DatabaseType)
		}

		prompt := kikebot.ReadStartingPrompt(cfg.SystemPromptFile, logger)
		if prompt == "" {
			fmt.Fprintf(out, "No starting prompt found in %q.\n", cfg.SystemPromptFile)
		}
		history := kikebot.NewHistory(cfg.HistoryFile, logger)
		history.Load()
		if err := history.EnsureSystemPrompt(prompt); err != nil {
			log.Fatalf("Error writing history: %v", err)
		}
		fmt.Fprintf(
			out,
			"History file %s has %d message(s).\n",
			cfg.HistoryFile,
			history.Len(),
		)

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
