package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/killallgit/somleng/pkg/config"
	"github.com/killallgit/somleng/pkg/log"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "somleng",
	Short: "Khmer speech dataset tool",
	Long: `Somleng - manage Khmer speech transcription projects from the terminal

Projects group uploaded WAV recordings. Each recording is cleaned and
transcribed by the processing pipeline, and the results are kept in sync
with the backend through its change feed.

Features:
  • Project management (at most three projects per user)
  • Bulk WAV upload from folders and zip archives
  • Per-file and whole-project transcription
  • Live view of a project while it processes
  • Signed audio URLs cached for the session`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// NewRootCmd creates a new root command (exported for testing)
func NewRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "enable JSON formatted logs")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().String("backend", "", "backend to use (supabase, local), overrides config")
}

// setup loads the configuration and the logger before any command runs.
// version and help need neither.
func setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" || cmd.Name() == "help" {
		return nil
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		config.Set("backend", backend)
	}
	if err := config.Init(); err != nil {
		return fmt.Errorf("error initializing config: %w", err)
	}

	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = config.GetString("logging.level")
	}
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonLogs || config.GetBool("logging.json"),
	})
	return nil
}
