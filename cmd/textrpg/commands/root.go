package commands

import (
	"github.com/spf13/cobra"
)

var (
	// configPath overrides the config file search.
	configPath string

	// gameID selects the game; defaults to the profile's last game.
	gameID string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "textrpg",
	Short: "Text adventure client",
	Long: `textrpg plays a narrated text adventure from the terminal.

Games are stored in PostgreSQL (or in memory for a throwaway session) and long
histories are condensed into summaries automatically.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		"Path to config.json (default: ./config.json or ~/.textrpg/config.json)",
	)
	rootCmd.PersistentFlags().StringVar(
		&gameID, "game", "",
		"Game id to use (default: the last game played)",
	)

	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(gamesCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(migrateCmd)
}
