package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentx/textrpg/internal/config"
	"github.com/agentx/textrpg/internal/database"
	"github.com/agentx/textrpg/internal/session"
	"github.com/agentx/textrpg/internal/transcript"
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize the current game's unsummarized messages",
	RunE:  runSummarize,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove messages already covered by summaries",
	RunE:  runPrune,
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE:      runMigrate,
}

func runSummarize(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	s, err := a.openSession(ctx, out)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.Summarize(ctx)
	if errors.Is(err, session.ErrSummaryInProgress) {
		fmt.Fprintln(out, "A summary is already being generated, try again shortly")
		return nil
	}
	if err != nil {
		return err
	}
	if result.Summary == nil {
		fmt.Fprintf(out, "Nothing to summarize (%s)\n", result.Skipped)
		return nil
	}

	fmt.Fprintln(out, transcript.NewRenderer(out).Summary(*result.Summary))
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.openSession(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.Close()

	removed, err := s.Prune(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d summarized messages\n", removed)
	return nil
}

// runMigrate talks to the database directly so a broken schema can still be
// rolled back.
func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	dsn := database.GetDSN(cfg.Database)

	if len(args) == 1 && args[0] == "down" {
		if err := database.RollbackMigration(dsn); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Rolled back one migration")
		return nil
	}

	if err := database.RunMigrations(dsn); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
	return nil
}
