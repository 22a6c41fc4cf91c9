package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentx/textrpg/internal/identity"
	"github.com/agentx/textrpg/internal/models"
	"github.com/agentx/textrpg/internal/transcript"
)

// gamesCmd is the parent command for save management.
var gamesCmd = &cobra.Command{
	Use:   "games",
	Short: "Manage saved games",
}

var gamesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved games",
	RunE:  runGamesList,
}

var gamesNewCmd = &cobra.Command{
	Use:   "new [name]",
	Short: "Start a new game and make it current",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runGamesNew,
}

var gamesShowCmd = &cobra.Command{
	Use:   "show [game-id]",
	Short: "Print the transcript of a game",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runGamesShow,
}

var gamesDeleteCmd = &cobra.Command{
	Use:   "delete <game-id>",
	Short: "Delete a saved game",
	Args:  cobra.ExactArgs(1),
	RunE:  runGamesDelete,
}

var (
	// remote routes save management through the backend API.
	remote bool

	gameDescription string
)

func init() {
	gamesCmd.AddCommand(gamesListCmd)
	gamesCmd.AddCommand(gamesNewCmd)
	gamesCmd.AddCommand(gamesShowCmd)
	gamesCmd.AddCommand(gamesDeleteCmd)

	gamesCmd.PersistentFlags().BoolVar(&remote, "remote", false,
		"Use the backend API instead of the local store")
	gamesNewCmd.Flags().StringVar(&gameDescription, "description", "",
		"Description sent to the backend with --remote")
}

func runGamesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var games []models.GameListing
	if remote {
		games, err = a.backend.ListGames(ctx, a.profile.PlayerID)
	} else {
		games, err = a.store.ListByPlayer(ctx, a.profile.PlayerID)
	}
	if err != nil {
		return fmt.Errorf("failed to list games: %w", err)
	}

	r := transcript.NewRenderer(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), r.GameList(games, a.profile.LastGameID, time.Now()))
	return nil
}

func runGamesNew(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	name := fmt.Sprintf("Adventure %s", time.Now().Format("2006-01-02 15:04"))
	if len(args) == 1 {
		name = args[0]
	}

	var id string
	if remote {
		id, err = a.backend.CreateGame(ctx, a.profile.PlayerID, name, gameDescription)
		if err != nil {
			return fmt.Errorf("failed to create game: %w", err)
		}
	} else {
		id = identity.NewGameID()
		gameID = id
		s, err := a.openSession(ctx, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		s.Close()
		if err := a.store.PersistState(ctx, id, models.StateUpdate{Name: &name}); err != nil {
			return fmt.Errorf("failed to name game: %w", err)
		}
	}

	if err := a.profile.SwitchGame(id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", name, id)
	return nil
}

func runGamesShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	id := a.currentGameID()
	if len(args) == 1 {
		id = args[0]
	}

	var state *models.GameState
	if remote {
		state, err = a.backend.LoadGame(ctx, id)
	} else {
		state, err = a.store.Get(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load game %s: %w", id, err)
	}

	out := cmd.OutOrStdout()
	r := transcript.NewRenderer(out)
	fmt.Fprintln(out, r.Transcript(*state))
	return nil
}

func runGamesDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	id := args[0]
	if remote {
		err = a.backend.DeleteGame(ctx, id)
	} else {
		err = a.store.Delete(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete game: %w", err)
	}

	if id == a.profile.LastGameID {
		if err := a.profile.SwitchGame(identity.NewGameID()); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	return nil
}
