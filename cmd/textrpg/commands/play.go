package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentx/textrpg/internal/session"
	"github.com/agentx/textrpg/internal/transcript"
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play the current game",
	Long: `Start an interactive session for the current game.

Type an action and press enter. Lines starting with a slash are commands:
  /summary  summarize the story so far
  /prune    drop messages already covered by a summary
  /status   show the status line
  /quit     leave the game`,
	RunE: runPlay,
}

func runPlay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

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

	r := transcript.NewRenderer(out)
	p := &printer{out: out, r: r}
	p.catchUp(s)
	fmt.Fprintln(out, r.StatusLine(s.State(), s.Stats(), s.SummaryStatus()))

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := handleLine(ctx, s, p, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		p.catchUp(s)
		if quit || ctx.Err() != nil {
			break
		}
	}

	fmt.Fprintln(out, "Saving...")
	return scanner.Err()
}

func handleLine(ctx context.Context, s *session.Session, p *printer, line string) (bool, error) {
	switch line {
	case "/quit", "/exit":
		return true, nil
	case "/status":
		fmt.Fprintln(p.out, p.r.StatusLine(s.State(), s.Stats(), s.SummaryStatus()))
		return false, nil
	case "/summary":
		result, err := s.Summarize(ctx)
		if errors.Is(err, session.ErrSummaryInProgress) {
			fmt.Fprintln(p.out, "A summary is already being generated, try again shortly")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if result.Summary == nil {
			fmt.Fprintf(p.out, "Nothing to summarize (%s)\n", result.Skipped)
		}
		return false, nil
	case "/prune":
		removed, err := s.Prune(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(p.out, "Removed %d summarized messages\n", removed)
		return false, nil
	}

	if strings.HasPrefix(line, "/") {
		return false, fmt.Errorf("unknown command %s", line)
	}

	_, err := s.SendMessage(ctx, line)
	if errors.Is(err, session.ErrEmptyMessage) {
		return false, nil
	}
	return false, err
}

// printer writes the parts of the transcript not shown yet
type printer struct {
	out       io.Writer
	r         *transcript.Renderer
	messages  int
	summaries int
}

func (p *printer) catchUp(s *session.Session) {
	state := s.State()
	history := state.History()

	start := p.messages
	if start < history.Pruned {
		start = history.Pruned
	}
	for _, m := range history.From(start) {
		fmt.Fprintln(p.out, p.r.Message(m))
	}
	p.messages = history.Len()

	for _, sum := range state.Summaries[min(p.summaries, len(state.Summaries)):] {
		fmt.Fprintln(p.out, p.r.Summary(sum))
	}
	p.summaries = len(state.Summaries)
}
