// Package transcript renders a game as terminal text: the merged message and
// summary timeline, the status line and the saved-game list.
package transcript

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/agentx/textrpg/internal/models"
	"github.com/agentx/textrpg/internal/summary"
)

const unknownLocation = "Unknown location"

// Renderer holds the styles for one output stream
type Renderer struct {
	user    lipgloss.Style
	ai      lipgloss.Style
	system  lipgloss.Style
	summary lipgloss.Style
	header  lipgloss.Style
	muted   lipgloss.Style
	warning lipgloss.Style
}

// NewRenderer builds styles whose color support matches out
func NewRenderer(out io.Writer) *Renderer {
	r := lipgloss.NewRenderer(out)
	return &Renderer{
		user:    r.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		ai:      r.NewStyle().Foreground(lipgloss.Color("252")),
		system:  r.NewStyle().Foreground(lipgloss.Color("214")).Italic(true),
		summary: r.NewStyle().Foreground(lipgloss.Color("141")).PaddingLeft(2),
		header:  r.NewStyle().Foreground(lipgloss.Color("141")).Bold(true),
		muted:   r.NewStyle().Foreground(lipgloss.Color("243")),
		warning: r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

func clock(t time.Time) string {
	return t.Local().Format("15:04")
}

// Message renders a single message with its time of day
func (r *Renderer) Message(m models.Message) string {
	var style lipgloss.Style
	prefix := ""
	switch m.Type {
	case models.MessageTypeUser:
		style, prefix = r.user, "> "
	case models.MessageTypeSystem:
		style, prefix = r.system, "* "
	default:
		style = r.ai
	}
	return style.Render(prefix+m.Content) + " " + r.muted.Render(clock(m.Timestamp))
}

// Summary renders a summary block. Ranges are shown one-based and inclusive.
func (r *Renderer) Summary(s models.Summary) string {
	title := fmt.Sprintf("Story so far (Messages %d - %d)", s.MessageRange.Start+1, s.MessageRange.End)
	return strings.Join([]string{
		r.header.Render(title) + " " + r.muted.Render(clock(s.Timestamp)),
		r.summary.Render(s.Content),
	}, "\n")
}

type item struct {
	at   time.Time
	text string
}

// Transcript interleaves messages and summaries in timestamp order. Items with
// equal timestamps keep messages ahead of the summary that covers them.
func (r *Renderer) Transcript(state models.GameState) string {
	items := make([]item, 0, len(state.MessageHistory)+len(state.Summaries))
	for _, m := range state.MessageHistory {
		items = append(items, item{at: m.Timestamp, text: r.Message(m)})
	}
	for _, s := range state.Summaries {
		items = append(items, item{at: s.Timestamp, text: r.Summary(s)})
	}
	if len(items) == 0 {
		return r.muted.Render("Your adventure is about to begin...")
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].at.Before(items[j].at)
	})

	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = it.text
	}
	return strings.Join(lines, "\n")
}

// StatusLine summarizes location, player stats and history size
func (r *Renderer) StatusLine(state models.GameState, stats models.SummaryStats, status models.SummaryStatus) string {
	cur := state.CurrentState
	location := cur.Location
	if location == "" {
		location = unknownLocation
	}

	parts := []string{
		"@ " + location,
		fmt.Sprintf("HP %d", cur.Stats.Health),
		fmt.Sprintf("MP %d", cur.Stats.Mana),
	}
	if n := len(cur.Inventory); n > 0 {
		parts = append(parts, fmt.Sprintf("items %d", n))
	}

	tokens := fmt.Sprintf("%d tokens", stats.EstimatedTokens)
	if stats.EstimatedTokens*10 > summary.TokenThreshold*8 {
		tokens += " " + r.warning.Render("!")
	}
	parts = append(parts, tokens, fmt.Sprintf("%d messages", stats.TotalMessages))

	if status.IsGenerating {
		parts = append(parts, fmt.Sprintf("summarizing %d%%", status.Progress))
	}

	return r.muted.Render(strings.Join(parts, " | "))
}

// RelativeTime describes t relative to now the way the save list shows it
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "unknown time"
	}

	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d/time.Hour))
	default:
		return t.Local().Format("Jan 2 15:04")
	}
}

// GameList renders saved games, marking the active one
func (r *Renderer) GameList(games []models.GameListing, activeID string, now time.Time) string {
	if len(games) == 0 {
		return r.muted.Render("No saved games")
	}

	lines := make([]string, 0, len(games))
	for _, g := range games {
		marker := "  "
		if g.GameID == activeID {
			marker = "* "
		}
		name := g.Name
		if name == "" {
			name = g.GameID
		}
		location := g.Location
		if location == "" {
			location = unknownLocation
		}
		lines = append(lines, marker+r.header.Render(name)+" "+r.muted.Render(fmt.Sprintf(
			"%s | %d messages | %d summaries | %s | %s",
			location, g.MessageCount, g.SummaryCount, RelativeTime(g.LastSaved, now), g.GameID)))
	}
	return strings.Join(lines, "\n")
}
