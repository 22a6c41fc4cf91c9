package summary

import (
	"unicode/utf8"

	"github.com/agentx/textrpg/internal/models"
)

const (
	// SummaryThreshold is the message count whose positive multiples trigger
	// an automatic consolidation.
	SummaryThreshold = 30

	// TokenThreshold forces consolidation once the unsummarized messages are
	// estimated to reach this many tokens.
	TokenThreshold = 8000

	// ManualMinMessages is the smallest history a player may summarize by hand.
	ManualMinMessages = 5

	charsPerToken = 4
)

// EstimateTokenCount approximates the token cost of messages as total
// content characters divided by four, rounded up.
func EstimateTokenCount(messages []models.Message) int {
	chars := 0
	for _, msg := range messages {
		chars += utf8.RuneCountInString(msg.Content)
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// CountUnsummarizedMessages returns how many messages arrived after the most
// recent summary.
func CountUnsummarizedMessages(history models.History, summaries []models.Summary) int {
	n := history.Len() - models.LastSummaryEnd(summaries)
	if n < 0 {
		return 0
	}
	return n
}

// PruneSummarizedMessages drops every retained message already covered by the
// most recent summary. Without summaries the history is returned unchanged.
func PruneSummarizedMessages(history models.History, summaries []models.Summary) models.History {
	if len(summaries) == 0 {
		return history
	}

	end := models.LastSummaryEnd(summaries)
	if end > history.Len() {
		end = history.Len()
	}
	if end <= history.Pruned {
		return history
	}

	keep := history.From(end)
	return models.History{
		Messages: append([]models.Message(nil), keep...),
		Pruned:   end,
	}
}

// thresholdReached applies the count and token rules without looking at the
// in-flight flag.
func thresholdReached(history models.History, summaries []models.Summary) bool {
	total := history.Len()
	if total > 0 && total%SummaryThreshold == 0 {
		return true
	}
	pending := history.From(models.LastSummaryEnd(summaries))
	return EstimateTokenCount(pending) >= TokenThreshold
}

// BuildStats computes the transcript side panel numbers
func BuildStats(history models.History, summaries []models.Summary) models.SummaryStats {
	total := history.Len()
	tokens := EstimateTokenCount(history.Messages)
	return models.SummaryStats{
		TotalMessages:            total,
		EstimatedTokens:          tokens,
		SummaryCount:             len(summaries),
		MessagesSinceLastSummary: CountUnsummarizedMessages(history, summaries),
		NeedsSummary:             total >= SummaryThreshold || tokens >= TokenThreshold,
		TokenWarning:             tokens*10 > TokenThreshold*8,
	}
}
