package models

import "time"

// MessageRange is the span of the message sequence a summary covers. Start is
// the first absolute message index included, End is the sequence length at
// the time the summary was generated and doubles as the next summary's Start.
type MessageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of messages covered by the range
func (r MessageRange) Len() int {
	return r.End - r.Start
}

// Summary is a generated narrative recap of a slice of message history
type Summary struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	MessageRange MessageRange `json:"messageRange"`
	Timestamp    time.Time    `json:"timestamp"`
	TokensSaved  int          `json:"tokensSaved"`
}

// SummaryStatus tracks consolidation progress for the current process only.
// It is rebuilt every session and never persisted.
type SummaryStatus struct {
	IsGenerating             bool       `json:"isGenerating"`
	Progress                 int        `json:"progress"`
	LastSummaryAt            *time.Time `json:"lastSummaryAt,omitempty"`
	MessagesSinceLastSummary int        `json:"messagesSinceLastSummary"`
}

// SummaryStats is the read-only view shown next to the transcript
type SummaryStats struct {
	TotalMessages            int  `json:"totalMessages"`
	EstimatedTokens          int  `json:"estimatedTokens"`
	SummaryCount             int  `json:"summaryCount"`
	MessagesSinceLastSummary int  `json:"messagesSinceLastSummary"`
	NeedsSummary             bool `json:"needsSummary"`
	TokenWarning             bool `json:"tokenWarning"`
}

// LastSummaryEnd returns the End offset of the most recent summary, or 0
// when nothing has been summarized yet.
func LastSummaryEnd(summaries []Summary) int {
	if len(summaries) == 0 {
		return 0
	}
	return summaries[len(summaries)-1].MessageRange.End
}
