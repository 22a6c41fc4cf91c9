package models

import "time"

// MessageType identifies who produced a transcript entry
type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeAI     MessageType = "ai"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeUser, MessageTypeAI, MessageTypeSystem:
		return true
	}
	return false
}

// Message is a single transcript entry. Messages are immutable once appended.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// History is the retained window of a message sequence. Pruned counts the
// leading messages that were dropped after being summarized, so absolute
// message positions survive pruning.
type History struct {
	Messages []Message
	Pruned   int
}

// Len returns the logical length of the whole sequence, pruned part included
func (h History) Len() int {
	return h.Pruned + len(h.Messages)
}

// From returns the retained messages whose absolute index is >= start
func (h History) From(start int) []Message {
	local := start - h.Pruned
	if local < 0 {
		local = 0
	}
	if local >= len(h.Messages) {
		return nil
	}
	return h.Messages[local:]
}
