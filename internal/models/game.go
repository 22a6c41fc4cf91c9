package models

import "time"

// PlayerStats are the vital numbers shown in the status bar
type PlayerStats struct {
	Health int `json:"health"`
	Mana   int `json:"mana"`
}

// NarrativeState is the world state the narrator keeps track of
type NarrativeState struct {
	Scene     string      `json:"scene"`
	Inventory []string    `json:"inventory"`
	Stats     PlayerStats `json:"stats"`
	Location  string      `json:"location"`
}

// GameState is the persisted game document
type GameState struct {
	GameID         string         `json:"gameId"`
	PlayerID       string         `json:"playerId"`
	Name           string         `json:"name,omitempty"`
	CurrentState   NarrativeState `json:"currentState"`
	MessageHistory []Message      `json:"messageHistory"`
	PrunedCount    int            `json:"prunedCount,omitempty"`
	Summaries      []Summary      `json:"summaries"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastSaved      time.Time      `json:"lastSaved"`
}

// History returns the message window of the document
func (g GameState) History() History {
	return History{Messages: g.MessageHistory, Pruned: g.PrunedCount}
}

// Clone returns a copy whose slices can be modified without touching g
func (g GameState) Clone() GameState {
	out := g
	out.MessageHistory = append([]Message(nil), g.MessageHistory...)
	out.Summaries = append([]Summary(nil), g.Summaries...)
	out.CurrentState.Inventory = append([]string(nil), g.CurrentState.Inventory...)
	return out
}

// Apply merges the set fields of u into a copy of g
func (g GameState) Apply(u StateUpdate) GameState {
	out := g.Clone()
	if u.PlayerID != nil {
		out.PlayerID = *u.PlayerID
	}
	if u.Name != nil {
		out.Name = *u.Name
	}
	if u.CurrentState != nil {
		out.CurrentState = *u.CurrentState
	}
	if u.MessageHistory != nil {
		out.MessageHistory = append([]Message(nil), (*u.MessageHistory)...)
	}
	if u.PrunedCount != nil {
		out.PrunedCount = *u.PrunedCount
	}
	if u.Summaries != nil {
		out.Summaries = append([]Summary(nil), (*u.Summaries)...)
	}
	if u.LastSaved != nil {
		out.LastSaved = *u.LastSaved
	}
	return out
}

// StateUpdate is a partial game document. Only non-nil fields are written
// when it is merged into storage.
type StateUpdate struct {
	PlayerID       *string         `json:"playerId,omitempty"`
	Name           *string         `json:"name,omitempty"`
	CurrentState   *NarrativeState `json:"currentState,omitempty"`
	MessageHistory *[]Message      `json:"messageHistory,omitempty"`
	PrunedCount    *int            `json:"prunedCount,omitempty"`
	Summaries      *[]Summary      `json:"summaries,omitempty"`
	LastSaved      *time.Time      `json:"lastSaved,omitempty"`
}

// NarrativeReply is the narrator's answer to a player action
type NarrativeReply struct {
	Content   string          `json:"content"`
	GameState *NarrativeState `json:"gameState,omitempty"`
}

// GameListing is one row of the save manager
type GameListing struct {
	GameID       string    `json:"gameId"`
	Name         string    `json:"name"`
	Location     string    `json:"location"`
	MessageCount int       `json:"messageCount"`
	SummaryCount int       `json:"summaryCount"`
	LastSaved    time.Time `json:"lastSaved"`
}

// Listing builds the save manager row for g
func (g GameState) Listing() GameListing {
	return GameListing{
		GameID:       g.GameID,
		Name:         g.Name,
		Location:     g.CurrentState.Location,
		MessageCount: g.History().Len(),
		SummaryCount: len(g.Summaries),
		LastSaved:    g.LastSaved,
	}
}
