package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/agentx/textrpg/internal/config"
	"github.com/agentx/textrpg/internal/models"
)

const narratorPrompt = `You are the game master of a text role-playing adventure.
Continue the story in response to the player's action. Stay consistent with the
current world state below, keep replies under 200 words and end with a hook
that invites the next action.

Current world state:
%s`

const summaryPrompt = `Create a concise summary of this adventure transcript that can replace the
full messages in the narrator's context.

Include ONLY what is needed to continue the story:
- Places visited and where the player is now
- Characters met and how they relate to the player
- Items gained or lost
- Quests, promises and unresolved threats

Format as a brief narrative (max 200 words).

Current world state:
%s

Transcript to summarize:
%s

Summary:`

// Engine calls an OpenAI-compatible chat completion endpoint directly, in
// place of the game backend.
type Engine struct {
	client *openai.Client
	model  string
	logger *logrus.Logger
}

// NewEngine creates an Engine from the llm section of the config
func NewEngine(cfg config.LLMConfig, logger *logrus.Logger) (*Engine, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("OpenAI API key or base URL is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}

	return &Engine{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		logger: logger,
	}, nil
}

// SendMessage narrates the outcome of a player action
func (e *Engine) SendMessage(ctx context.Context, gameID, message string, narrative models.NarrativeState) (*models.NarrativeReply, error) {
	world, err := json.Marshal(narrative)
	if err != nil {
		return nil, err
	}

	content, err := e.complete(ctx, gameID, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(narratorPrompt, world)},
		{Role: openai.ChatMessageRoleUser, Content: message},
	}, 0.9)
	if err != nil {
		return nil, err
	}

	return &models.NarrativeReply{Content: content}, nil
}

// GenerateSummary recaps a slice of the transcript
func (e *Engine) GenerateSummary(ctx context.Context, gameID string, messages []models.Message, narrative models.NarrativeState) (string, error) {
	world, err := json.Marshal(narrative)
	if err != nil {
		return "", err
	}

	var transcript strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n\n", speaker(msg.Type), msg.Content)
	}

	return e.complete(ctx, gameID, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(summaryPrompt, world, transcript.String())},
	}, 0.7)
}

func (e *Engine) complete(ctx context.Context, gameID string, messages []openai.ChatCompletionMessage, temperature float32) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   500,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	e.logger.WithFields(logrus.Fields{
		"game_id":           gameID,
		"model":             resp.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Debug("Chat completion finished")

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func speaker(t models.MessageType) string {
	switch t {
	case models.MessageTypeUser:
		return "Player"
	case models.MessageTypeAI:
		return "Narrator"
	default:
		return "System"
	}
}
