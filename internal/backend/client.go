package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/agentx/textrpg/internal/models"
)

// ErrGameNotFound is returned when the backend has no document for a game id
var ErrGameNotFound = errors.New("game not found")

// APIError is a non-2xx answer from the backend
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP error status %d", e.Method, e.Path, e.StatusCode)
}

// Client talks to the game backend that fronts the language model
type Client struct {
	baseURL string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewClient creates a backend API client. A zero timeout leaves request
// deadlines to the caller's context. Only the context's deadline reaches a
// request in flight: cancelling the context is checked before sending and
// does not abort a request already on the wire.
func NewClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		logger:  logger,
	}
}

type sendMessageRequest struct {
	GameID      string                `json:"gameId"`
	Message     string                `json:"message"`
	GameContext models.NarrativeState `json:"gameContext"`
}

// SendMessage asks the narrator to respond to a player action
func (c *Client) SendMessage(ctx context.Context, gameID, message string, narrative models.NarrativeState) (*models.NarrativeReply, error) {
	var reply models.NarrativeReply
	err := c.do(ctx, fiber.MethodPost, "/api/claude/message", sendMessageRequest{
		GameID:      gameID,
		Message:     message,
		GameContext: narrative,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

type generateSummaryRequest struct {
	GameID    string                `json:"gameId"`
	Messages  []models.Message      `json:"messages"`
	GameState models.NarrativeState `json:"gameState"`
}

type generateSummaryResponse struct {
	Summary string `json:"summary"`
}

// GenerateSummary asks the backend to recap a slice of the transcript
func (c *Client) GenerateSummary(ctx context.Context, gameID string, messages []models.Message, narrative models.NarrativeState) (string, error) {
	var resp generateSummaryResponse
	err := c.do(ctx, fiber.MethodPost, "/api/summary/generate", generateSummaryRequest{
		GameID:    gameID,
		Messages:  messages,
		GameState: narrative,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Summary, nil
}

// LoadGame fetches a game document
func (c *Client) LoadGame(ctx context.Context, gameID string) (*models.GameState, error) {
	var state models.GameState
	err := c.do(ctx, fiber.MethodGet, "/api/game/"+url.PathEscape(gameID), nil, &state)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == fiber.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
		}
		return nil, err
	}
	return &state, nil
}

// SaveGame posts a (partial) game document to the backend
func (c *Client) SaveGame(ctx context.Context, gameID string, update models.StateUpdate) error {
	return c.do(ctx, fiber.MethodPost, "/api/game/"+url.PathEscape(gameID), update, nil)
}

// PersistState mirrors a document update to the backend
func (c *Client) PersistState(ctx context.Context, gameID string, update models.StateUpdate) error {
	return c.SaveGame(ctx, gameID, update)
}

type listGamesResponse struct {
	Games []models.GameState `json:"games"`
}

// ListGames returns the save manager rows for a player
func (c *Client) ListGames(ctx context.Context, playerID string) ([]models.GameListing, error) {
	var resp listGamesResponse
	if err := c.do(ctx, fiber.MethodGet, "/api/game/list/"+url.PathEscape(playerID), nil, &resp); err != nil {
		return nil, err
	}

	listings := make([]models.GameListing, 0, len(resp.Games))
	for _, g := range resp.Games {
		listings = append(listings, g.Listing())
	}
	return listings, nil
}

type createGameRequest struct {
	PlayerID    string `json:"playerId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type createGameResponse struct {
	GameID string `json:"gameId"`
}

// CreateGame registers a new named game and returns its id
func (c *Client) CreateGame(ctx context.Context, playerID, name, description string) (string, error) {
	var resp createGameResponse
	err := c.do(ctx, fiber.MethodPost, "/api/game/create", createGameRequest{
		PlayerID:    playerID,
		Name:        name,
		Description: description,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.GameID == "" {
		return "", fmt.Errorf("backend returned no game id")
	}
	return resp.GameID, nil
}

// DeleteGame removes a game document
func (c *Client) DeleteGame(ctx context.Context, gameID string) error {
	return c.do(ctx, fiber.MethodDelete, "/api/game/"+url.PathEscape(gameID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	log := c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
	})

	agent := fiber.AcquireAgent()
	req := agent.Request()
	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)

	if in != nil {
		agent.JSON(in)
	}
	if timeout := c.requestTimeout(ctx); timeout > 0 {
		agent.Timeout(timeout)
	}

	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return fmt.Errorf("failed to build request: %w", err)
	}

	// Bytes releases the agent
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		err := errors.Join(errs...)
		log.WithError(err).Warn("API request failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if code < fiber.StatusOK || code >= fiber.StatusMultipleChoices {
		log.WithField("status", code).Warn("API request failed")
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: code,
			Body:       string(body),
		}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) requestTimeout(ctx context.Context) time.Duration {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if timeout == 0 || remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}
