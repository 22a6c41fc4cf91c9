package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentx/textrpg/internal/models"
	"github.com/agentx/textrpg/internal/repository"
)

// Store is an in-process GameRepository. Change callbacks are delivered in
// order on one goroutine per subscription.
type Store struct {
	mu     sync.RWMutex
	games  map[string]models.GameState
	subs   map[string]map[int]*subscriber
	nextID int
	now    func() time.Time
}

type subscriber struct {
	updates chan models.GameState
	done    chan struct{}
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		games: make(map[string]models.GameState),
		subs:  make(map[string]map[int]*subscriber),
		now:   time.Now,
	}
}

var _ repository.GameRepository = (*Store)(nil)

// Get returns a copy of the document
func (s *Store) Get(ctx context.Context, gameID string) (*models.GameState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.games[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, gameID)
	}
	clone := state.Clone()
	return &clone, nil
}

// Create stores a new document, replacing any existing one
func (s *Store) Create(ctx context.Context, state models.GameState) error {
	s.mu.Lock()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = s.now()
	}
	if state.LastSaved.IsZero() {
		state.LastSaved = state.CreatedAt
	}
	s.games[state.GameID] = state.Clone()
	s.mu.Unlock()

	s.publish(state.GameID)
	return nil
}

// PersistState merges update into the document
func (s *Store) PersistState(ctx context.Context, gameID string, update models.StateUpdate) error {
	s.mu.Lock()
	state, ok := s.games[gameID]
	if !ok {
		state = models.GameState{GameID: gameID, CreatedAt: s.now()}
	}
	state = state.Apply(update)
	if update.LastSaved == nil {
		state.LastSaved = s.now()
	}
	s.games[gameID] = state
	s.mu.Unlock()

	s.publish(gameID)
	return nil
}

// ListByPlayer returns the player's games, most recently saved first
func (s *Store) ListByPlayer(ctx context.Context, playerID string) ([]models.GameListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var listings []models.GameListing
	for _, g := range s.games {
		if g.PlayerID == playerID {
			listings = append(listings, g.Listing())
		}
	}
	sort.Slice(listings, func(i, j int) bool {
		return listings[i].LastSaved.After(listings[j].LastSaved)
	})
	return listings, nil
}

// Delete removes a document
func (s *Store) Delete(ctx context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[gameID]; !ok {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, gameID)
	}
	delete(s.games, gameID)
	return nil
}

// Subscribe registers onChange for changes to gameID
func (s *Store) Subscribe(ctx context.Context, gameID string, onChange func(models.GameState)) (repository.CancelFunc, error) {
	sub := &subscriber{
		updates: make(chan models.GameState, 16),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[gameID] == nil {
		s.subs[gameID] = make(map[int]*subscriber)
	}
	s.subs[gameID][id] = sub
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case state := <-sub.updates:
				onChange(state)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[gameID], id)
			s.mu.Unlock()
			close(sub.done)
			wg.Wait()
		})
	}, nil
}

func (s *Store) publish(gameID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.games[gameID]
	if !ok {
		return
	}
	for _, sub := range s.subs[gameID] {
		select {
		case sub.updates <- state.Clone():
		case <-sub.done:
		default:
			// Slow subscriber; drop the oldest pending snapshot so the
			// newest one always gets through.
			select {
			case <-sub.updates:
			default:
			}
			select {
			case sub.updates <- state.Clone():
			default:
			}
		}
	}
}
