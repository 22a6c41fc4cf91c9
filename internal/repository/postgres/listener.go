package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/agentx/textrpg/internal/models"
	"github.com/agentx/textrpg/internal/repository"
)

const gameChangesChannel = "game_changes"

// notifier multiplexes one LISTEN connection across all subscriptions of a
// repository.
type notifier struct {
	listener *pq.Listener
	logger   *logrus.Logger

	mu     sync.Mutex
	subs   map[string]map[int]func()
	nextID int

	// connected is false between a connection loss and the reconnect
	connected bool

	done chan struct{}
	wg   sync.WaitGroup
}

func newNotifier(dsn string, logger *logrus.Logger) (*notifier, error) {
	n := &notifier{
		logger:    logger,
		subs:      make(map[string]map[int]func()),
		connected: true,
		done:      make(chan struct{}),
	}

	n.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, n.onEvent)
	if err := n.listener.Listen(gameChangesChannel); err != nil {
		n.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", gameChangesChannel, err)
	}

	n.wg.Add(1)
	go n.dispatch()

	return n, nil
}

func (n *notifier) onEvent(ev pq.ListenerEventType, err error) {
	log := n.logger.WithField("channel", gameChangesChannel)
	switch ev {
	case pq.ListenerEventDisconnected:
		n.setConnected(false)
		log.WithError(err).Warn("Document store connection lost")
	case pq.ListenerEventReconnected:
		n.setConnected(true)
		log.Info("Document store connection restored")
	case pq.ListenerEventConnectionAttemptFailed:
		log.WithError(err).Debug("Document store reconnect failed")
	}
}

func (n *notifier) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

func (n *notifier) dispatch() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done:
			return
		case note, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if note == nil {
				// Reconnected; changes may have been missed, so
				// refresh every subscriber.
				n.fireAll()
				continue
			}
			n.fire(note.Extra)
		}
	}
}

func (n *notifier) callbacks(gameID string) []func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []func()
	for _, fn := range n.subs[gameID] {
		out = append(out, fn)
	}
	return out
}

func (n *notifier) fire(gameID string) {
	for _, fn := range n.callbacks(gameID) {
		fn()
	}
}

func (n *notifier) fireAll() {
	n.mu.Lock()
	ids := make([]string, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	for _, id := range ids {
		n.fire(id)
	}
}

func (n *notifier) add(gameID string, fn func()) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	if n.subs[gameID] == nil {
		n.subs[gameID] = make(map[int]func())
	}
	n.subs[gameID][id] = fn
	return id
}

func (n *notifier) remove(gameID string, id int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.subs[gameID], id)
	if len(n.subs[gameID]) == 0 {
		delete(n.subs, gameID)
	}
}

func (n *notifier) close() error {
	close(n.done)
	err := n.listener.Close()
	n.wg.Wait()
	return err
}

// Subscribe delivers the full document to onChange after every change to
// gameID. Callbacks run on the repository's dispatch goroutine, in order,
// and must not call the returned CancelFunc themselves.
func (r *GameRepository) Subscribe(ctx context.Context, gameID string, onChange func(models.GameState)) (repository.CancelFunc, error) {
	n, err := r.ensureNotifier()
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		canceled bool
	)

	deliver := func() {
		mu.Lock()
		defer mu.Unlock()
		if canceled {
			return
		}

		loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		state, err := r.Get(loadCtx, gameID)
		if err != nil {
			r.logger.WithError(err).WithField("game_id", gameID).Warn("Failed to load changed game")
			return
		}
		onChange(*state)
	}

	id := n.add(gameID, deliver)

	var once sync.Once
	return func() {
		once.Do(func() {
			n.remove(gameID, id)
			// Wait for an in-flight delivery before returning
			mu.Lock()
			canceled = true
			mu.Unlock()
		})
	}, nil
}

// Connected reports whether the LISTEN connection is up
func (r *GameRepository) Connected() bool {
	r.notifierMu.Lock()
	n := r.notifier
	r.notifierMu.Unlock()

	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Close stops the LISTEN connection
func (r *GameRepository) Close() error {
	r.notifierMu.Lock()
	n := r.notifier
	r.notifier = nil
	r.notifierMu.Unlock()

	if n == nil {
		return nil
	}
	return n.close()
}

func (r *GameRepository) ensureNotifier() (*notifier, error) {
	r.notifierMu.Lock()
	defer r.notifierMu.Unlock()

	if r.notifier != nil {
		return r.notifier, nil
	}

	n, err := newNotifier(r.dsn, r.logger)
	if err != nil {
		return nil, err
	}
	r.notifier = n
	return n, nil
}
