// Package orchestration drives environment/agent pairs tick by tick. The training
// loop fans progress out to any number of observers through a Broadcaster; the
// inference loop talks to exactly one observer. A Controller owns the loops and
// enforces one running loop per game.
package orchestration

import (
	"context"
	"errors"
	"sync"

	"arcade/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Observer is a connected feed client.
type Observer interface {
	// Send delivers one message. An error means the observer is unusable.
	Send(ctx context.Context, msg any) error
	// Done is closed when the observer disconnects.
	Done() <-chan struct{}
}

// ErrObserverGone is returned when the observer of an inference loop disconnects or
// a send to it fails.
var ErrObserverGone = errors.New("observer gone")

// Broadcaster is the per-game set of training observers. Publishing iterates over a
// snapshot, so observers may subscribe or be removed while a publish is in flight.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[models.GameID]map[uuid.UUID]Observer
	logger      zerolog.Logger
}

func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: map[models.GameID]map[uuid.UUID]Observer{},
		logger:      logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Subscribe adds obs to game's set and returns the key to Unsubscribe with.
func (b *Broadcaster) Subscribe(game models.GameID, obs Observer) uuid.UUID {
	id := uuid.New()
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[game]
	if !ok {
		subs = map[uuid.UUID]Observer{}
		b.subscribers[game] = subs
	}
	subs[id] = obs
	return id
}

// Unsubscribe removes an observer; removing an unknown id is a no-op.
func (b *Broadcaster) Unsubscribe(game models.GameID, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[game]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subscribers, game)
		}
	}
}

// Count is the number of observers subscribed to game.
func (b *Broadcaster) Count(game models.GameID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[game])
}

func (b *Broadcaster) snapshot(game models.GameID) map[uuid.UUID]Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make(map[uuid.UUID]Observer, len(b.subscribers[game]))
	for id, obs := range b.subscribers[game] {
		subs[id] = obs
	}
	return subs
}

// Publish sends msg to every observer of game and returns how many received it.
// An observer that has disconnected or fails the send is removed; the others are
// unaffected.
func (b *Broadcaster) Publish(ctx context.Context, game models.GameID, msg any) (delivered int) {
	for id, obs := range b.snapshot(game) {
		select {
		case <-obs.Done():
			b.Unsubscribe(game, id)
			continue
		default:
		}
		if err := obs.Send(ctx, msg); err != nil {
			b.logger.Debug().Err(err).Str("game", string(game)).Str("observer", id.String()).Msg("dropping observer")
			b.Unsubscribe(game, id)
			continue
		}
		delivered++
	}
	return
}
