// Package session tracks per-game control state and episode bookkeeping. The
// StateMachine is the authority on whether a loop may run.
package session

import (
	"errors"
	"fmt"
	"sync"

	"arcade/atomic_float"

	"github.com/rs/zerolog"
)

// ControlState is the session's control state.
type ControlState string

const (
	Idle        ControlState = "idle"
	Training    ControlState = "training"
	Inferencing ControlState = "inferencing"
	Paused      ControlState = "paused"
)

// There is no edge between Training and Inferencing: a caller must route through
// Idle or Paused, so two loops never interleave updates on one value store.
var validTransitions = map[ControlState][]ControlState{
	Idle:        {Training, Inferencing, Idle},
	Training:    {Paused, Idle},
	Inferencing: {Paused, Idle},
	Paused:      {Training, Inferencing, Idle, Paused},
}

// ErrInvalidTransition is returned by SetState for a target outside the allowed set.
var ErrInvalidTransition = errors.New("invalid state transition")

// Status is a consistent read of the session, as served by the status endpoint.
type Status struct {
	State                ControlState `json:"status"`
	CurrentEpisode       int          `json:"current_episode"`
	MaxEpisodes          int          `json:"max_episodes"`
	NumEpisodesCompleted int          `json:"num_episodes_completed"`
	TotalReward          float64      `json:"total_reward"`
	CurrentReward        float64      `json:"current_reward"`
	AverageReward        float64      `json:"average_reward"`
}

// StateMachine holds one game's control state and counters. Control state and episode
// counters are guarded by mu; the reward accumulators are atomic so that status reads
// never wait on a tick.
type StateMachine struct {
	mu                   sync.Mutex
	state                ControlState
	currentEpisode       int
	maxEpisodes          int
	numEpisodesCompleted int
	totalReward          atomic_float.AtomicFloat64
	currentReward        atomic_float.AtomicFloat64

	watchers map[int]chan struct{}
	nextID   int
	logger   zerolog.Logger
}

// NewStateMachine returns an Idle machine with a fixed episode budget.
func NewStateMachine(maxEpisodes int, logger zerolog.Logger) *StateMachine {
	return &StateMachine{
		state:       Idle,
		maxEpisodes: maxEpisodes,
		watchers:    map[int]chan struct{}{},
		logger:      logger,
	}
}

// IsValidTransition reports whether to is reachable from from.
func IsValidTransition(from, to ControlState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// State returns the current control state.
func (sm *StateMachine) State() ControlState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// SetState transitions to newState, or returns ErrInvalidTransition and leaves the state
// unchanged. Watchers are notified of every successful transition.
func (sm *StateMachine) SetState(newState ControlState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.setLocked(newState)
}

// CompareAndSet transitions to newState only when the current state is expected.
// It returns the state observed before the call.
func (sm *StateMachine) CompareAndSet(expected, newState ControlState) (ControlState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	cur := sm.state
	if cur != expected {
		return cur, fmt.Errorf("%w: from %s to %s, expected %s", ErrInvalidTransition, cur, newState, expected)
	}
	return cur, sm.setLocked(newState)
}

// ForceIdle moves any state to Idle; every state permits it.
func (sm *StateMachine) ForceIdle() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != Idle {
		_ = sm.setLocked(Idle)
	}
}

func (sm *StateMachine) setLocked(newState ControlState) error {
	if !IsValidTransition(sm.state, newState) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, sm.state, newState)
	}
	old := sm.state
	sm.state = newState
	sm.logger.Info().Str("from", string(old)).Str("to", string(newState)).Msg("state changed")
	sm.notifyLocked()
	return nil
}

// Watch returns a wake channel that receives after every state change, and a func to
// stop watching. Wakes coalesce: receivers must read State() after waking.
func (sm *StateMachine) Watch() (<-chan struct{}, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	id := sm.nextID
	sm.nextID++
	wake := make(chan struct{}, 1)
	sm.watchers[id] = wake
	return wake, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		delete(sm.watchers, id)
	}
}

func (sm *StateMachine) notifyLocked() {
	for _, wake := range sm.watchers {
		select {
		case wake <- struct{}{}:
		default:
			// A wake is already pending.
		}
	}
}

// Reset zeroes the episode and reward counters without touching the control state.
func (sm *StateMachine) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.currentEpisode = 0
	sm.numEpisodesCompleted = 0
	sm.totalReward.AtomicSet(0)
	sm.currentReward.AtomicSet(0)
}

// CanContinue reports whether a training loop may run another tick.
func (sm *StateMachine) CanContinue() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state == Training && sm.currentEpisode < sm.maxEpisodes
}

// AddReward accumulates reward into the in-flight episode and returns the new total.
func (sm *StateMachine) AddReward(reward float64) float64 {
	return sm.currentReward.Add(reward)
}

// CompleteEpisode closes the in-flight episode: the episode counters advance by one,
// finalReward is added to the total and the current reward resets to zero.
func (sm *StateMachine) CompleteEpisode(finalReward float64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.currentEpisode < sm.maxEpisodes {
		sm.currentEpisode++
	}
	sm.numEpisodesCompleted++
	sm.totalReward.Add(finalReward)
	sm.currentReward.AtomicSet(0)
}

// ResetCurrentReward zeroes the in-flight accumulator without closing an episode.
func (sm *StateMachine) ResetCurrentReward() {
	sm.currentReward.AtomicSet(0)
}

// ResetTotalReward zeroes the total; inference does this on entry.
func (sm *StateMachine) ResetTotalReward() {
	sm.totalReward.AtomicSet(0)
}

// AverageReward is total reward over completed episodes, or 0 when none completed.
func (sm *StateMachine) AverageReward() float64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.averageLocked()
}

func (sm *StateMachine) averageLocked() float64 {
	if sm.numEpisodesCompleted == 0 {
		return 0
	}
	return sm.totalReward.AtomicRead() / float64(sm.numEpisodesCompleted)
}

// Snapshot returns every counter and the state as one consistent read.
func (sm *StateMachine) Snapshot() Status {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return Status{
		State:                sm.state,
		CurrentEpisode:       sm.currentEpisode,
		MaxEpisodes:          sm.maxEpisodes,
		NumEpisodesCompleted: sm.numEpisodesCompleted,
		TotalReward:          sm.totalReward.AtomicRead(),
		CurrentReward:        sm.currentReward.AtomicRead(),
		AverageReward:        sm.averageLocked(),
	}
}
