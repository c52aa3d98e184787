// Package reinforcement holds the learning agents. Every agent selects actions
// epsilon-greedily, learns online from one transition at a time, and persists its
// value estimates through a Store.
package reinforcement

import (
	"errors"
	"fmt"
	"math"

	"arcade/models"
)

// Agent is the contract the orchestration loops drive.
type Agent interface {
	// Action picks an action for obs. With explore false the agent still acts
	// epsilon-greedily, but at its floor rate.
	Action(obs models.Observation, explore bool) (models.Action, error)
	// Update learns from one transition. A malformed transition is rejected
	// before any value changes.
	Update(t models.Transition) error
	// Load replaces the value estimates with the persisted ones.
	Load() error
	// Save persists the value estimates.
	Save() error
	Epsilon() float64
}

// Kind names an agent variant; it selects the agent in config and prefixes its model blob.
type Kind string

const (
	KindTabular           Kind = "tabular"
	KindValueNetwork      Kind = "value_network"
	KindGraphValueNetwork Kind = "graph_value_network"
)

var (
	// ErrMalformedTransition is returned by Update for transitions the agent cannot learn from.
	ErrMalformedTransition = errors.New("malformed transition")
	// ErrNoModel is returned by Load when nothing has been saved yet.
	ErrNoModel = errors.New("no saved model")
	// ErrModelMismatch is returned by Load for a blob saved by a different agent shape.
	ErrModelMismatch = errors.New("saved model does not match agent")
)

// Exploration is the epsilon-greedy schedule: Epsilon decays multiplicatively
// after every update but never below Min, which is also the rate used when not exploring.
type Exploration struct {
	Epsilon float64 `yaml:"epsilon"`
	Decay   float64 `yaml:"decay"`
	Min     float64 `yaml:"min"`
}

// Rate is the probability of a random action.
func (e Exploration) Rate(explore bool) float64 {
	if explore {
		return e.Epsilon
	}
	return e.Min
}

// Decayed returns the schedule after one update: max(epsilon*decay, min).
func (e Exploration) Decayed() Exploration {
	e.Epsilon = math.Max(e.Epsilon*e.Decay, e.Min)
	return e
}

// HyperParams is the lookup agents read their settings from; config.GameConfig satisfies it.
type HyperParams interface {
	GetHyperParamOrDefault(param string, defaultVal float64) float64
}

// Defaults is a HyperParams with no overrides.
type Defaults struct{}

func (Defaults) GetHyperParamOrDefault(_ string, defaultVal float64) float64 { return defaultVal }

func explorationFrom(params HyperParams, epsilon, decay, floor float64) Exploration {
	return Exploration{
		Epsilon: params.GetHyperParamOrDefault("epsilon", epsilon),
		Decay:   params.GetHyperParamOrDefault("epsilonDecay", decay),
		Min:     params.GetHyperParamOrDefault("epsilonMin", floor),
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// checkVector validates a transition for agents over fixed-length state vectors
// and discrete actions.
func checkVector(t models.Transition, stateSize, numActions int) error {
	switch {
	case t.State.Kind != models.VectorObservation || t.Next.Kind != models.VectorObservation:
		return fmt.Errorf("%w: want vector observations", ErrMalformedTransition)
	case len(t.State.Vector) != stateSize || len(t.Next.Vector) != stateSize:
		return fmt.Errorf("%w: state length %d/%d, want %d",
			ErrMalformedTransition, len(t.State.Vector), len(t.Next.Vector), stateSize)
	case !t.State.Finite() || !t.Next.Finite():
		return fmt.Errorf("%w: state holds NaN or Inf", ErrMalformedTransition)
	case t.Action.Kind != models.DiscreteAction || t.Action.Index < 0 || t.Action.Index >= numActions:
		return fmt.Errorf("%w: action %s of %d", ErrMalformedTransition, t.Action, numActions)
	case !finite(t.Reward):
		return fmt.Errorf("%w: reward %v", ErrMalformedTransition, t.Reward)
	}
	return nil
}

// argmax returns the index of the first maximum.
func argmax(vals []float64) int {
	best := 0
	for i, v := range vals {
		if v > vals[best] {
			best = i
		}
	}
	return best
}

func maxOf(vals []float64) float64 {
	return vals[argmax(vals)]
}

func allEqual(vals []float64) bool {
	for _, v := range vals[1:] {
		if v != vals[0] {
			return false
		}
	}
	return true
}
