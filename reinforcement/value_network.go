package reinforcement

import (
	"fmt"
	"sync"

	"arcade/models"
	"arcade/network"

	"golang.org/x/exp/rand"
)

// DefaultHiddenLayers are the widths of the value network's hidden layers.
var DefaultHiddenLayers = []int{128, 128}

// ValueNetworkQ is Q-learning with an MLP approximating Q(s, .) from the state vector.
//
// The bootstrap target r + gamma*max Q(s') is computed by the same network being
// trained. There is no separate target network, which is known to make learning
// less stable; learning curves are calibrated to this rule so it is kept as is.
type ValueNetworkQ struct {
	mu sync.Mutex

	key        string
	store      Store
	rng        *rand.Rand
	stateSize  int
	numActions int

	gamma   float64
	explore Exploration
	model   *network.MLP
}

var _ Agent = (*ValueNetworkQ)(nil)

// NewValueNetworkQ builds a stateSize -> 128 -> 128 -> numActions network trained
// with Adam (learningRate, default 0.001).
func NewValueNetworkQ(
	game string,
	stateSize, numActions int,
	params HyperParams,
	store Store,
	rng *rand.Rand,
) *ValueNetworkQ {
	sizes := append([]int{stateSize}, DefaultHiddenLayers...)
	sizes = append(sizes, numActions)
	return &ValueNetworkQ{
		key:        ModelKey(KindValueNetwork, game),
		store:      store,
		rng:        rng,
		stateSize:  stateSize,
		numActions: numActions,
		gamma:      params.GetHyperParamOrDefault("gamma", 0.99),
		explore:    explorationFrom(params, 1.0, 0.995, 0.01),
		model:      network.NewMLP(sizes, params.GetHyperParamOrDefault("learningRate", 0.001), rng),
	}
}

func (a *ValueNetworkQ) Action(obs models.Observation, explore bool) (models.Action, error) {
	if obs.Kind != models.VectorObservation || len(obs.Vector) != a.stateSize {
		return models.Action{}, fmt.Errorf("value network: observation of length %d, want %d", obs.Len(), a.stateSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rng.Float64() < a.explore.Rate(explore) {
		return models.Discrete(a.rng.Intn(a.numActions)), nil
	}
	q, err := a.model.Predict(obs.Vector)
	if err != nil {
		return models.Action{}, fmt.Errorf("value network: %w", err)
	}
	return models.Discrete(argmax(q)), nil
}

// Update takes one gradient step of (Q(s,a) - (r + gamma*max Q(s')))^2.
func (a *ValueNetworkQ) Update(t models.Transition) error {
	if err := checkVector(t, a.stateSize, a.numActions); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next, err := a.model.Predict(t.Next.Vector)
	if err != nil {
		return fmt.Errorf("value network: %w", err)
	}
	target := t.Reward + a.gamma*maxOf(next)
	if _, err = a.model.Fit(t.State.Vector, t.Action.Index, target); err != nil {
		return fmt.Errorf("value network: %w", err)
	}
	a.explore = a.explore.Decayed()
	return nil
}

// Values returns Q(obs, .).
func (a *ValueNetworkQ) Values(obs models.Observation) ([]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model.Predict(obs.Vector)
}

func (a *ValueNetworkQ) Epsilon() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.explore.Epsilon
}

// networkModel is the persisted form of both network agents.
type networkModel struct {
	Kind        Kind             `yaml:"kind"`
	Exploration Exploration      `yaml:"exploration"`
	Model       network.Snapshot `yaml:"model"`
}

func (a *ValueNetworkQ) Load() error {
	var m networkModel
	if err := loadYaml(a.store, a.key, &m); err != nil {
		return err
	}
	if m.Kind != KindValueNetwork {
		return fmt.Errorf("%w: %s has kind %q", ErrModelMismatch, a.key, m.Kind)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.model.Restore(m.Model); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModelMismatch, a.key, err)
	}
	a.explore = m.Exploration
	return nil
}

func (a *ValueNetworkQ) Save() error {
	a.mu.Lock()
	m := networkModel{Kind: KindValueNetwork, Exploration: a.explore, Model: a.model.Snapshot()}
	a.mu.Unlock()
	return saveYaml(a.store, a.key, m)
}
