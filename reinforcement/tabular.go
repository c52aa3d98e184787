package reinforcement

import (
	"fmt"
	"sync"

	"arcade/models"

	"golang.org/x/exp/rand"
)

// Initializer returns the starting values of a newly seen state row.
type Initializer func(numActions int) []float64

// NoiseInit initialises rows with uniform noise in [-0.01, 0.01) so that untouched
// rows rarely tie.
func NoiseInit(rng *rand.Rand) Initializer {
	return func(numActions int) []float64 {
		row := make([]float64, numActions)
		for i := range row {
			row[i] = rng.Float64()*0.02 - 0.01
		}
		return row
	}
}

// ZeroInit initialises rows with zeros.
func ZeroInit(numActions int) []float64 {
	return make([]float64, numActions)
}

// TabularQ is one-step Q-learning over a sparse table keyed by the exact state.
type TabularQ struct {
	mu sync.Mutex

	key        string
	store      Store
	rng        *rand.Rand
	init       Initializer
	stateSize  int
	numActions int

	// Alpha: the learning rate
	alpha float64
	// Gamma: the look-ahead parameter, or how much to value future state values.
	gamma   float64
	explore Exploration
	table   map[string][]float64
}

var _ Agent = (*TabularQ)(nil)

// NewTabularQ binds a table agent to an environment's state and action sizes.
// Rows are created with init, or NoiseInit(rng) when init is nil.
func NewTabularQ(
	game string,
	stateSize, numActions int,
	params HyperParams,
	store Store,
	rng *rand.Rand,
	init Initializer,
) *TabularQ {
	if init == nil {
		init = NoiseInit(rng)
	}
	return &TabularQ{
		key:        ModelKey(KindTabular, game),
		store:      store,
		rng:        rng,
		init:       init,
		stateSize:  stateSize,
		numActions: numActions,
		alpha:      params.GetHyperParamOrDefault("alpha", 0.1),
		gamma:      params.GetHyperParamOrDefault("gamma", 0.99),
		explore:    explorationFrom(params, 0.1, 0.995, 0.01),
		table:      map[string][]float64{},
	}
}

// row returns the values of key, creating them on first sight.
func (a *TabularQ) row(key string) []float64 {
	vals, ok := a.table[key]
	if !ok {
		vals = a.init(a.numActions)
		a.table[key] = vals
	}
	return vals
}

func (a *TabularQ) Action(obs models.Observation, explore bool) (models.Action, error) {
	if obs.Kind != models.VectorObservation || len(obs.Vector) != a.stateSize {
		return models.Action{}, fmt.Errorf("tabular: observation of length %d, want %d", obs.Len(), a.stateSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	vals := a.row(obs.Key())
	if a.rng.Float64() < a.explore.Rate(explore) || allEqual(vals) {
		return models.Discrete(a.rng.Intn(a.numActions)), nil
	}
	return models.Discrete(argmax(vals)), nil
}

// Update applies Q[s][a] += alpha * (r + gamma*max Q[s'] - Q[s][a]). A successor row
// whose values are all equal is perturbed by the initializer before the max is taken.
func (a *TabularQ) Update(t models.Transition) error {
	if err := checkVector(t, a.stateSize, a.numActions); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	q := a.row(t.State.Key())
	next := a.row(t.Next.Key())
	if allEqual(next) {
		for i, v := range a.init(a.numActions) {
			next[i] += v
		}
	}
	target := t.Reward + a.gamma*maxOf(next)
	q[t.Action.Index] += a.alpha * (target - q[t.Action.Index])
	a.explore = a.explore.Decayed()
	return nil
}

// Value returns a copy of the row for obs, or nil when the state was never seen.
func (a *TabularQ) Value(obs models.Observation) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if vals, ok := a.table[obs.Key()]; ok {
		return append([]float64(nil), vals...)
	}
	return nil
}

func (a *TabularQ) Epsilon() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.explore.Epsilon
}

type tabularModel struct {
	Kind        Kind                 `yaml:"kind"`
	NumActions  int                  `yaml:"numactions"`
	Exploration Exploration          `yaml:"exploration"`
	Table       map[string][]float64 `yaml:"table"`
}

func (a *TabularQ) Load() error {
	var m tabularModel
	if err := loadYaml(a.store, a.key, &m); err != nil {
		return err
	}
	if m.Kind != KindTabular || m.NumActions != a.numActions {
		return fmt.Errorf("%w: %s has kind %q with %d actions", ErrModelMismatch, a.key, m.Kind, m.NumActions)
	}
	for key, row := range m.Table {
		if len(row) != a.numActions {
			return fmt.Errorf("%w: %s row %q has %d values", ErrModelMismatch, a.key, key, len(row))
		}
	}
	if m.Table == nil {
		m.Table = map[string][]float64{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.table = m.Table
	a.explore = m.Exploration
	return nil
}

func (a *TabularQ) Save() error {
	a.mu.Lock()
	m := tabularModel{
		Kind:        KindTabular,
		NumActions:  a.numActions,
		Exploration: a.explore,
		Table:       make(map[string][]float64, len(a.table)),
	}
	for key, row := range a.table {
		m.Table[key] = append([]float64(nil), row...)
	}
	a.mu.Unlock()
	return saveYaml(a.store, a.key, m)
}
