package reinforcement

import (
	"fmt"
	"sync"

	"arcade/models"
	"arcade/network"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

const (
	// One-hot node features: O, C, empty.
	nodeFeatures    = 3
	graphHiddenSize = 64
)

// GridGraph turns a puzzle grid into a graph with one node per cell (row-major), a
// one-hot O/C/empty feature per node, and edges between orthogonal neighbours.
// There is no wraparound, so boundary cells have fewer neighbours.
func GridGraph(grid [][]models.Symbol) network.Graph {
	n := len(grid)
	feats := mat.NewDense(n*n, nodeFeatures, nil)
	var edges [][2]int
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			node := r*n + c
			switch grid[r][c] {
			case models.SymbolO:
				feats.Set(node, 0, 1)
			case models.SymbolC:
				feats.Set(node, 1, 1)
			default:
				feats.Set(node, 2, 1)
			}
			if c+1 < n {
				edges = append(edges, [2]int{node, node + 1})
			}
			if r+1 < n {
				edges = append(edges, [2]int{node, node + n})
			}
		}
	}
	return network.Graph{Features: feats, Edges: edges}
}

// GraphValueQ learns Q(s, (row, col, symbol)) with a graph convolution network that
// outputs one value per symbol for every cell. Like ValueNetworkQ it bootstraps from
// its own predictions.
type GraphValueQ struct {
	mu sync.Mutex

	key   string
	store Store
	rng   *rand.Rand
	size  int

	gamma   float64
	explore Exploration
	model   *network.GCN
}

var _ Agent = (*GraphValueQ)(nil)

// NewGraphValueQ builds the agent for a size x size puzzle.
func NewGraphValueQ(game string, size int, params HyperParams, store Store, rng *rand.Rand) *GraphValueQ {
	return &GraphValueQ{
		key:     ModelKey(KindGraphValueNetwork, game),
		store:   store,
		rng:     rng,
		size:    size,
		gamma:   params.GetHyperParamOrDefault("gamma", 0.99),
		explore: explorationFrom(params, 1.0, 0.995, 0.01),
		model:   network.NewGCN(nodeFeatures, graphHiddenSize, len(models.Symbols),
			params.GetHyperParamOrDefault("learningRate", 0.001), rng),
	}
}

func (a *GraphValueQ) checkGrid(obs models.Observation) error {
	if obs.Kind != models.GridObservation || len(obs.Grid) != a.size {
		return fmt.Errorf("want a %dx%d grid observation", a.size, a.size)
	}
	for _, row := range obs.Grid {
		if len(row) != a.size {
			return fmt.Errorf("want a %dx%d grid observation", a.size, a.size)
		}
		for _, s := range row {
			if s != models.Empty && !s.Valid() {
				return fmt.Errorf("unknown cell symbol %q", rune(s))
			}
		}
	}
	return nil
}

func (a *GraphValueQ) randomSymbol() models.Symbol {
	return models.Symbols[a.rng.Intn(len(models.Symbols))]
}

// Action places a symbol on an empty cell. Greedy choice scans cells row-major and
// symbols in order, keeping the first maximum, so ties favour the top-left cell and O.
// A full grid has no legal placement; a random cell and symbol is returned instead.
func (a *GraphValueQ) Action(obs models.Observation, explore bool) (models.Action, error) {
	if err := a.checkGrid(obs); err != nil {
		return models.Action{}, fmt.Errorf("graph value network: %w", err)
	}

	var empty []int
	for r, row := range obs.Grid {
		for c, s := range row {
			if s == models.Empty {
				empty = append(empty, r*a.size+c)
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(empty) == 0 {
		return models.Place(a.rng.Intn(a.size), a.rng.Intn(a.size), a.randomSymbol()), nil
	}
	if a.rng.Float64() < a.explore.Rate(explore) {
		cell := empty[a.rng.Intn(len(empty))]
		return models.Place(cell/a.size, cell%a.size, a.randomSymbol()), nil
	}

	q, err := a.model.Predict(GridGraph(obs.Grid))
	if err != nil {
		return models.Action{}, fmt.Errorf("graph value network: %w", err)
	}
	stride := a.model.Outputs()
	bestCell, bestSym := empty[0], 0
	for _, cell := range empty {
		for k := range models.Symbols {
			if q[cell*stride+k] > q[bestCell*stride+bestSym] {
				bestCell, bestSym = cell, k
			}
		}
	}
	return models.Place(bestCell/a.size, bestCell%a.size, models.Symbols[bestSym]), nil
}

func (a *GraphValueQ) checkTransition(t models.Transition) error {
	if err := a.checkGrid(t.State); err != nil {
		return fmt.Errorf("%w: state: %v", ErrMalformedTransition, err)
	}
	if err := a.checkGrid(t.Next); err != nil {
		return fmt.Errorf("%w: next state: %v", ErrMalformedTransition, err)
	}
	p := t.Action.Placement
	switch {
	case t.Action.Kind != models.PlacementAction:
		return fmt.Errorf("%w: want a placement action", ErrMalformedTransition)
	case p.Row < 0 || p.Row >= a.size || p.Col < 0 || p.Col >= a.size || !p.Symbol.Valid():
		return fmt.Errorf("%w: placement %s", ErrMalformedTransition, t.Action)
	case !finite(t.Reward):
		return fmt.Errorf("%w: reward %v", ErrMalformedTransition, t.Reward)
	}
	return nil
}

// Update fits the output of the placed cell and symbol toward r when the successor
// grid is full, or r + gamma * (max over every node output of s') otherwise.
func (a *GraphValueQ) Update(t models.Transition) error {
	if err := a.checkTransition(t); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	target := t.Reward
	if !t.Next.Filled() {
		next, err := a.model.Predict(GridGraph(t.Next.Grid))
		if err != nil {
			return fmt.Errorf("graph value network: %w", err)
		}
		target += a.gamma * maxOf(next)
	}
	p := t.Action.Placement
	output := (p.Row*a.size+p.Col)*a.model.Outputs() + p.Symbol.Index()
	if _, err := a.model.Fit(GridGraph(t.State.Grid), output, target); err != nil {
		return fmt.Errorf("graph value network: %w", err)
	}
	a.explore = a.explore.Decayed()
	return nil
}

// Values returns the per-cell, per-symbol values for obs in row-major order.
func (a *GraphValueQ) Values(obs models.Observation) ([]float64, error) {
	if err := a.checkGrid(obs); err != nil {
		return nil, fmt.Errorf("graph value network: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model.Predict(GridGraph(obs.Grid))
}

func (a *GraphValueQ) Epsilon() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.explore.Epsilon
}

func (a *GraphValueQ) Load() error {
	var m networkModel
	if err := loadYaml(a.store, a.key, &m); err != nil {
		return err
	}
	if m.Kind != KindGraphValueNetwork {
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

func (a *GraphValueQ) Save() error {
	a.mu.Lock()
	m := networkModel{Kind: KindGraphValueNetwork, Exploration: a.explore, Model: a.model.Snapshot()}
	a.mu.Unlock()
	return saveYaml(a.store, a.key, m)
}
