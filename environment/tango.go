package environment

import (
	"fmt"

	"arcade/models"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
)

// Tango rewards. Each of the three placement checks scores satisfied or violated.
const (
	TangoCheckSatisfied = 0.5
	TangoCheckViolated  = -1.0
	TangoBudgetReward   = -10.0
)

const (
	DefaultTangoGridSize   = 6
	DefaultTangoMaxActions = 100
	// Number of cells of each symbol placed by Reset.
	tangoPrefilled = 3
	// Number of generated equal pairs and diff pairs.
	tangoPairs = 4
)

// Cell is a puzzle grid position.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// CellPair is an unordered pair of cells bound by a constraint.
type CellPair [2]Cell

// Constraints are the '=' and 'x' pairs of a puzzle. They are only ever evaluated,
// never mutated, within an episode.
type Constraints struct {
	EqualPairs []CellPair `json:"equal_pairs"`
	DiffPairs  []CellPair `json:"diff_pairs"`
}

// Empty reports whether no pairs are registered.
func (c Constraints) Empty() bool {
	return len(c.EqualPairs) == 0 && len(c.DiffPairs) == 0
}

// TangoConfig configures a puzzle. Zero values take the defaults.
type TangoConfig struct {
	GridSize    int
	MaxActions  int
	Constraints Constraints
}

// Tango is the binary-constraint grid puzzle: fill an even NxN grid with O and C so
// no row or column has three equal symbols in a row, every row and column holds N/2
// of each, and all equal/diff pairs hold.
type Tango struct {
	size          int
	requiredCount int
	maxActions    int

	grid        [][]models.Symbol
	prevGrid    [][]models.Symbol
	constraints Constraints
	done        bool
	actionCount int

	rng    *rand.Rand
	logger zerolog.Logger
}

// NewTango returns a reset puzzle, or ErrOddGridSize. Configured constraints must lie
// inside the grid.
func NewTango(cfg TangoConfig, rng *rand.Rand, logger zerolog.Logger) (*Tango, error) {
	if cfg.GridSize == 0 {
		cfg.GridSize = DefaultTangoGridSize
	}
	if cfg.GridSize < 0 || cfg.GridSize%2 != 0 {
		return nil, fmt.Errorf("tango: %w: %d", ErrOddGridSize, cfg.GridSize)
	}
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = DefaultTangoMaxActions
	}
	t := &Tango{
		size:          cfg.GridSize,
		requiredCount: cfg.GridSize / 2,
		maxActions:    cfg.MaxActions,
		rng:           rng,
		logger:        logger,
	}
	if err := t.SetConstraints(cfg.Constraints); err != nil {
		return nil, err
	}
	t.Reset()
	return t, nil
}

// Reset clears the grid, pre-fills a few random cells of each symbol and generates
// random constraints if none exist yet. Constraints survive resets.
func (t *Tango) Reset() models.Observation {
	t.grid = newGrid(t.size)
	t.prevGrid = nil
	t.done = false
	t.actionCount = 0

	positions := make([]Cell, 0, t.size*t.size)
	for r := 0; r < t.size; r++ {
		for c := 0; c < t.size; c++ {
			positions = append(positions, Cell{Row: r, Col: c})
		}
	}
	t.rng.Shuffle(len(positions), func(i, j int) {
		positions[i], positions[j] = positions[j], positions[i]
	})

	prefilled := min(tangoPrefilled, len(positions)/2)
	for _, p := range positions[:prefilled] {
		t.grid[p.Row][p.Col] = models.SymbolO
	}
	for _, p := range positions[prefilled : 2*prefilled] {
		t.grid[p.Row][p.Col] = models.SymbolC
	}

	if len(t.constraints.EqualPairs) == 0 {
		t.constraints.EqualPairs = t.randomPairs(positions)
	}
	if len(t.constraints.DiffPairs) == 0 {
		t.constraints.DiffPairs = t.randomPairs(positions)
	}

	t.logger.Debug().Msg("tango reset with random grid and constraints")
	return t.State()
}

// randomPairs draws tangoPairs distinct pairs from every combination of positions.
func (t *Tango) randomPairs(positions []Cell) []CellPair {
	candidates := make([]CellPair, 0, len(positions)*(len(positions)-1)/2)
	for i := range positions {
		for j := i + 1; j < len(positions); j++ {
			candidates = append(candidates, CellPair{positions[i], positions[j]})
		}
	}
	t.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return append([]CellPair(nil), candidates[:min(tangoPairs, len(candidates))]...)
}

// ResetConstraints drops the current pairs so that the next Reset generates new ones.
func (t *Tango) ResetConstraints() {
	t.constraints = Constraints{}
}

// SetConstraints replaces the pairs. Pairs must lie inside the grid.
func (t *Tango) SetConstraints(c Constraints) error {
	for _, pairs := range [][]CellPair{c.EqualPairs, c.DiffPairs} {
		for _, pair := range pairs {
			for _, cell := range pair {
				if !t.inBounds(cell.Row, cell.Col) {
					return fmt.Errorf("tango: constraint %v: %w", pair, ErrOutOfBounds)
				}
			}
		}
	}
	t.constraints = c
	return nil
}

// Constraints returns a copy of the registered pairs.
func (t *Tango) Constraints() Constraints {
	return Constraints{
		EqualPairs: append([]CellPair(nil), t.constraints.EqualPairs...),
		DiffPairs:  append([]CellPair(nil), t.constraints.DiffPairs...),
	}
}

// SetGrid overwrites the grid contents; grid must be size x size.
func (t *Tango) SetGrid(grid [][]models.Symbol) error {
	if len(grid) != t.size {
		return fmt.Errorf("tango: grid has %d rows, want %d: %w", len(grid), t.size, ErrOutOfBounds)
	}
	for _, row := range grid {
		if len(row) != t.size {
			return fmt.Errorf("tango: grid row has %d cells, want %d: %w", len(row), t.size, ErrOutOfBounds)
		}
	}
	t.grid = copyGrid(grid)
	return nil
}

func (t *Tango) inBounds(row, col int) bool {
	return row >= 0 && row < t.size && col >= 0 && col < t.size
}

// Step places a symbol. Out-of-range indices and unknown symbols are rejected
// before anything changes. The previous grid is kept for a single level of undo.
func (t *Tango) Step(action models.Action) (models.Observation, float64, bool, error) {
	if action.Kind != models.PlacementAction {
		return models.Observation{}, 0, t.done, fmt.Errorf("tango: %w: %s", ErrInvalidAction, action)
	}
	row, col, sym := action.Placement.Row, action.Placement.Col, action.Placement.Symbol
	if !t.inBounds(row, col) {
		return models.Observation{}, 0, t.done, fmt.Errorf("tango: indices (%d, %d) for grid size %d: %w", row, col, t.size, ErrOutOfBounds)
	}
	if !sym.Valid() {
		return models.Observation{}, 0, t.done, fmt.Errorf("tango: %w: %q", ErrInvalidSymbol, rune(sym))
	}

	t.prevGrid = copyGrid(t.grid)
	old := t.grid[row][col]
	t.grid[row][col] = sym
	t.logger.Debug().Int("row", row).Int("col", col).Stringer("symbol", sym).Stringer("replaced", old).Msg("placed symbol")

	reward := t.evaluate(row, col)
	t.done = t.IsSolved()

	if !t.done && t.actionCount >= t.maxActions {
		t.logger.Debug().Msg("maximum actions reached without solving puzzle")
		t.done = true
		return t.State(), TangoBudgetReward, t.done, nil
	}
	t.actionCount++

	return t.State(), reward, t.done, nil
}

// UndoLastAction restores the grid as it was before the last successful Step.
func (t *Tango) UndoLastAction() bool {
	if t.prevGrid == nil {
		return false
	}
	t.grid = copyGrid(t.prevGrid)
	return true
}

// evaluate scores a placement at (row, col) by the adjacency, constraint and
// distribution checks.
func (t *Tango) evaluate(row, col int) (reward float64) {
	score := func(ok bool, what string) float64 {
		if ok {
			return TangoCheckSatisfied
		}
		t.logger.Debug().Str("check", what).Msg("placement check violated")
		return TangoCheckViolated
	}
	reward += score(t.checkAdjacentLimit(row, col), "adjacency")
	reward += score(t.checkConstraints(), "constraints")
	reward += score(t.checkDistribution(row, col), "distribution")
	return
}

// checkAdjacentLimit reports whether the row and column through (row, col) are free
// of three consecutive equal symbols.
func (t *Tango) checkAdjacentLimit(row, col int) bool {
	if t.grid[row][col] == models.Empty {
		return true
	}
	return !hasThreeConsecutive(t.grid[row]) && !hasThreeConsecutive(t.column(col))
}

// checkConstraints reports whether every pair whose cells are both filled holds.
func (t *Tango) checkConstraints() bool {
	for _, pair := range t.constraints.EqualPairs {
		a, b := t.at(pair[0]), t.at(pair[1])
		if a != models.Empty && b != models.Empty && a != b {
			return false
		}
	}
	for _, pair := range t.constraints.DiffPairs {
		a, b := t.at(pair[0]), t.at(pair[1])
		if a != models.Empty && b != models.Empty && a == b {
			return false
		}
	}
	return true
}

// checkDistribution reports whether the modified row and column can still end up
// with exactly requiredCount of each symbol.
func (t *Tango) checkDistribution(row, col int) bool {
	for _, line := range [][]models.Symbol{t.grid[row], t.column(col)} {
		o, c := countSymbols(line)
		if o > t.requiredCount || c > t.requiredCount {
			return false
		}
	}
	return true
}

// IsSolved reports whether the grid is full, has no triples, every row and column
// holds exactly requiredCount of each symbol, and every constraint holds.
func (t *Tango) IsSolved() bool {
	if !t.filled() {
		return false
	}
	for i := 0; i < t.size; i++ {
		if hasThreeConsecutive(t.grid[i]) || hasThreeConsecutive(t.column(i)) {
			return false
		}
	}
	for i := 0; i < t.size; i++ {
		for _, line := range [][]models.Symbol{t.grid[i], t.column(i)} {
			if o, c := countSymbols(line); o != t.requiredCount || c != t.requiredCount {
				return false
			}
		}
	}
	return t.checkConstraints()
}

func (t *Tango) filled() bool {
	for _, row := range t.grid {
		for _, s := range row {
			if s == models.Empty {
				return false
			}
		}
	}
	return true
}

func (t *Tango) at(c Cell) models.Symbol {
	return t.grid[c.Row][c.Col]
}

func (t *Tango) column(col int) []models.Symbol {
	line := make([]models.Symbol, t.size)
	for r := range t.grid {
		line[r] = t.grid[r][col]
	}
	return line
}

func hasThreeConsecutive(line []models.Symbol) bool {
	count := 1
	for i := 1; i < len(line); i++ {
		if line[i] != models.Empty && line[i] == line[i-1] {
			count++
			if count >= 3 {
				return true
			}
		} else {
			count = 1
		}
	}
	return false
}

func countSymbols(line []models.Symbol) (o, c int) {
	for _, s := range line {
		switch s {
		case models.SymbolO:
			o++
		case models.SymbolC:
			c++
		}
	}
	return
}

func (t *Tango) State() models.Observation {
	return models.NewGrid(t.grid).Clone()
}

// NumericState maps O to 0, C to 1 and empty cells to -1.
func (t *Tango) NumericState() [][]int {
	numeric := make([][]int, t.size)
	for r, row := range t.grid {
		numeric[r] = make([]int, t.size)
		for c, s := range row {
			numeric[r][c] = s.Index()
		}
	}
	return numeric
}

// NumActions counts every (row, col, symbol) placement.
func (t *Tango) NumActions() int { return t.size * t.size * len(models.Symbols) }

func (t *Tango) StateSize() int { return t.size * t.size }

func (t *Tango) IsDone() bool { return t.done }

// Size is the grid dimension N.
func (t *Tango) Size() int { return t.size }

// RequiredCount is the number of each symbol a finished row or column holds.
func (t *Tango) RequiredCount() int { return t.requiredCount }

func (t *Tango) Describe() map[string]any {
	return map[string]any{
		"gridSize":      t.size,
		"requiredCount": t.RequiredCount(),
		"constraints":   t.Constraints(),
	}
}

func newGrid(size int) [][]models.Symbol {
	grid := make([][]models.Symbol, size)
	for i := range grid {
		grid[i] = make([]models.Symbol, size)
	}
	return grid
}

func copyGrid(grid [][]models.Symbol) [][]models.Symbol {
	cp := make([][]models.Symbol, len(grid))
	for i, row := range grid {
		cp[i] = append([]models.Symbol(nil), row...)
	}
	return cp
}
