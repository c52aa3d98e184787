package environment

import (
	"fmt"
	"math"

	"arcade/models"

	"golang.org/x/exp/rand"
)

// Snake rewards
const (
	SnakeCollisionReward = -10.0
	SnakeFoodReward      = 20.0
	SnakeStepReward      = -0.1
	SnakeCloserReward    = 0.1
	SnakeFartherReward   = -0.1
)

const (
	DefaultSnakeGridSize = 10
	snakeCellSize        = 35
)

// Snake actions
const (
	Up = iota
	Down
	Left
	Right
	numSnakeActions
)

type point struct{ X, Y int }

// Snake is the grid snake game. The head is body[0].
type Snake struct {
	gridSize int
	body     []point
	food     point
	done     bool
	rng      *rand.Rand
}

// NewSnake returns a reset snake game on a gridSize x gridSize board.
func NewSnake(gridSize int, rng *rand.Rand) *Snake {
	if gridSize <= 0 {
		gridSize = DefaultSnakeGridSize
	}
	s := &Snake{gridSize: gridSize, rng: rng}
	s.Reset()
	return s
}

func (s *Snake) Reset() models.Observation {
	s.body = []point{{X: s.rng.Intn(s.gridSize), Y: s.rng.Intn(s.gridSize)}}
	s.food, _ = s.placeFood()
	s.done = false
	return s.State()
}

// placeFood picks a random unoccupied cell; ok is false when the board is full.
func (s *Snake) placeFood() (food point, ok bool) {
	free := make([]point, 0, s.gridSize*s.gridSize)
	for x := 0; x < s.gridSize; x++ {
		for y := 0; y < s.gridSize; y++ {
			if p := (point{X: x, Y: y}); !s.occupied(p) {
				free = append(free, p)
			}
		}
	}
	if len(free) == 0 {
		return s.food, false
	}
	return free[s.rng.Intn(len(free))], true
}

func (s *Snake) occupied(p point) bool {
	for _, seg := range s.body {
		if seg == p {
			return true
		}
	}
	return false
}

func (s *Snake) Step(action models.Action) (models.Observation, float64, bool, error) {
	if action.Kind != models.DiscreteAction || action.Index < 0 || action.Index >= numSnakeActions {
		return models.Observation{}, 0, s.done, fmt.Errorf("snake: %w: %s", ErrInvalidAction, action)
	}
	if s.done {
		return s.State(), SnakeCollisionReward, true, nil
	}

	head := s.body[0]
	prevDistance := distance(head, s.food)

	next := head
	switch action.Index {
	case Up:
		next.Y--
	case Down:
		next.Y++
	case Left:
		next.X--
	case Right:
		next.X++
	}

	if next.X < 0 || next.Y < 0 || next.X >= s.gridSize || next.Y >= s.gridSize || s.occupied(next) {
		s.done = true
		return s.State(), SnakeCollisionReward, true, nil
	}

	s.body = append([]point{next}, s.body...)

	shaping := SnakeFartherReward
	if distance(next, s.food) < prevDistance {
		shaping = SnakeCloserReward
	}

	var reward float64
	if next == s.food {
		reward = SnakeFoodReward
		var ok bool
		if s.food, ok = s.placeFood(); !ok {
			// The snake covers the board; nothing left to eat.
			s.done = true
		}
	} else {
		s.body = s.body[:len(s.body)-1]
		reward = SnakeStepReward
	}

	return s.State(), reward + shaping, s.done, nil
}

func distance(a, b point) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

// State is the body segments as x,y pairs padded with -1 to the maximum snake length,
// followed by the food position.
func (s *Snake) State() models.Observation {
	vec := make([]float64, 0, s.StateSize())
	for _, seg := range s.body {
		vec = append(vec, float64(seg.X), float64(seg.Y))
	}
	for len(vec) < 2*s.gridSize*s.gridSize {
		vec = append(vec, -1)
	}
	vec = append(vec, float64(s.food.X), float64(s.food.Y))
	return models.NewVector(vec)
}

func (s *Snake) NumActions() int { return numSnakeActions }

func (s *Snake) StateSize() int { return 2*s.gridSize*s.gridSize + 2 }

func (s *Snake) IsDone() bool { return s.done }

// Len is the number of body segments.
func (s *Snake) Len() int { return len(s.body) }

func (s *Snake) Describe() map[string]any {
	return map[string]any{
		"gridSize": s.gridSize,
		"cellSize": snakeCellSize,
	}
}
