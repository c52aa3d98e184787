// Package models holds the value types shared by environments, agents, loops and the server.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GameID selects the environment/agent pair and session a request targets.
type GameID string

const (
	Snake GameID = "snake"
	Pong  GameID = "pong"
	Tango GameID = "tango"

	// DefaultGame is used when a request omits the game parameter.
	DefaultGame = Snake
)

// Symbol is the content of a puzzle cell.
type Symbol byte

const (
	Empty   Symbol = 0
	SymbolO Symbol = 'O'
	SymbolC Symbol = 'C'
)

// Symbols lists the placeable symbols in output-index order.
var Symbols = []Symbol{SymbolO, SymbolC}

// Valid reports whether s is a placeable symbol.
func (s Symbol) Valid() bool {
	return s == SymbolO || s == SymbolC
}

// Index returns the output index of s in Symbols, or -1.
func (s Symbol) Index() int {
	for i, sym := range Symbols {
		if sym == s {
			return i
		}
	}
	return -1
}

func (s Symbol) String() string {
	if s == Empty {
		return "."
	}
	return string(rune(s))
}

func (s Symbol) MarshalJSON() ([]byte, error) {
	if s == Empty {
		return []byte("null"), nil
	}
	return json.Marshal(string(rune(s)))
}

// ObservationKind tags which representation an Observation carries.
type ObservationKind int

const (
	VectorObservation ObservationKind = iota
	GridObservation
)

// Observation is an environment state. Vector environments (snake, pong) fill Vector,
// the puzzle fills Grid. Observations handed out by environments are copies.
type Observation struct {
	Kind   ObservationKind
	Vector []float64
	Grid   [][]Symbol
}

// NewVector wraps a state vector.
func NewVector(v []float64) Observation {
	return Observation{Kind: VectorObservation, Vector: v}
}

// NewGrid wraps a grid of cells.
func NewGrid(g [][]Symbol) Observation {
	return Observation{Kind: GridObservation, Grid: g}
}

// Len is the number of scalar components: vector length or cell count.
func (o Observation) Len() int {
	if o.Kind == GridObservation {
		n := 0
		for _, row := range o.Grid {
			n += len(row)
		}
		return n
	}
	return len(o.Vector)
}

// Clone returns a deep copy.
func (o Observation) Clone() Observation {
	c := Observation{Kind: o.Kind}
	if o.Vector != nil {
		c.Vector = append([]float64(nil), o.Vector...)
	}
	if o.Grid != nil {
		c.Grid = make([][]Symbol, len(o.Grid))
		for i, row := range o.Grid {
			c.Grid[i] = append([]Symbol(nil), row...)
		}
	}
	return c
}

// Filled reports whether a grid observation has no empty cells.
// Vector observations are never considered filled.
func (o Observation) Filled() bool {
	if o.Kind != GridObservation {
		return false
	}
	for _, row := range o.Grid {
		for _, s := range row {
			if s == Empty {
				return false
			}
		}
	}
	return true
}

// Finite reports whether every vector component is a real number.
func (o Observation) Finite() bool {
	for _, v := range o.Vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Key returns an exact, comparable encoding used by tabular value stores.
func (o Observation) Key() string {
	var sb strings.Builder
	if o.Kind == GridObservation {
		for i, row := range o.Grid {
			if i > 0 {
				sb.WriteByte('/')
			}
			for _, s := range row {
				sb.WriteString(s.String())
			}
		}
		return sb.String()
	}
	for i, v := range o.Vector {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return sb.String()
}

// MarshalJSON emits the vector as a number array, or the grid as rows of "O", "C" or null.
func (o Observation) MarshalJSON() ([]byte, error) {
	if o.Kind == GridObservation {
		return json.Marshal(o.Grid)
	}
	if o.Vector == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(o.Vector)
}

// ActionKind tags which representation an Action carries.
type ActionKind int

const (
	DiscreteAction ActionKind = iota
	PlacementAction
)

// Placement writes Symbol into the puzzle cell (Row, Col).
type Placement struct {
	Row, Col int
	Symbol   Symbol
}

// Action is either a discrete action index (snake, pong) or a puzzle placement.
type Action struct {
	Kind      ActionKind
	Index     int
	Placement Placement
}

// Discrete builds a discrete action.
func Discrete(index int) Action {
	return Action{Kind: DiscreteAction, Index: index}
}

// Place builds a puzzle placement action.
func Place(row, col int, sym Symbol) Action {
	return Action{Kind: PlacementAction, Placement: Placement{Row: row, Col: col, Symbol: sym}}
}

func (a Action) String() string {
	if a.Kind == PlacementAction {
		return fmt.Sprintf("(%d,%d,%s)", a.Placement.Row, a.Placement.Col, a.Placement.Symbol)
	}
	return strconv.Itoa(a.Index)
}

// Transition is a single time step of an agent: do action a in state s,
// observe reward r and successor s'. It is consumed by one update and discarded.
type Transition struct {
	State  Observation
	Action Action
	Reward float64
	Next   Observation
	Done   bool
}

// Progress is published to training observers once per tick.
type Progress struct {
	CurrentEpisode int         `json:"current_episode"`
	CurrentReward  float64     `json:"current_reward"`
	AverageReward  float64     `json:"average_reward"`
	State          Observation `json:"state"`
	SequenceNumber uint64      `json:"sequence_number"`
}

// Frame is published to the single inference observer once per tick.
type Frame struct {
	State          Observation `json:"state"`
	SequenceNumber uint64      `json:"sequence_number"`
}

// Envelope carries typed, non-state messages to feed clients, e.g. the game config.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
