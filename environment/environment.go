// Package environment implements the games as pure simulations. Environments know
// nothing about sessions or agents; they are driven one Step at a time.
package environment

import (
	"errors"

	"arcade/models"
)

// Environment is the capability set shared by every game.
type Environment interface {
	// Reset reinitialises the simulation and returns the first observation.
	Reset() models.Observation
	// Step applies an action and returns the successor, its reward and whether the
	// episode ended. An invalid action returns an error and changes nothing.
	Step(models.Action) (models.Observation, float64, bool, error)
	// State returns a copy of the current observation.
	State() models.Observation
	NumActions() int
	// StateSize is the number of scalar components in an observation.
	StateSize() int
	IsDone() bool
}

// Describer is implemented by environments that publish a static config for
// visualisation, pushed to feed clients when they connect.
type Describer interface {
	Describe() map[string]any
}

var (
	// ErrInvalidAction is returned for an action of the wrong kind or index.
	ErrInvalidAction = errors.New("invalid action")
	// ErrOutOfBounds is returned for a puzzle placement outside the grid.
	ErrOutOfBounds = errors.New("placement out of bounds")
	// ErrInvalidSymbol is returned for a puzzle placement of an unknown symbol.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrOddGridSize is returned when a puzzle is configured with an odd size.
	ErrOddGridSize = errors.New("grid size must be even")
)
