package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"arcade/models"
	"arcade/registry"
	"arcade/session"

	"github.com/rs/zerolog"
)

// ErrLoopActive is returned when a loop cannot start because the game already runs one.
var ErrLoopActive = errors.New("a loop is already active")

// Command results, as reported to the operator.
const (
	StatusStarted                 = "started"
	StatusAlreadyRunning          = "already-running"
	StatusRejectedInferenceActive = "rejected-inference-active"
	StatusPaused                  = "paused"
	StatusResumed                 = "resumed"
	StatusStopped                 = "stopped"
	StatusNotRunning              = "not-running"
	StatusSaved                   = "saved"
)

type loopKind int

const (
	trainingLoop loopKind = iota + 1
	inferenceLoop
)

// Timing holds the fixed tick intervals of the two loops.
type Timing struct {
	Training  time.Duration
	Inference time.Duration
}

// Controller turns operator commands into state changes and loops. It allows at most
// one loop, training or inference, per game id at any time.
type Controller struct {
	registry    *registry.Registry
	broadcaster *Broadcaster
	timing      Timing
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[models.GameID]loopKind
}

// NewController returns a controller whose training loops live until Close.
func NewController(
	reg *registry.Registry,
	broadcaster *Broadcaster,
	timing Timing,
	logger zerolog.Logger,
) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		registry:    reg,
		broadcaster: broadcaster,
		timing:      timing,
		logger:      logger.With().Str("component", "controller").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		active:      map[models.GameID]loopKind{},
	}
}

// Broadcaster is the training observer set loops publish to.
func (c *Controller) Broadcaster() *Broadcaster {
	return c.broadcaster
}

// Registry is the session registry commands resolve against.
func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

func (c *Controller) release(game models.GameID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, game)
}

// StartTraining resets the session's counters and starts a detached training loop.
// Training is refused while the game is inferencing, and reported as already running
// when a loop is active or the session is training.
func (c *Controller) StartTraining(game models.GameID) (string, error) {
	s, err := c.registry.Resolve(game)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := s.Machine.State()
	switch kind := c.active[s.Game]; {
	case state == session.Inferencing || kind == inferenceLoop:
		return StatusRejectedInferenceActive, nil
	case state == session.Training || kind == trainingLoop:
		return StatusAlreadyRunning, nil
	}

	s.Machine.Reset()
	if err = s.Machine.SetState(session.Training); err != nil {
		return "", err
	}
	c.active[s.Game] = trainingLoop

	loop := NewTrainingLoop(s, c.broadcaster, c.timing.Training, c.logger)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(s.Game)
		_ = loop.Run(c.ctx)
	}()
	return StatusStarted, nil
}

// toggle flips between running and Paused when game's active loop is of kind.
func (c *Controller) toggle(game models.GameID, kind loopKind, running session.ControlState) (string, error) {
	s, err := c.registry.Resolve(game)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[s.Game] != kind {
		return StatusNotRunning, nil
	}
	if _, err = s.Machine.CompareAndSet(running, session.Paused); err == nil {
		return StatusPaused, nil
	}
	if _, err = s.Machine.CompareAndSet(session.Paused, running); err == nil {
		return StatusResumed, nil
	}
	return StatusNotRunning, nil
}

// PauseTraining toggles a training session between Training and Paused.
func (c *Controller) PauseTraining(game models.GameID) (string, error) {
	return c.toggle(game, trainingLoop, session.Training)
}

// PauseInference toggles an inference session between Inferencing and Paused.
func (c *Controller) PauseInference(game models.GameID) (string, error) {
	return c.toggle(game, inferenceLoop, session.Inferencing)
}

// StopTraining forces a training or paused-training session to Idle. The loop
// notices at its next wake and exits.
func (c *Controller) StopTraining(game models.GameID) (string, error) {
	s, err := c.registry.Resolve(game)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[s.Game] != trainingLoop {
		return StatusNotRunning, nil
	}
	switch s.Machine.State() {
	case session.Training, session.Paused:
		if err = s.Machine.SetState(session.Idle); err != nil {
			return "", err
		}
		return StatusStopped, nil
	}
	return StatusNotRunning, nil
}

// SaveModel persists the game's agent.
func (c *Controller) SaveModel(game models.GameID) (string, error) {
	s, err := c.registry.Resolve(game)
	if err != nil {
		return "", err
	}
	if err = s.Agent.Save(); err != nil {
		return "", fmt.Errorf("save %s: %w", s.Game, err)
	}
	return StatusSaved, nil
}

// Status reads the game's counters and state.
func (c *Controller) Status(game models.GameID) (session.Status, error) {
	s, err := c.registry.Resolve(game)
	if err != nil {
		return session.Status{}, err
	}
	return s.Machine.Snapshot(), nil
}

// RunInference plays game for obs until it disconnects, blocking the caller. It
// returns ErrLoopActive without side effects when the game is training or already
// runs a loop.
func (c *Controller) RunInference(ctx context.Context, game models.GameID, obs Observer) error {
	s, err := c.registry.Resolve(game)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.active[s.Game]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLoopActive, s.Game)
	}
	loop := NewInferenceLoop(s, obs, c.timing.Inference, c.logger)
	if err = loop.Enter(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.active[s.Game] = inferenceLoop
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	defer c.release(s.Game)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return loop.Run(runCtx)
}

// Close stops every loop and waits for them to exit. Training loops save their
// models on the way out.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}
