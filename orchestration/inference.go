package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arcade/models"
	"arcade/registry"
	"arcade/session"

	channerics "github.com/niceyeti/channerics/channels"
	"github.com/rs/zerolog"
)

// InferenceLoop plays one game for a single observer, still learning online, until
// the observer goes away. It has no episode budget.
type InferenceLoop struct {
	session  *registry.Session
	observer Observer
	tick     time.Duration
	logger   zerolog.Logger
	seq      uint64
}

func NewInferenceLoop(
	s *registry.Session,
	observer Observer,
	tick time.Duration,
	logger zerolog.Logger,
) *InferenceLoop {
	return &InferenceLoop{
		session:  s,
		observer: observer,
		tick:     tick,
		logger:   logger.With().Str("loop", "inference").Str("game", string(s.Game)).Logger(),
	}
}

// Enter moves the session to inferencing, resets the environment and zeroes the
// total reward. It fails without side effects while the session is training.
func (l *InferenceLoop) Enter() error {
	m := l.session.Machine
	if st := m.State(); st == session.Training {
		return fmt.Errorf("%w: %s is training", ErrLoopActive, l.session.Game)
	}
	if err := m.SetState(session.Inferencing); err != nil {
		return err
	}
	l.session.Env.Reset()
	m.ResetTotalReward()
	m.ResetCurrentReward()
	return nil
}

// Tick performs one step and sends the successor state to the observer. A paused
// session is left untouched. When an episode ends the environment is reset and the
// in-flight reward cleared.
func (l *InferenceLoop) Tick(ctx context.Context) error {
	m, env, agent := l.session.Machine, l.session.Env, l.session.Agent

	switch m.State() {
	case session.Paused:
		return nil
	case session.Inferencing:
	default:
		return ErrStopped
	}

	obs := env.State()
	action, err := agent.Action(obs, false)
	if err != nil {
		return fmt.Errorf("action: %w", err)
	}
	next, reward, done, err := env.Step(action)
	if err != nil {
		return fmt.Errorf("step %s: %w", action, err)
	}
	if err = agent.Update(models.Transition{
		State:  obs,
		Action: action,
		Reward: reward,
		Next:   next,
		Done:   done,
	}); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	m.AddReward(reward)

	l.seq++
	if err = l.observer.Send(ctx, models.Frame{State: next, SequenceNumber: l.seq}); err != nil {
		return fmt.Errorf("%w: %v", ErrObserverGone, err)
	}

	if done {
		env.Reset()
		m.ResetCurrentReward()
	}
	return nil
}

// Run ticks until the observer disconnects, ctx is cancelled, the session leaves
// inference, or a tick fails. Whatever the cause, the session ends idle.
// A disconnect is a normal exit and returns nil.
func (l *InferenceLoop) Run(ctx context.Context) (err error) {
	m := l.session.Machine
	wake, unwatch := m.Watch()
	defer unwatch()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrLoopPanic, r)
		}
		m.ForceIdle()
		if err != nil && !errors.Is(err, ErrObserverGone) {
			l.logger.Error().Err(err).Msg("inference failed")
		} else {
			err = nil
		}
		l.logger.Info().Uint64("ticks", l.seq).Msg("inference ended")
	}()

	ticker := channerics.NewTicker(ctx.Done(), l.tick)
	for {
		tick := ticker
		switch m.State() {
		case session.Paused:
			tick = nil
		case session.Inferencing:
		default:
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.observer.Done():
			return nil
		case <-wake:
		case <-tick:
			if err = l.Tick(ctx); err != nil {
				if errors.Is(err, ErrStopped) {
					return nil
				}
				return err
			}
		}
	}
}
