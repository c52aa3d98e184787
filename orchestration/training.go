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

var (
	// ErrStopped is returned by Tick once the session may not run another tick:
	// it left its running state, or the episode budget is spent.
	ErrStopped = errors.New("loop stopped")
	// ErrLoopPanic wraps a panic recovered at the loop boundary.
	ErrLoopPanic = errors.New("loop panicked")
)

// TrainingLoop runs one game's session until its episode budget is spent, it is
// stopped, or it fails.
type TrainingLoop struct {
	session     *registry.Session
	broadcaster *Broadcaster
	tick        time.Duration
	logger      zerolog.Logger
	seq         uint64
}

func NewTrainingLoop(
	s *registry.Session,
	broadcaster *Broadcaster,
	tick time.Duration,
	logger zerolog.Logger,
) *TrainingLoop {
	return &TrainingLoop{
		session:     s,
		broadcaster: broadcaster,
		tick:        tick,
		logger:      logger.With().Str("loop", "training").Str("game", string(s.Game)).Logger(),
	}
}

// Tick performs one step: act, step the environment, learn, publish progress, and
// close the episode when the environment reports done. A paused session is left
// untouched. Tick returns ErrStopped when the session is not training or its budget
// is spent.
func (l *TrainingLoop) Tick(ctx context.Context) error {
	m, env, agent := l.session.Machine, l.session.Env, l.session.Agent

	st := m.Snapshot()
	if st.State == session.Paused {
		return nil
	}
	if st.State != session.Training || st.CurrentEpisode >= st.MaxEpisodes {
		return ErrStopped
	}

	obs := env.State()
	action, err := agent.Action(obs, true)
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
	current := m.AddReward(reward)

	l.seq++
	l.broadcaster.Publish(ctx, l.session.Game, models.Progress{
		CurrentEpisode: st.CurrentEpisode,
		CurrentReward:  current,
		AverageReward:  m.AverageReward(),
		State:          next,
		SequenceNumber: l.seq,
	})

	if done {
		env.Reset()
		m.CompleteEpisode(reward)
		l.logger.Debug().Int("episode", st.CurrentEpisode+1).Float64("reward", current).Msg("episode completed")
	}
	return nil
}

// Run ticks at the configured interval until the session stops, ctx is cancelled or
// a tick fails. While paused the ticker is not selected, so nothing happens until the
// next state change. On exit the session is forced to idle and the model is saved.
// A failure, panics included, is logged and returned; it never escapes as a panic.
func (l *TrainingLoop) Run(ctx context.Context) (err error) {
	m := l.session.Machine
	wake, unwatch := m.Watch()
	defer unwatch()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrLoopPanic, r)
		}
		m.ForceIdle()
		if err != nil {
			l.logger.Error().Err(err).Msg("training failed")
		}
		if saveErr := l.session.Agent.Save(); saveErr != nil {
			l.logger.Warn().Err(saveErr).Msg("saving model failed")
		}
		st := m.Snapshot()
		l.logger.Info().
			Int("episodes", st.NumEpisodesCompleted).
			Float64("average_reward", st.AverageReward).
			Msg("training completed or stopped")
	}()

	// The ticker lives only as long as this run.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ticker := channerics.NewTicker(runCtx.Done(), l.tick)
	for {
		tick := ticker
		switch m.State() {
		case session.Paused:
			tick = nil
		case session.Training:
		default:
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			// Re-evaluated at the top of the loop.
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
