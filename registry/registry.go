// Package registry owns the per-game {StateMachine, Environment, Agent} triples.
// A Registry is built once at startup and passed to everything that needs a session;
// it is the only place the triples are constructed.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"arcade/config"
	"arcade/environment"
	"arcade/models"
	"arcade/reinforcement"
	"arcade/session"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
)

var (
	// ErrUnknownAgent is returned for an agent kind no factory is registered for.
	ErrUnknownAgent = errors.New("unknown agent kind")
	// ErrIncompatibleAgent is returned when an agent cannot read its environment's observations.
	ErrIncompatibleAgent = errors.New("agent does not fit environment")
)

// Session is one game's triple. The fields never change after construction.
type Session struct {
	Game    models.GameID
	Machine *session.StateMachine
	Env     environment.Environment
	Agent   reinforcement.Agent
}

// EnvFactory builds an environment from its game config.
type EnvFactory func(gc config.GameConfig, rng *rand.Rand, logger zerolog.Logger) (environment.Environment, error)

// AgentFactory builds an agent bound to env.
type AgentFactory func(
	game models.GameID,
	env environment.Environment,
	gc config.GameConfig,
	store reinforcement.Store,
	rng *rand.Rand,
) (reinforcement.Agent, error)

type variant struct {
	env   EnvFactory
	agent reinforcement.Kind
}

// variants maps game ids to their environment and default agent. Ids not listed
// get the fallback variant.
var (
	variants = map[models.GameID]variant{
		models.Snake: {env: newSnake, agent: reinforcement.KindValueNetwork},
		models.Pong:  {env: newPong, agent: reinforcement.KindValueNetwork},
		models.Tango: {env: newTango, agent: reinforcement.KindGraphValueNetwork},
	}
	fallback = variant{env: newSnake, agent: reinforcement.KindValueNetwork}

	agentFactories = map[reinforcement.Kind]AgentFactory{
		reinforcement.KindTabular:           newTabular,
		reinforcement.KindValueNetwork:      newValueNetwork,
		reinforcement.KindGraphValueNetwork: newGraphValue,
	}
)

func newSnake(gc config.GameConfig, rng *rand.Rand, _ zerolog.Logger) (environment.Environment, error) {
	return environment.NewSnake(int(gc.GetHyperParamOrDefault("gridSize", environment.DefaultSnakeGridSize)), rng), nil
}

func newPong(gc config.GameConfig, rng *rand.Rand, _ zerolog.Logger) (environment.Environment, error) {
	return environment.NewPong(
		int(gc.GetHyperParamOrDefault("width", environment.DefaultPongWidth)),
		int(gc.GetHyperParamOrDefault("height", environment.DefaultPongHeight)),
		int(gc.GetHyperParamOrDefault("paddleHeight", environment.DefaultPongPaddleHeight)),
		rng,
	), nil
}

func newTango(gc config.GameConfig, rng *rand.Rand, logger zerolog.Logger) (environment.Environment, error) {
	return environment.NewTango(environment.TangoConfig{
		GridSize:    int(gc.GetHyperParamOrDefault("gridSize", environment.DefaultTangoGridSize)),
		MaxActions:  int(gc.GetHyperParamOrDefault("maxActions", environment.DefaultTangoMaxActions)),
		Constraints: environment.Constraints{
			EqualPairs: cellPairs(gc.Constraints.Equal),
			DiffPairs:  cellPairs(gc.Constraints.Diff),
		},
	}, rng, logger)
}

func cellPairs(pairs []config.CellPair) []environment.CellPair {
	if len(pairs) == 0 {
		return nil
	}
	out := make([]environment.CellPair, len(pairs))
	for i, p := range pairs {
		out[i] = environment.CellPair{{Row: p.R1, Col: p.C1}, {Row: p.R2, Col: p.C2}}
	}
	return out
}

func requireObservation(env environment.Environment, kind models.ObservationKind, agent reinforcement.Kind) error {
	if env.State().Kind != kind {
		return fmt.Errorf("%w: %s", ErrIncompatibleAgent, agent)
	}
	return nil
}

func newTabular(
	game models.GameID,
	env environment.Environment,
	gc config.GameConfig,
	store reinforcement.Store,
	rng *rand.Rand,
) (reinforcement.Agent, error) {
	if err := requireObservation(env, models.VectorObservation, reinforcement.KindTabular); err != nil {
		return nil, err
	}
	return reinforcement.NewTabularQ(string(game), env.StateSize(), env.NumActions(), gc, store, rng, nil), nil
}

func newValueNetwork(
	game models.GameID,
	env environment.Environment,
	gc config.GameConfig,
	store reinforcement.Store,
	rng *rand.Rand,
) (reinforcement.Agent, error) {
	if err := requireObservation(env, models.VectorObservation, reinforcement.KindValueNetwork); err != nil {
		return nil, err
	}
	return reinforcement.NewValueNetworkQ(string(game), env.StateSize(), env.NumActions(), gc, store, rng), nil
}

func newGraphValue(
	game models.GameID,
	env environment.Environment,
	gc config.GameConfig,
	store reinforcement.Store,
	rng *rand.Rand,
) (reinforcement.Agent, error) {
	if err := requireObservation(env, models.GridObservation, reinforcement.KindGraphValueNetwork); err != nil {
		return nil, err
	}
	return reinforcement.NewGraphValueQ(string(game), len(env.State().Grid), gc, store, rng), nil
}

// Registry lazily builds and caches one Session per game id.
type Registry struct {
	mu       sync.Mutex
	cfg      *config.AppConfig
	store    reinforcement.Store
	logger   zerolog.Logger
	sessions map[models.GameID]*Session
}

// New returns an empty registry. Agents persist through store.
func New(cfg *config.AppConfig, store reinforcement.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    store,
		logger:   logger.With().Str("component", "registry").Logger(),
		sessions: map[models.GameID]*Session{},
	}
}

// Resolve returns the session for game, building it on first use. Every call for
// the same id returns the same Session.
func (r *Registry) Resolve(game models.GameID) (*Session, error) {
	if game == "" {
		game = models.DefaultGame
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[game]; ok {
		return s, nil
	}

	s, err := r.build(game)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", game, err)
	}
	r.sessions[game] = s
	return s, nil
}

func (r *Registry) build(game models.GameID) (*Session, error) {
	gc := r.cfg.Game(string(game))
	logger := r.logger.With().Str("game", string(game)).Logger()

	v, ok := variants[game]
	if !ok {
		v = fallback
	}
	kind := v.agent
	if gc.Agent != "" {
		kind = reinforcement.Kind(gc.Agent)
	}
	newAgent, ok := agentFactories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, kind)
	}

	seed := uint64(gc.Seed)
	if gc.Seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewSource(seed))

	env, err := v.env(gc, rng, logger)
	if err != nil {
		return nil, err
	}
	agent, err := newAgent(game, env, gc, r.store, rng)
	if err != nil {
		return nil, err
	}
	if err = agent.Load(); err != nil {
		logger.Warn().Err(err).Str("agent", string(kind)).Msg("starting from an untrained agent")
	} else {
		logger.Info().Str("agent", string(kind)).Msg("loaded saved model")
	}

	return &Session{
		Game:    game,
		Machine: session.NewStateMachine(gc.MaxEpisodesOrDefault(), logger),
		Env:     env,
		Agent:   agent,
	}, nil
}

// Games lists the ids resolved so far, sorted.
func (r *Registry) Games() []models.GameID {
	r.mu.Lock()
	defer r.mu.Unlock()
	games := make([]models.GameID, 0, len(r.sessions))
	for g := range r.sessions {
		games = append(games, g)
	}
	sort.Slice(games, func(i, j int) bool { return games[i] < games[j] })
	return games
}

// SaveAll saves every resolved agent and returns the failures joined.
func (r *Registry) SaveAll() error {
	var errs []error
	for _, g := range r.Games() {
		r.mu.Lock()
		s := r.sessions[g]
		r.mu.Unlock()
		if err := s.Agent.Save(); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", g, err))
			continue
		}
		r.logger.Info().Str("game", string(g)).Msg("model saved")
	}
	return errors.Join(errs...)
}
