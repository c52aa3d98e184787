// Package server exposes the control surface over HTTP and the state feeds over websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"arcade/environment"
	"arcade/models"
	"arcade/orchestration"
	"arcade/server/fastview"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownGracePeriod = 5 * time.Second

// Server routes operator commands to the controller and attaches feed clients to loops.
type Server struct {
	addr       string
	controller *orchestration.Controller
	logger     zerolog.Logger
	handler    http.Handler
}

// NewServer builds the routes for the given controller.
func NewServer(addr string, controller *orchestration.Controller, logger zerolog.Logger) *Server {
	server := &Server{
		addr:       addr,
		controller: controller,
		logger:     logger.With().Str("component", "server").Logger(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", server.serveHealth).Methods(http.MethodGet)

	training := router.PathPrefix("/training").Subrouter()
	training.HandleFunc("/start", server.command(controller.StartTraining)).Methods(http.MethodPost)
	training.HandleFunc("/pause", server.command(controller.PauseTraining)).Methods(http.MethodPost)
	training.HandleFunc("/stop", server.command(controller.StopTraining)).Methods(http.MethodPost)
	training.HandleFunc("/save", server.command(controller.SaveModel)).Methods(http.MethodPost)
	training.HandleFunc("/status", server.serveStatus).Methods(http.MethodGet)

	router.HandleFunc("/inference/pause", server.command(controller.PauseInference)).Methods(http.MethodPost)

	router.HandleFunc("/ws/training", server.serveTrainingFeed).Methods(http.MethodGet)
	router.HandleFunc("/ws", server.serveInferenceFeed).Methods(http.MethodGet)

	server.handler = withCORS(router)
	return server
}

// Handler returns the root handler, CORS included.
func (server *Server) Handler() http.Handler {
	return server.handler
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (server *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              server.addr,
		Handler:           server.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		server.logger.Info().Str("addr", server.addr).Msg("serving")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func gameOf(r *http.Request) models.GameID {
	if game := r.URL.Query().Get("game"); game != "" {
		return models.GameID(game)
	}
	return models.DefaultGame
}

// command adapts a controller command to a handler replying {"status": ...}.
func (server *Server) command(cmd func(models.GameID) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		game := gameOf(r)
		status, err := cmd(game)
		if err != nil {
			server.logger.Error().Err(err).Str("game", string(game)).Str("path", r.URL.Path).Msg("command failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

func (server *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	status, err := server.controller.Status(gameOf(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (server *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveTrainingFeed subscribes the client to the game's training progress. The
// game's config goes out first, when the environment publishes one.
func (server *Server) serveTrainingFeed(w http.ResponseWriter, r *http.Request) {
	game := gameOf(r)
	session, err := server.controller.Registry().Resolve(game)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	client, err := fastview.Upgrade(w, r, server.logger)
	if err != nil {
		server.logger.Warn().Err(err).Msg("training feed upgrade failed")
		return
	}

	if describer, ok := session.Env.(environment.Describer); ok {
		_ = client.Send(r.Context(), models.Envelope{Type: "config", Data: describer.Describe()})
	}

	broadcaster := server.controller.Broadcaster()
	id := broadcaster.Subscribe(session.Game, client)
	defer broadcaster.Unsubscribe(session.Game, id)

	if err := client.Sync(); err != nil {
		server.logger.Debug().Err(err).Str("game", string(session.Game)).Msg("training feed closed")
	}
}

// serveInferenceFeed plays the game for this client until it disconnects. A refused
// inference closes the connection immediately.
func (server *Server) serveInferenceFeed(w http.ResponseWriter, r *http.Request) {
	game := gameOf(r)
	client, err := fastview.Upgrade(w, r, server.logger)
	if err != nil {
		server.logger.Warn().Err(err).Msg("inference feed upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	synced := make(chan error, 1)
	go func() {
		synced <- client.Sync()
	}()

	if err = server.controller.RunInference(ctx, game, client); err != nil {
		server.logger.Info().Err(err).Str("game", string(game)).Msg("inference refused")
	}
	client.Close()
	if err = <-synced; err != nil {
		server.logger.Debug().Err(err).Str("game", string(game)).Msg("inference feed closed")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// withCORS allows any origin, and answers preflight requests itself since the
// router only matches the declared methods.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
