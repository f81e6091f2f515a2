package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alejzeis/pong-arena/common"
	"github.com/alejzeis/pong-arena/store"
	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server wires the registry, the engines and the HTTP endpoints together
type Server struct {
	cfg   Config
	store store.Store
	auth  *Authenticator

	registry    *Registry
	rooms       *RoomManager
	matchmaker  *Matchmaker
	tournaments *TournamentEngine
	router      *Router

	upgrader websocket.Upgrader
	log      *log.Entry
}

func NewServer(cfg Config, st store.Store) *Server {
	registry := NewRegistry()
	rooms := NewRoomManager(cfg, registry, st)
	mm := NewMatchmaker(cfg, registry, rooms)
	tournaments := NewTournamentEngine(st, registry, rooms, mm)

	return &Server{
		cfg:         cfg,
		store:       st,
		auth:        NewAuthenticator(cfg.Secret),
		registry:    registry,
		rooms:       rooms,
		matchmaker:  mm,
		tournaments: tournaments,
		router:      NewRouter(registry, rooms, mm, tournaments),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browsers connect from the game's web origin, the token is what authenticates
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.WithField("component", "server"),
	}
}

// Handler builds the HTTP routes
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/info", s.handleInfo).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/tournament", s.handleTournament).Methods("GET")
	router.HandleFunc("/ws", s.handleWebsocket).Methods("GET")
	return router
}

// Run serves until ctx is cancelled, then closes every connection and stops the periodic jobs
func (s *Server) Run(ctx context.Context) error {
	scheduler, err := s.startScheduler(ctx)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(s.cfg.Port),
		Handler: s.Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.WithField("port", s.cfg.Port).Info("Listening")
		errChan <- httpServer.ListenAndServe()
	}()

	select {
	case err = <-errChan:
		err = errors.Wrap(err, "failed to start listening")
	case <-ctx.Done():
		s.log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = httpServer.Shutdown(shutdownCtx)
	}

	// hijacked websockets are not closed by Shutdown
	s.registry.CloseAll()
	if stopErr := scheduler.Shutdown(); stopErr != nil {
		s.log.WithError(stopErr).Warn("Failed to stop scheduler")
	}
	return err
}

func (s *Server) startScheduler(ctx context.Context) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.SweepInterval),
		gocron.NewTask(func() {
			if n := s.rooms.ReapStale(s.cfg.StaleRoomAfter); n > 0 {
				s.log.WithField("rooms", n).Info("Reaped stale rooms")
			}
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "schedule stale room reaper")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.SweepInterval),
		gocron.NewTask(func() {
			if n := s.tournaments.SweepPending(ctx); n > 0 {
				s.log.WithField("matches", n).Info("Started pending tournament matches")
			}
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "schedule pending match sweep")
	}

	scheduler.Start()
	return scheduler, nil
}

// handleWebsocket authenticates the token offered as sub-protocol before upgrading. A failed
// handshake gets a plain 401 and never reaches the engines.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID, token, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("Rejected websocket handshake")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	// the client offered the token as its protocol, so it must be echoed for the handshake to complete
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", token)
	socket, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.log.WithError(err).WithField("user", userID).Warn("Websocket upgrade failed")
		return
	}

	session := NewSession(userID, common.NewWebsocketMessageConnection(socket), s.cfg.SendBuffer)
	s.serve(r.Context(), session)
}

// serve runs a registered session until it ends, then cleans up after it
func (s *Server) serve(ctx context.Context, session *Session) {
	uid := session.UserID()
	s.log.WithField("user", uid).Info("User connected")

	s.registry.Register(session)
	go session.writePump()

	if n := s.tournaments.ResumePendingMatches(ctx, uid); n > 0 {
		s.log.WithFields(log.Fields{"user": uid, "matches": n}).Info("Resumed pending tournament matches")
	}

	session.readPump(ctx, s.router)
	// cleanup writes results of forfeits, they must not be cut short by the request ending
	s.disconnect(context.WithoutCancel(ctx), session)
}

// disconnect closes the session first so late frames are rejected, then releases the user's
// queue entry and room. A session replaced by a newer connection leaves those to its successor.
func (s *Server) disconnect(ctx context.Context, session *Session) {
	_ = session.Close()
	if !s.registry.UnregisterPeer(session) {
		s.log.WithField("user", session.UserID()).Debug("Replaced connection closed")
		return
	}
	s.matchmaker.Remove(session.UserID())
	s.rooms.Disconnect(ctx, session.UserID())
	s.log.WithField("user", session.UserID()).Info("User disconnected")
}
