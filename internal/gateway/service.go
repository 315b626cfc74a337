package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/arena/internal/broadcast"
	"github.com/mcdev12/arena/internal/challenge"
	"github.com/mcdev12/arena/internal/config"
	"github.com/mcdev12/arena/internal/protocol"
	"github.com/mcdev12/arena/internal/registry"
)

// ServiceState is the server lifecycle state machine.
type ServiceState int32

const (
	StateStarting ServiceState = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s ServiceState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var validTransitions = map[ServiceState][]ServiceState{
	StateStarting: {StateRunning, StateStopped},
	StateRunning:  {StateDraining},
	StateDraining: {StateStopped},
}

// Runner is an optional auxiliary loop the service supervises (the NATS
// ingest consumer implements it).
type Runner interface {
	Run(ctx context.Context) error
}

// Service owns the server side of the sync system: HTTP listener, the
// WebSocket handler, the heartbeat monitor and the broadcast flush loop.
type Service struct {
	cfg      *config.Config
	registry *registry.Registry
	store    *challenge.Store
	engine   *broadcast.Engine
	monitor  *registry.Monitor
	handler  *Handler
	ingest   Runner
	clock    clockwork.Clock

	httpServer *http.Server
	state      atomic.Int32
}

// NewService wires the server components together. ingest may be nil.
func NewService(cfg *config.Config, reg *registry.Registry, store *challenge.Store, engine *broadcast.Engine, monitor *registry.Monitor, handler *Handler, ingest Runner, clock clockwork.Clock) *Service {
	s := &Service{
		cfg:      cfg,
		registry: reg,
		store:    store,
		engine:   engine,
		monitor:  monitor,
		handler:  handler,
		ingest:   ingest,
		clock:    clock,
	}
	s.state.Store(int32(StateStarting))
	handler.SetAccepting(func() bool { return s.State() == StateRunning })

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/challenge", handler.HandleChallengeConnection)
	newStateAPI(store, reg, s).register(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: h2c.NewHandler(c.Handler(mux), &http2.Server{}),
	}
	return s
}

// State returns the current lifecycle state.
func (s *Service) State() ServiceState {
	return ServiceState(s.state.Load())
}

// transition moves the lifecycle forward, rejecting invalid jumps.
func (s *Service) transition(to ServiceState) error {
	from := s.State()
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			if s.state.CompareAndSwap(int32(from), int32(to)) {
				log.Info().Str("from", from.String()).Str("to", to.String()).Msg("service state transition")
				return nil
			}
			return s.transition(to)
		}
	}
	return fmt.Errorf("invalid service transition %s -> %s", from, to)
}

// Start binds the listener and runs every server loop until the context is
// cancelled, then drains. A bind failure is fatal and happens before any
// traffic is accepted.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("bind %s: %w", s.httpServer.Addr, err)
	}
	if err := s.transition(StateRunning); err != nil {
		ln.Close()
		return err
	}
	log.Info().Str("addr", s.httpServer.Addr).Msg("arena gateway listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := s.monitor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := s.engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if s.ingest != nil {
		g.Go(func() error {
			err := s.ingest.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.drain()
		return nil
	})

	return g.Wait()
}

// drain performs the shutdown sequence: stop accepting registrations,
// notify live connections, close them, stop the HTTP server.
func (s *Service) drain() {
	if err := s.transition(StateDraining); err != nil {
		return
	}

	s.registry.CloseRegistrations()
	s.engine.SetDraining(true)

	if msg, err := protocol.NewMessage(protocol.TypeConnectionStatus, protocol.PriorityCritical, protocol.ConnectionStatusPayload{
		Status: "shutting_down",
		Reason: "server drain",
	}); err == nil {
		s.engine.Send(msg)
	}

	// Give write pumps a moment to flush the notice.
	s.clock.Sleep(200 * time.Millisecond)

	for _, conn := range s.registry.All() {
		s.registry.Unregister(conn.ID)
		_ = conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	if err := s.transition(StateStopped); err == nil {
		log.Info().Msg("arena gateway stopped")
	}
}
