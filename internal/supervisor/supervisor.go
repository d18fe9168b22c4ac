// Package supervisor owns the streaming connection lifecycle. A single
// goroutine evaluates every transition, rotates egress routes on failure and
// switches the synthetic generator on and off.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pricecore/internal/egress"
	"pricecore/logger"
)

// Streamer is the streaming connection driven by the supervisor.
type Streamer interface {
	Connect(ctx context.Context, route egress.Route, symbols []string) error
	Listen(ctx context.Context) error
	Disconnect() error
}

// Simulator is the synthetic data source toggled by the supervisor.
type Simulator interface {
	Activate()
	Deactivate()
	Active() bool
}

type Config struct {
	ReconnectInterval       time.Duration
	MaxRetriesPerRoute      int
	MaxConsecutiveFailures  int
	DegradedGrace           time.Duration
	SimulationRetryInterval time.Duration
	Symbols                 []string
}

func (c *Config) applyDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxRetriesPerRoute <= 0 {
		c.MaxRetriesPerRoute = 3
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 10
	}
	if c.DegradedGrace <= 0 {
		c.DegradedGrace = 2 * time.Second
	}
	if c.SimulationRetryInterval <= 0 {
		c.SimulationRetryInterval = c.ReconnectInterval * 6
	}
}

var errReconnectRequested = errors.New("reconnect requested")

type Supervisor struct {
	cfg      Config
	streamer Streamer
	sim      Simulator
	routes   []egress.Route

	mu            sync.RWMutex
	state         State
	routeIdx      int
	routeAttempts int
	consecutive   int
	lastErr       error
	lastErrAt     time.Time
	connectedAt   time.Time
	transitions   int64

	hooksMu sync.RWMutex
	hooks   []func(Transition)

	reconnectCh        chan struct{}
	reconnectRequested atomic.Bool
	running            atomic.Bool

	log *logger.Log
}

func New(cfg Config, streamer Streamer, sim Simulator, routes []egress.Route) *Supervisor {
	cfg.applyDefaults()
	if len(routes) == 0 {
		routes = []egress.Route{egress.Direct()}
	}
	return &Supervisor{
		cfg:         cfg,
		streamer:    streamer,
		sim:         sim,
		routes:      routes,
		state:       Idle,
		reconnectCh: make(chan struct{}, 1),
		log:         logger.GetLogger(),
	}
}

// OnTransition registers fn; it runs on the supervisor goroutine after each
// state change and must not block.
func (s *Supervisor) OnTransition(fn func(Transition)) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Live reports whether the stream is currently delivering ticks.
func (s *Supervisor) Live() bool {
	return s.State() == Connected
}

// ActiveRoute is the route the next connection attempt or REST call uses.
func (s *Supervisor) ActiveRoute() egress.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routes[s.routeIdx]
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:               s.state.String(),
		Route:               s.routes[s.routeIdx].String(),
		RouteIndex:          s.routeIdx,
		Routes:              len(s.routes),
		LastErrorAt:         s.lastErrAt,
		ConnectedAt:         s.connectedAt,
		ConsecutiveFailures: s.consecutive,
		Transitions:         s.transitions,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Reconnect asks the supervisor to drop the current stream, or skip the
// current wait, and connect again.
func (s *Supervisor) Reconnect() {
	s.reconnectRequested.Store(true)
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
	if s.State() == Connected {
		_ = s.streamer.Disconnect()
	}
}

// Run drives the state machine until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor already running")
	}
	defer s.running.Store(false)

	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"routes":             len(s.routes),
		"reconnect_interval": s.cfg.ReconnectInterval.String(),
		"symbols":            s.cfg.Symbols,
	}).Info("starting connection supervisor")

	s.transition(Connecting, "start")

	for {
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}
		switch s.State() {
		case Connecting:
			s.connect(ctx)
		case Connected:
			s.listen(ctx)
		case Degraded:
			if s.wait(ctx, s.cfg.DegradedGrace) {
				s.transition(Reconnecting, "grace elapsed")
			}
		case Reconnecting:
			if s.wait(ctx, s.cfg.ReconnectInterval) {
				s.transition(Connecting, "retry")
			}
		case Simulating:
			if s.wait(ctx, s.cfg.SimulationRetryInterval) {
				s.transition(Connecting, "simulation retry")
			}
		default:
			s.transition(Connecting, "start")
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) {
	s.reconnectRequested.Store(false)
	route := s.ActiveRoute()
	err := s.streamer.Connect(ctx, route, s.cfg.Symbols)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.handleFailure(route, err)
		return
	}

	if s.sim.Active() {
		s.sim.Deactivate()
	}
	s.mu.Lock()
	s.consecutive = 0
	s.routeAttempts = 0
	s.connectedAt = time.Now()
	s.mu.Unlock()
	s.transition(Connected, "subscribed")
}

func (s *Supervisor) listen(ctx context.Context) {
	err := s.streamer.Listen(ctx)
	if ctx.Err() != nil {
		return
	}
	_ = s.streamer.Disconnect()

	if s.reconnectRequested.Load() {
		s.drainReconnect()
		s.transition(Connecting, errReconnectRequested.Error())
		return
	}
	if err == nil {
		err = errors.New("stream closed")
	}
	s.recordError(err)
	if egress.Classify(err) == egress.ClassAccessDenied {
		s.enterSimulating(s.ActiveRoute(), err)
		return
	}
	s.log.WithComponent("supervisor").WithError(err).Warn("stream terminated unexpectedly")
	s.transition(Degraded, "stream terminated")
}

func (s *Supervisor) handleFailure(route egress.Route, err error) {
	class := egress.Classify(err)
	s.recordError(err)

	s.mu.Lock()
	s.consecutive++
	consecutive := s.consecutive
	switch class {
	case egress.ClassProxyAuth:
		s.advanceRouteLocked()
	case egress.ClassTransient:
		s.routeAttempts++
		if s.routeAttempts >= s.cfg.MaxRetriesPerRoute {
			s.advanceRouteLocked()
		}
	}
	s.mu.Unlock()

	s.log.WithComponent("supervisor").WithError(err).WithFields(logger.Fields{
		"route":                route.String(),
		"class":                class.String(),
		"consecutive_failures": consecutive,
	}).Warn("connection attempt failed")

	switch {
	case class == egress.ClassAccessDenied:
		s.enterSimulating(route, err)
	case consecutive >= s.cfg.MaxConsecutiveFailures:
		s.enterSimulating(route, err)
	case s.sim.Active():
		s.transition(Simulating, "retry failed")
	default:
		s.transition(Reconnecting, class.String())
	}
}

// advanceRouteLocked moves to the next route, wrapping to index 0. Caller
// holds s.mu.
func (s *Supervisor) advanceRouteLocked() {
	prev := s.routeIdx
	s.routeIdx = (s.routeIdx + 1) % len(s.routes)
	s.routeAttempts = 0
	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"from": s.routes[prev].String(),
		"to":   s.routes[s.routeIdx].String(),
	}).Info("advancing egress route")
}

func (s *Supervisor) enterSimulating(route egress.Route, err error) {
	wasActive := s.sim.Active()
	if !wasActive {
		s.sim.Activate()
	}
	if !wasActive {
		entry := s.log.WithComponent("supervisor").WithError(err).WithFields(logger.Fields{"route": route.String()})
		if egress.Classify(err) == egress.ClassAccessDenied {
			entry.Warn("exchange access restricted; serving synthetic prices")
		} else {
			entry.Warn("reconnect attempts exhausted; serving synthetic prices")
		}
	}
	s.transition(Simulating, egress.Classify(err).String())
}

func (s *Supervisor) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.lastErrAt = time.Now()
	s.mu.Unlock()
}

// wait sleeps for d. It returns false when ctx is done and true when the
// timer fired or a reconnect was requested.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-s.reconnectCh:
		return true
	}
}

func (s *Supervisor) drainReconnect() {
	select {
	case <-s.reconnectCh:
	default:
	}
}

func (s *Supervisor) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.transitions++
	route := s.routes[s.routeIdx].String()
	s.mu.Unlock()

	t := Transition{From: from, To: to, Route: route, Reason: reason, At: time.Now()}
	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"from":   from.String(),
		"to":     to.String(),
		"route":  route,
		"reason": reason,
	}).Info("state transition")

	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(t)
	}
}

func (s *Supervisor) shutdown() {
	_ = s.streamer.Disconnect()
	s.transition(Idle, "shutdown")
	s.log.WithComponent("supervisor").Info("connection supervisor stopped")
}
