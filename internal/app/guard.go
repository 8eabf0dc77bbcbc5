package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glowstream/livegrid/internal/core"
)

// ConnectionGuard guarantees the shared video session is established
// at most once per client lifetime. Concurrent Connect calls while a
// dial is in flight (or already done) are no-ops.
type ConnectionGuard struct {
	dialer  core.SessionDialer
	timeout time.Duration

	mu      sync.Mutex
	state   core.ConnectionState
	session core.Session
}

func NewConnectionGuard(dialer core.SessionDialer, timeout time.Duration) *ConnectionGuard {
	return &ConnectionGuard{dialer: dialer, timeout: timeout, state: core.StateIdle}
}

// Connect dials the shared session. Legal only from Idle or
// Disconnected; anything else returns immediately without side
// effects. On failure the state resets to Idle so a later Connect is
// never permanently blocked.
func (g *ConnectionGuard) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.state == core.StateConnecting || g.state == core.StateConnected {
		g.mu.Unlock()
		return nil
	}
	g.state = core.StateConnecting
	g.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	sess, err := g.dialer.Dial(dialCtx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		// An explicit Disconnect during the dial keeps its state.
		if g.state == core.StateConnecting {
			g.state = core.StateIdle
		}
		log.Error().Err(err).Str("module", "app.guard").Msg("connect failed")
		return err
	}
	if g.state != core.StateConnecting {
		// Disconnect won the race while we were dialing.
		if cerr := sess.Close(); cerr != nil {
			log.Error().Err(cerr).Str("module", "app.guard").Msg("discard session close error")
		}
		return nil
	}
	g.session = sess
	g.state = core.StateConnected
	log.Info().Str("module", "app.guard").Str("session", sess.ID()).Msg("connected")
	return nil
}

// Disconnect tears the session down. Local state is cleared even when
// the underlying close errors, so it never diverges from reality.
func (g *ConnectionGuard) Disconnect() {
	g.mu.Lock()
	sess := g.session
	g.session = nil
	g.state = core.StateDisconnected
	g.mu.Unlock()

	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		log.Error().Err(err).Str("module", "app.guard").Msg("disconnect error")
	} else {
		log.Info().Str("module", "app.guard").Msg("disconnected")
	}
}

func (g *ConnectionGuard) State() core.ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Session returns the cached handle, nil unless Connected.
func (g *ConnectionGuard) Session() core.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}
