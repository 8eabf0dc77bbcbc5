package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glowstream/livegrid/internal/config"
	"github.com/glowstream/livegrid/internal/core"
	"github.com/glowstream/livegrid/internal/domain"
)

// Topic and scheduler keys. Push events and the poll fallback feed the
// same reload key so they compose instead of racing.
const (
	topicLiveStreams = "live_streams"

	keyListRefresh    = "list.refresh"
	keyPublishState   = "publish.state"
	keyStreamerReload = "streamers.reload"
	keyReloadSettle   = "streamers.settle"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// GridSession is the single owner of the viewing session. Its Start
// and Stop are called by the top-level owner, not by every component
// that happens to render while the session is active.
type GridSession struct {
	cfg       *config.Config
	registry  *SubscriptionRegistry
	scheduler *ReloadScheduler
	guard     *ConnectionGuard
	heartbeat *PresenceHeartbeat
	directory core.StreamDirectory
	layout    core.LayoutStore
	presence  core.PresenceStore

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	grid       *SlotAssignmentEngine
	user       *domain.User
	streamers  map[domain.ProfileID]domain.StreamerRef
	selfStream domain.StreamID
	flags      domain.HeartbeatFlags
	sub        *Subscription
}

type SessionDeps struct {
	Registry  *SubscriptionRegistry
	Scheduler *ReloadScheduler
	Guard     *ConnectionGuard
	Heartbeat *PresenceHeartbeat
	Directory core.StreamDirectory
	Layout    core.LayoutStore
	Presence  core.PresenceStore
}

func NewGridSession(cfg *config.Config, deps SessionDeps) *GridSession {
	return &GridSession{
		cfg:       cfg,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		guard:     deps.Guard,
		heartbeat: deps.Heartbeat,
		directory: deps.Directory,
		layout:    deps.Layout,
		presence:  deps.Presence,
		flags: domain.HeartbeatFlags{
			Active: true, Unmuted: true, Visible: true, Subscribed: true,
		},
	}
}

// Start resolves the local viewer, restores the saved layout,
// subscribes to the change feed and kicks the first load. An
// unauthenticated caller degrades to an inert empty grid: no
// heartbeat, no self-pin, no subscription.
func (s *GridSession) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	user, err := s.directory.CurrentUser(s.ctx)
	if err != nil || user == nil {
		log.Warn().Err(err).Str("module", "app.session").Msg("no authenticated user, grid stays inert")
		return nil
	}

	grid := NewSlotAssignmentEngine(s.layout, user.ID)
	if err := grid.Load(s.ctx); err != nil {
		log.Error().Err(err).Str("module", "app.session").Msg("layout restore failed, starting empty")
	}

	s.mu.Lock()
	s.user = user
	s.grid = grid
	s.streamers = make(map[domain.ProfileID]domain.StreamerRef)
	s.mu.Unlock()

	sub, err := s.registry.Subscribe(s.ctx, topicLiveStreams, s.onFeedEvent)
	if err != nil {
		// Poll fallback still drives reloads; subscribe retries are
		// not cached as failure.
		log.Error().Err(err).Str("module", "app.session").Msg("feed subscribe failed")
	} else {
		s.mu.Lock()
		s.sub = sub
		s.mu.Unlock()
	}

	go s.pollLoop()
	s.reload()
	log.Info().Str("module", "app.session").Str("user", string(user.ID)).Msg("session started")
	return nil
}

// Stop is the explicit session exit: unsubscribe, stop heartbeats,
// disconnect the shared session. Transient remounts must not come
// through here.
func (s *GridSession) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.heartbeat.Stop()
	s.scheduler.Stop()
	s.guard.Disconnect()
	if s.cancel != nil {
		s.cancel()
	}
	log.Info().Str("module", "app.session").Msg("session stopped")
}

// onFeedEvent fans a change-feed event into the scheduler keys: a
// fast list refresh on inserts, a publish-state re-fetch on updates,
// and the settled full reload for everything. Updates re-fetch the
// directory outright; the cached map only knows what the last fetch
// saw, so reconciling it again would apply nothing.
func (s *GridSession) onFeedEvent(ev core.Event) {
	switch ev.Type {
	case core.EventInsert:
		s.scheduler.Schedule(keyListRefresh, s.cfg.ListDebounce, s.reload)
	case core.EventUpdate:
		s.scheduler.Schedule(keyPublishState, s.cfg.PublishDebounce, s.reload)
	}
	s.scheduleReload()
}

func (s *GridSession) scheduleReload() {
	s.scheduler.Schedule(keyReloadSettle, s.cfg.SettleDelay, func() {
		s.scheduler.Schedule(keyStreamerReload, s.cfg.ReloadFloor, s.reload)
	})
}

// pollLoop is the timed re-fetch reliability fallback under the push
// feed.
func (s *GridSession) pollLoop() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.scheduleReload()
		}
	}
}

// reload fetches a fresh streamer snapshot and reconciles it into the
// grid. Fallback exhaustion empties the grid rather than leaving
// stale data displayed.
func (s *GridSession) reload() {
	grid := s.engine()
	if grid == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	list, err := s.directory.LiveStreamers(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "app.session").Msg("streamer fetch exhausted, emptying grid")
		s.mu.Lock()
		s.streamers = make(map[domain.ProfileID]domain.StreamerRef)
		s.mu.Unlock()
		grid.Reconcile(nil)
		return
	}

	s.mu.Lock()
	s.streamers = make(map[domain.ProfileID]domain.StreamerRef, len(list))
	for _, ref := range list {
		s.streamers[ref.ProfileID] = ref
	}
	// A locally-known live self wins over a directory row that has not
	// caught up yet.
	if s.user != nil && s.selfStream != "" {
		self := s.selfRefLocked()
		s.streamers[self.ProfileID] = self
		list = append(list, self)
	}
	s.mu.Unlock()

	grid.Reconcile(list)
}

// reconcileCached re-reconciles the cached snapshot. Only useful for
// locally-known changes (self leaving); remote flips need a fetch.
func (s *GridSession) reconcileCached() {
	grid := s.engine()
	if grid == nil {
		return
	}
	s.mu.Lock()
	cached := make([]domain.StreamerRef, 0, len(s.streamers))
	for _, ref := range s.streamers {
		cached = append(cached, ref)
	}
	s.mu.Unlock()
	grid.Reconcile(cached)
}

func (s *GridSession) selfRefLocked() domain.StreamerRef {
	return domain.StreamerRef{
		ProfileID:    s.user.ID,
		StreamID:     s.selfStream,
		Username:     s.user.Username,
		IsPublishing: true,
		IsAvailable:  true,
	}
}

// GoLive establishes the shared video session and pins self to slot 1.
func (s *GridSession) GoLive(ctx context.Context, stream domain.StreamID) error {
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	if user == nil {
		return ErrNotAuthenticated
	}
	if err := s.guard.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.selfStream = stream
	self := s.selfRefLocked()
	s.streamers[self.ProfileID] = self
	grid := s.grid
	s.mu.Unlock()

	grid.PlaceSelf(self)
	return nil
}

// StopLive ends the local broadcast. The next reconcile empties slot 1
// without relocating other valid placements.
func (s *GridSession) StopLive() {
	s.mu.Lock()
	if s.user != nil {
		delete(s.streamers, s.user.ID)
	}
	s.selfStream = ""
	s.mu.Unlock()

	s.guard.Disconnect()
	s.reconcileCached()
}

// Watch starts heartbeating for the given stream. Switching targets
// deletes the previous presence row first.
func (s *GridSession) Watch(stream domain.StreamID) {
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	if user == nil || stream == "" {
		return
	}
	key := domain.HeartbeatKey{ViewerID: user.ID, StreamID: stream}
	s.heartbeat.Start(s.ctx, key, s.currentFlags)
}

// Unwatch stops heartbeating and deletes the presence row.
func (s *GridSession) Unwatch() {
	s.heartbeat.Stop()
}

// SetFlags updates the liveness flags; the next heartbeat tick picks
// them up.
func (s *GridSession) SetFlags(f domain.HeartbeatFlags) {
	s.mu.Lock()
	s.flags = f
	s.mu.Unlock()
}

func (s *GridSession) currentFlags() domain.HeartbeatFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// ViewerCount returns the staleness-filtered viewer count for stream.
// Failures degrade to zero.
func (s *GridSession) ViewerCount(ctx context.Context, stream domain.StreamID) uint {
	recs, err := s.presence.ListHeartbeats(ctx, stream)
	if err != nil {
		log.Error().Err(err).Str("module", "app.session").Str("stream", string(stream)).Msg("heartbeat list failed")
		return 0
	}
	return CountActive(recs, time.Now())
}

// GridSnapshot returns the read-only 12-slot view. Inert sessions
// report an empty grid.
func (s *GridSession) GridSnapshot() [domain.GridSize]domain.GridSlot {
	grid := s.engine()
	if grid == nil {
		var out [domain.GridSize]domain.GridSlot
		for i := range out {
			out[i] = domain.GridSlot{Index: i + 1, Volume: 1.0}
		}
		return out
	}
	return grid.Snapshot()
}

func (s *GridSession) ConnectionState() core.ConnectionState {
	return s.guard.State()
}

// DropViewer interprets a drag payload dropped onto a slot. A viewer
// already in the grid is routed through the swap path; an unplaced one
// is placed from the cached directory snapshot.
func (s *GridSession) DropViewer(payload []byte, target int) error {
	grid := s.engine()
	if grid == nil {
		return nil
	}
	p, err := domain.ParseDragPayload(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ref, known := s.streamers[p.ProfileID]
	s.mu.Unlock()
	if !known {
		ref = domain.StreamerRef{ProfileID: p.ProfileID, StreamID: p.StreamID, IsAvailable: true}
	}
	return grid.Place(ref, target)
}

func (s *GridSession) MoveSlot(from, to int) error {
	if grid := s.engine(); grid != nil {
		return grid.MoveSlot(from, to)
	}
	return nil
}

func (s *GridSession) ClearSlot(index int) error {
	if grid := s.engine(); grid != nil {
		return grid.ClearSlot(index)
	}
	return nil
}

func (s *GridSession) SetMuted(index int, muted bool) error {
	if grid := s.engine(); grid != nil {
		return grid.SetMuted(index, muted)
	}
	return nil
}

func (s *GridSession) SetVolume(index int, volume float64) error {
	if grid := s.engine(); grid != nil {
		return grid.SetVolume(index, volume)
	}
	return nil
}

func (s *GridSession) engine() *SlotAssignmentEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grid
}
