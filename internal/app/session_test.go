package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowstream/livegrid/internal/config"
	"github.com/glowstream/livegrid/internal/core"
	"github.com/glowstream/livegrid/internal/domain"
)

type fakeDirectory struct {
	mu    sync.Mutex
	user  *domain.User
	list  []domain.StreamerRef
	err   error
	calls int
}

func (f *fakeDirectory) LiveStreamers(_ context.Context) ([]domain.StreamerRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.StreamerRef, len(f.list))
	copy(out, f.list)
	return out, nil
}

func (f *fakeDirectory) CurrentUser(_ context.Context) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, nil
}

func (f *fakeDirectory) setList(list []domain.StreamerRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = list
}

func (f *fakeDirectory) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	return &config.Config{
		ConnectTimeout:    time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
		ListDebounce:      5 * time.Millisecond,
		PublishDebounce:   5 * time.Millisecond,
		ReloadFloor:       5 * time.Millisecond,
		SettleDelay:       time.Millisecond,
		PollInterval:      time.Hour,
	}
}

type sessionEnv struct {
	dir      *fakeDirectory
	feed     *fakeFeed
	layout   *fakeLayoutStore
	presence *fakePresenceStore
	dialer   *fakeDialer
	session  *GridSession
}

func newSessionEnv(user *domain.User) *sessionEnv {
	return newSessionEnvWith(user, testConfig())
}

func newSessionEnvWith(user *domain.User, cfg *config.Config) *sessionEnv {
	env := &sessionEnv{
		dir:      &fakeDirectory{user: user},
		feed:     &fakeFeed{},
		layout:   &fakeLayoutStore{},
		presence: newFakePresenceStore(),
		dialer:   &fakeDialer{},
	}
	env.session = NewGridSession(cfg, SessionDeps{
		Registry:  NewSubscriptionRegistry(env.feed),
		Scheduler: NewReloadScheduler(),
		Guard:     NewConnectionGuard(env.dialer, cfg.ConnectTimeout),
		Heartbeat: NewPresenceHeartbeat(env.presence, cfg.HeartbeatInterval),
		Directory: env.dir,
		Layout:    env.layout,
		Presence:  env.presence,
	})
	return env
}

func TestUnauthenticatedSessionStaysInert(t *testing.T) {
	env := newSessionEnv(nil)
	require.NoError(t, env.session.Start(context.Background()))
	defer env.session.Stop()

	snap := env.session.GridSnapshot()
	for i, s := range snap {
		assert.Nil(t, s.Occupant)
		assert.Equal(t, i+1, s.Index)
		assert.Equal(t, 1.0, s.Volume)
	}
	assert.ErrorIs(t, env.session.GoLive(context.Background(), "stream-1"), ErrNotAuthenticated)
	assert.Equal(t, 0, env.feed.openCount(), "inert session opened a feed channel")

	env.session.Watch("stream-1")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, env.presence.snapshot(), "inert session sent heartbeats")

	// Slot operations are accepted and do nothing.
	assert.NoError(t, env.session.MoveSlot(1, 2))
	assert.NoError(t, env.session.ClearSlot(1))
}

func TestStartLoadsStreamersIntoGrid(t *testing.T) {
	env := newSessionEnv(&domain.User{ID: "me", Username: "me"})
	env.dir.setList([]domain.StreamerRef{
		mkRef("a", true, true, 4),
		mkRef("b", false, true, 1),
	})
	require.NoError(t, env.session.Start(context.Background()))
	defer env.session.Stop()

	got := occupantIDs(env.session.GridSnapshot())
	assert.Equal(t, map[int]domain.ProfileID{1: "a", 2: "b"}, got)
	assert.Equal(t, 1, env.feed.openCount())
}

func TestFetchFailureEmptiesGrid(t *testing.T) {
	env := newSessionEnv(&domain.User{ID: "me", Username: "me"})
	env.dir.setList([]domain.StreamerRef{mkRef("a", true, true, 4)})
	require.NoError(t, env.session.Start(context.Background()))
	defer env.session.Stop()
	require.Len(t, occupantIDs(env.session.GridSnapshot()), 1)

	env.dir.mu.Lock()
	env.dir.err = errors.New("directory down")
	env.dir.mu.Unlock()
	env.session.reload()

	assert.Empty(t, occupantIDs(env.session.GridSnapshot()), "stale occupants survived fetch exhaustion")
}

func TestGoLivePinsSelfAndDialsOnce(t *testing.T) {
	env := newSessionEnv(&domain.User{ID: "me", Username: "me"})
	env.dir.setList([]domain.StreamerRef{mkRef("a", true, true, 4)})
	require.NoError(t, env.session.Start(context.Background()))
	defer env.session.Stop()

	require.NoError(t, env.session.GoLive(context.Background(), "my-stream"))
	require.NoError(t, env.session.GoLive(context.Background(), "my-stream"))

	snap := env.session.GridSnapshot()
	require.NotNil(t, snap[0].Occupant)
	assert.Equal(t, domain.ProfileID("me"), snap[0].Occupant.ProfileID)
	assert.Equal(t, domain.StreamID("my-stream"), snap[0].Occupant.StreamID)
	assert.True(t, snap[0].Pinned)
	assert.Equal(t, 1, env.dialer.dialCount(), "connected session dialed again")
	assert.Equal(t, core.StateConnected, env.session.ConnectionState())

	// The directory has not caught up; a reload must keep self pinned.
	env.session.reload()
	snap = env.session.GridSnapshot()
	require.NotNil(t, snap[0].Occupant)
	assert.Equal(t, domain.ProfileID("me"), snap[0].Occupant.ProfileID)
}

func TestStopLiveEmptiesSlotOne(t *testing.T) {
	env := newSessionEnv(&domain.User{ID: "me", Username: "me"})
	env.dir.setList([]domain.StreamerRef{mkRef("a", true, true, 4)})
	require.NoError(t, env.session.Start(context.Background()))
	defer env.session.Stop()
	require.NoError(t, env.session.GoLive(context.Background(), "my-stream"))

	env.session.StopLive()

	got := occupantIDs(env.session.GridSnapshot())
	_, selfPlaced := got[1]
	if selfPlaced {
		assert.NotEqual(t, domain.ProfileID("me"), got[1])
	}
	assert.Equal(t, core.StateDisconnected, env.session.ConnectionState())
	// a keeps whatever slot it ended up in.
	found := false
	for _, id := range got {
		if id == "a" {
			found = true
		}
	}
	assert.True(t, found, "other streamer dropped by StopLive")
}

func TestFeedEventTriggersReload(t *testing.T) {
	env := newSessionEnv(&domain.User{ID: "me", Username: "me"})
	require.NoError(t, env.session.Start(context.Background()))
	defer env.session.Stop()

	before := env.dir.listCalls()
	env.dir.setList([]domain.StreamerRef{mkRef("a", true, true, 4)})
	env.feed.lastChannel().push(core.Event{Type: core.EventInsert, Topic: "live_streams"})

	require.Eventually(t, func() bool {
		return env.dir.listCalls() > before
	}, 2*time.Second, 5*time.Millisecond, "insert event never caused a re-fetch")
	require.Eventually(t, func() bool {
		return len(occupantIDs(env.session.GridSnapshot())) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUpdateEventRefetchesPublishState(t *testing.T) {
	// Only the publish-state key may fire; the list and reload keys
	// would mask a stale-cache recompute.
	cfg := testConfig()
	cfg.ListDebounce = time.Hour
	cfg.ReloadFloor = time.Hour
	cfg.SettleDelay = time.Hour
	cfg.PublishDebounce = 5 * time.Millisecond

	env := newSessionEnvWith(&domain.User{ID: "me", Username: "me"}, cfg)
	env.dir.setList([]domain.StreamerRef{mkRef("a", true, true, 4)})
	require.NoError(t, env.session.Start(context.Background()))
	defer env.session.Stop()

	snap := env.session.GridSnapshot()
	require.NotNil(t, snap[0].Occupant)
	require.True(t, snap[0].Occupant.IsPublishing)

	env.dir.setList([]domain.StreamerRef{mkRef("a", false, true, 99)})
	env.feed.lastChannel().push(core.Event{Type: core.EventUpdate, Topic: "live_streams"})

	require.Eventually(t, func() bool {
		for _, s := range env.session.GridSnapshot() {
			if s.Occupant != nil && s.Occupant.ProfileID == "a" {
				return !s.Occupant.IsPublishing && s.Occupant.ViewerCount == 99
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "publish flip never reached the grid")
}

func TestWatchHeartbeatsAndViewerCount(t *testing.T) {
	env := newSessionEnv(&domain.User{ID: "me", Username: "me"})
	require.NoError(t, env.session.Start(context.Background()))
	defer env.session.Stop()

	env.session.Watch("stream-a")
	ops := env.presence.waitOps(t, 1)
	assert.Equal(t, "upsert", ops[0].kind)
	assert.Equal(t, domain.ProfileID("me"), ops[0].rec.ViewerID)
	assert.Equal(t, domain.StreamID("stream-a"), ops[0].rec.StreamID)

	env.session.Unwatch()

	now := time.Now()
	env.presence.mu.Lock()
	env.presence.records = []domain.HeartbeatRecord{
		{ViewerID: "v1", StreamID: "stream-a", IsActive: true, IsUnmuted: true, IsVisible: true, IsSubscribed: true, LastSeenAt: now.Add(-10 * time.Second)},
		{ViewerID: "v2", StreamID: "stream-a", IsActive: true, IsUnmuted: true, IsVisible: true, IsSubscribed: true, LastSeenAt: now.Add(-70 * time.Second)},
		{ViewerID: "v3", StreamID: "stream-a", IsActive: true, IsUnmuted: false, IsVisible: true, IsSubscribed: true, LastSeenAt: now.Add(-10 * time.Second)},
	}
	env.presence.mu.Unlock()
	assert.Equal(t, uint(1), env.session.ViewerCount(context.Background(), "stream-a"))
}

func TestDropViewerPlacesFromPayload(t *testing.T) {
	env := newSessionEnv(&domain.User{ID: "me", Username: "me"})
	env.dir.setList([]domain.StreamerRef{mkRef("a", true, true, 4)})
	require.NoError(t, env.session.Start(context.Background()))
	defer env.session.Stop()

	// Known viewer: resolved from the cached snapshot, swap path keeps
	// the id unique.
	require.NoError(t, env.session.DropViewer(
		[]byte(`{"type":"viewer","profileId":"a","streamId":"stream-a"}`), 5))
	got := occupantIDs(env.session.GridSnapshot())
	assert.Equal(t, domain.ProfileID("a"), got[5])
	assertUnique(t, env.session.GridSnapshot())

	// Unknown viewer: placed from the payload alone.
	require.NoError(t, env.session.DropViewer(
		[]byte(`{"type":"viewer","profileId":"z","streamId":"stream-z"}`), 2))
	snap := env.session.GridSnapshot()
	require.NotNil(t, snap[1].Occupant)
	assert.Equal(t, domain.StreamID("stream-z"), snap[1].Occupant.StreamID)

	// Foreign drag types are rejected.
	err := env.session.DropViewer([]byte(`{"type":"file","profileId":"q"}`), 3)
	assert.ErrorIs(t, err, domain.ErrBadDragPayload)
}
