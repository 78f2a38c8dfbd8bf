package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/jointly/internal/adapters/signal"
	"github.com/dkeye/jointly/internal/app/events"
	"github.com/dkeye/jointly/internal/core"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/dkeye/jointly/internal/storage"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) hostWithTrack() {
	h.tb.Helper()
	h.asHost()
	h.e.LoadTrack(trackA)
	require.Eventually(h.tb, func() bool {
		return lo.Contains(h.tr.actions(), domain.ActionChangeTrack)
	}, eventually, tick)
}

func lastAction(t *testing.T, h *harness) domain.PlaybackActionPayload {
	t.Helper()
	msg, ok := h.tr.last(domain.TypePlaybackAction)
	require.True(t, ok)
	return msg.Payload.(domain.PlaybackActionPayload)
}

func TestCreateRoomWaitsForOpen(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.e.Bus().Subscribe()
	defer cancel()

	require.NoError(t, h.e.CreateRoom("alice"))
	h.sync()
	connects, _, _ := h.tr.stats()
	assert.Equal(t, 1, connects)
	assert.Empty(t, h.tr.sent())
	assert.True(t, h.e.HoldsSession())

	h.open()
	msg, ok := h.tr.last(domain.TypeCreateRoom)
	require.True(t, ok)
	assert.Equal(t, domain.CreateRoomPayload{Username: "alice"}, msg.Payload)

	h.inbound(domain.TypeRoomCreated, domain.RoomCreatedPayload{RoomCode: "ABC", UserID: "u-host", SessionToken: "tok"})
	ev := waitEvent(t, ch, events.KindRoomCreated)
	assert.Equal(t, events.RoomCreated{RoomCode: "ABC", UserID: "u-host"}, ev.Data)

	st := h.e.Snapshot()
	assert.Equal(t, domain.RoleHost, st.Role)
	require.NotNil(t, st.Room)
	assert.Equal(t, "u-host", st.Room.HostID)
	require.Len(t, st.Room.Users, 1)
	assert.Equal(t, "alice", st.Room.Users[0].Username)
}

func TestEntryValidation(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.e.CreateRoom(""))
	assert.Error(t, h.e.JoinRoom("", "bob"))
	assert.Error(t, h.e.JoinRoom("abc", ""))
	h.sync()
	connects, _, _ := h.tr.stats()
	assert.Zero(t, connects)
	assert.False(t, h.e.HoldsSession())
}

func TestJoinSendsNormalizedCode(t *testing.T) {
	h := newHarness(t)
	h.open()
	require.NoError(t, h.e.JoinRoom(" abc ", "bob"))
	h.sync()
	msg, ok := h.tr.last(domain.TypeJoinRoom)
	require.True(t, ok)
	assert.Equal(t, domain.JoinRoomPayload{RoomCode: "ABC", Username: "bob"}, msg.Payload)
}

func TestGuestCannotUseHostOperations(t *testing.T) {
	h := newHarness(t)
	h.asGuest(guestRoom())
	h.tr.reset()

	h.e.ApproveJoin("u3")
	h.e.RejectJoin("u3", "no")
	h.e.KickUser("u-host", "bye")
	h.e.TransferHost("u-guest")
	h.e.ApproveSuggestion("s1")
	h.e.RejectSuggestion("s1", "no")
	h.e.SendPlaybackAction(domain.PlaybackActionPayload{Action: domain.ActionPlay})
	require.NoError(t, h.e.Control(Command{Action: domain.ActionPlay}))
	h.e.QueueClear()
	h.e.SyncQueue()
	h.e.SetVolume(0.3)
	h.e.LoadTrack(trackB)
	h.sync()
	h.sync()

	assert.Empty(t, h.tr.sent())
	assert.False(t, h.p.PlayWhenReady())
	assert.Zero(t, h.p.ItemCount())
	assert.Equal(t, float32(1), h.p.Volume())
}

func TestHostCannotUseGuestOperations(t *testing.T) {
	h := newHarness(t)
	h.asHost()
	h.tr.reset()

	h.e.RequestSync()
	h.e.SuggestTrack(trackB)
	h.sync()
	assert.Empty(t, h.tr.sent())
}

func TestRoomOperationsNeedARoom(t *testing.T) {
	h := newHarness(t)
	h.open()
	h.e.SendChat("hi")
	h.e.LeaveRoom()
	h.e.RequestSync()
	h.sync()
	assert.Empty(t, h.tr.sent())
}

func TestHostAnnouncesLocalChanges(t *testing.T) {
	h := newHarness(t)
	h.hostWithTrack()

	p := lastAction(t, h)
	assert.Equal(t, domain.ActionChangeTrack, p.Action)
	assert.Equal(t, "t1", p.TrackID)
	require.NotNil(t, p.TrackInfo)
	assert.Equal(t, "One", p.TrackInfo.Title)
	assert.Len(t, p.Queue, 1)
	assert.Equal(t, "Listen Together", p.QueueTitle)

	h.tr.reset()
	require.NoError(t, h.e.Control(Command{Action: domain.ActionPlay}))
	require.Eventually(t, func() bool {
		return lo.Contains(h.tr.actions(), domain.ActionPlay)
	}, eventually, tick)

	h.p.UserSeek(5000)
	require.Eventually(t, func() bool {
		return lo.Contains(h.tr.actions(), domain.ActionSeek)
	}, eventually, tick)
	p = lastAction(t, h)
	require.NotNil(t, p.Position)
	assert.Equal(t, int64(5000), *p.Position)

	// A programmatic seek reports an internal discontinuity; Control sends
	// the SEEK itself, exactly once.
	h.tr.reset()
	require.NoError(t, h.e.Control(Command{Action: domain.ActionSeek, Position: 9000}))
	h.sync()
	h.sync()
	assert.Equal(t, []string{domain.ActionSeek}, h.tr.actions())

	require.ErrorIs(t, h.e.Control(Command{Action: "dance"}), ErrUnknownAction)
	require.ErrorIs(t, h.e.Control(Command{Action: domain.ActionQueueAdd}), ErrUnknownAction)
}

func TestPlayPauseOnlyOnChange(t *testing.T) {
	h := newHarness(t)
	h.hostWithTrack()
	h.tr.reset()

	h.p.Pause()
	h.sync()
	h.sync()
	assert.Empty(t, h.tr.actions())

	h.p.Play()
	require.Eventually(t, func() bool { return len(h.tr.actions()) == 1 }, eventually, tick)
	h.p.Pause()
	require.Eventually(t, func() bool { return len(h.tr.actions()) == 2 }, eventually, tick)
	assert.Equal(t, []string{domain.ActionPlay, domain.ActionPause}, h.tr.actions())
}

func TestSyntheticCallbacksAreNotBroadcast(t *testing.T) {
	h := newHarness(t)
	h.hostWithTrack()
	h.tr.reset()

	h.onLoop(func() { h.e.withSync(h.p.Play) })
	h.sync()
	assert.Empty(t, h.tr.actions())
	assert.True(t, h.p.PlayWhenReady())

	require.Eventually(t, func() bool { return h.e.suppress.Load() == 0 }, eventually, tick)
	h.p.Pause()
	h.p.Play()
	require.Eventually(t, func() bool {
		return lo.Contains(h.tr.actions(), domain.ActionPlay)
	}, eventually, tick)
}

func TestStaleSyncEndKeepsNewerSuppression(t *testing.T) {
	h := newHarness(t)
	var second uint64
	h.onLoop(func() {
		first := h.e.beginSync()
		second = h.e.beginSync()
		h.e.endSync(first)
	})
	time.Sleep(3 * testConfig().SuppressionDelay)
	assert.Equal(t, second, h.e.suppress.Load())

	h.onLoop(func() { h.e.endSync(second) })
	require.Eventually(t, func() bool { return h.e.suppress.Load() == 0 }, eventually, tick)
}

func TestGuestWaitsForBufferComplete(t *testing.T) {
	h := newHarness(t)
	h.asGuest(guestRoom())

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{
		Action:    domain.ActionChangeTrack,
		TrackID:   "t1",
		TrackInfo: &trackA,
		Queue:     []domain.TrackInfo{trackA, trackB},
	})
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionPlay, Position: domain.Int64(1500)})

	require.Eventually(t, func() bool { return h.tr.count(domain.TypeBufferReady) == 1 }, eventually, tick)
	msg, _ := h.tr.last(domain.TypeBufferReady)
	assert.Equal(t, domain.BufferReadyPayload{TrackID: "t1"}, msg.Payload)

	h.sync()
	assert.Equal(t, "t1", h.p.CurrentItemID())
	assert.Equal(t, 2, h.p.ItemCount())
	assert.False(t, h.p.PlayWhenReady(), "playing before buffer_complete")

	h.inbound(domain.TypeBufferComplete, domain.BufferCompletePayload{TrackID: "t1"})
	h.sync()
	assert.True(t, h.p.PlayWhenReady())
	assert.InDelta(t, 1500, h.p.Position(), 300)

	room := h.e.Room.Get()
	require.NotNil(t, room.CurrentTrack)
	assert.Equal(t, "t1", room.CurrentTrack.ID)
	assert.True(t, room.IsPlaying)
}

func TestBufferCompleteBeforeLoadFinished(t *testing.T) {
	h := newHarness(t)
	h.res.setDelay(60 * time.Millisecond)
	h.asGuest(guestRoom())

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionChangeTrack, TrackID: "t1", TrackInfo: &trackA})
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionPlay, Position: domain.Int64(0)})
	h.inbound(domain.TypeBufferComplete, domain.BufferCompletePayload{TrackID: "t1"})
	h.sync()
	assert.False(t, h.p.PlayWhenReady())

	require.Eventually(t, func() bool { return h.p.PlayWhenReady() }, eventually, tick)
	assert.Equal(t, 1, h.tr.count(domain.TypeBufferReady))
}

func TestBufferCompleteForOtherTrackIgnored(t *testing.T) {
	h := newHarness(t)
	h.asGuest(guestRoom())

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionChangeTrack, TrackID: "t1", TrackInfo: &trackA})
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionPlay, Position: domain.Int64(0)})
	require.Eventually(t, func() bool { return h.tr.count(domain.TypeBufferReady) == 1 }, eventually, tick)

	h.inbound(domain.TypeBufferComplete, domain.BufferCompletePayload{TrackID: "t2"})
	h.sync()
	assert.False(t, h.p.PlayWhenReady())
}

func TestNewerTrackChangeSupersedesLoad(t *testing.T) {
	h := newHarness(t)
	h.res.setDelay(40 * time.Millisecond)
	h.asGuest(guestRoom())

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionChangeTrack, TrackID: "t1", TrackInfo: &trackA})
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionChangeTrack, TrackID: "t2", TrackInfo: &trackB})

	require.Eventually(t, func() bool { return h.tr.count(domain.TypeBufferReady) >= 1 }, eventually, tick)
	time.Sleep(80 * time.Millisecond)
	h.sync()
	assert.Equal(t, 1, h.tr.count(domain.TypeBufferReady))
	msg, _ := h.tr.last(domain.TypeBufferReady)
	assert.Equal(t, domain.BufferReadyPayload{TrackID: "t2"}, msg.Payload)
	assert.Equal(t, "t2", h.p.CurrentItemID())
}

func TestJoinWithTrackLoadsWithoutHandshake(t *testing.T) {
	h := newHarness(t)
	room := guestRoom()
	room.CurrentTrack = &trackA
	room.IsPlaying = true
	room.Position = 5000
	h.asGuest(room)

	require.Eventually(t, func() bool {
		return h.p.CurrentItemID() == "t1" && h.p.PlayWhenReady()
	}, eventually, tick)
	assert.GreaterOrEqual(t, h.p.Position(), int64(5000))
	assert.Zero(t, h.tr.count(domain.TypeBufferReady))
}

func TestGuestSeekAndSkip(t *testing.T) {
	h := newHarness(t)
	room := guestRoom()
	room.CurrentTrack = &trackA
	room.Queue = []domain.TrackInfo{trackA, trackB}
	h.asGuest(room)
	require.Eventually(t, func() bool { return h.p.ItemCount() == 2 }, eventually, tick)

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionSeek, Position: domain.Int64(42000)})
	h.sync()
	assert.Equal(t, int64(42000), h.p.Position())

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionSkipNext})
	h.sync()
	assert.Equal(t, "t2", h.p.CurrentItemID())

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionSkipPrev})
	h.sync()
	assert.Equal(t, "t1", h.p.CurrentItemID())
	assert.Empty(t, h.tr.actions())
}

func TestGuestQueueEdits(t *testing.T) {
	h := newHarness(t)
	room := guestRoom()
	room.CurrentTrack = &trackA
	h.asGuest(room)
	require.Eventually(t, func() bool { return h.p.ItemCount() == 1 }, eventually, tick)

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionQueueAdd, TrackID: "t2", TrackInfo: &trackB})
	require.Eventually(t, func() bool { return h.p.ItemCount() == 2 }, eventually, tick)
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionQueueAdd, TrackID: "t3", TrackInfo: &trackC, InsertNext: domain.Bool(true)})
	require.Eventually(t, func() bool { return h.p.ItemCount() == 3 }, eventually, tick)
	h.sync()
	assert.Equal(t, []string{"t1", "t3", "t2"}, lo.Map(h.p.Queue(), func(t domain.TrackInfo, _ int) string { return t.ID }))

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionQueueRemove, TrackID: "t3"})
	h.sync()
	assert.Equal(t, 2, h.p.ItemCount())

	// The current item is never removed by a queue edit.
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionQueueRemove, TrackID: "t1"})
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionQueueClear})
	h.sync()
	assert.Equal(t, 1, h.p.ItemCount())
	assert.Equal(t, "t1", h.p.CurrentItemID())

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionSyncQueue, Queue: []domain.TrackInfo{trackC, trackA, trackB}})
	require.Eventually(t, func() bool { return h.p.ItemCount() == 3 }, eventually, tick)
	h.sync()
	assert.Equal(t, "t1", h.p.CurrentItemID())
	assert.Equal(t, 1, h.p.CurrentIndex())
}

func TestHostVolumeApplied(t *testing.T) {
	h := newHarness(t)
	h.asGuest(guestRoom())

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionSetVolume, Volume: domain.Float32(0.4)})
	h.sync()
	assert.InDelta(t, 0.4, h.p.Volume(), 0.001)

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionSetVolume, Volume: domain.Float32(7)})
	h.sync()
	assert.Equal(t, float32(1), h.p.Volume())
}

func TestHostVolumeDeduplicated(t *testing.T) {
	h := newHarness(t)
	h.asHost()
	h.tr.reset()

	h.e.SetVolume(0.5)
	h.e.SetVolume(0.505)
	h.e.SetVolume(0.8)
	h.sync()
	assert.Equal(t, []string{domain.ActionSetVolume, domain.ActionSetVolume}, h.tr.actions())
	assert.InDelta(t, 0.8, h.p.Volume(), 0.001)
}

func TestSyncStateCorrectsDrift(t *testing.T) {
	h := newHarness(t)
	room := guestRoom()
	room.CurrentTrack = &trackA
	room.IsPlaying = true
	h.asGuest(room)
	require.Eventually(t, func() bool { return h.p.PlayWhenReady() }, eventually, tick)

	h.e.RequestSync()
	h.sync()
	assert.Equal(t, 1, h.tr.count(domain.TypeRequestSync))

	h.inbound(domain.TypeSyncState, domain.SyncStatePayload{CurrentTrack: &trackA, IsPlaying: true, Position: 30000})
	h.sync()
	assert.InDelta(t, 30000, h.p.Position(), 300)
	assert.True(t, h.p.PlayWhenReady())

	// Another track: loaded directly, no handshake.
	h.inbound(domain.TypeSyncState, domain.SyncStatePayload{CurrentTrack: &trackB, IsPlaying: false, Position: 1000})
	require.Eventually(t, func() bool { return h.p.CurrentItemID() == "t2" }, eventually, tick)
	require.Eventually(t, func() bool { return h.p.Position() == 1000 }, eventually, tick)
	assert.False(t, h.p.PlayWhenReady())
	assert.Zero(t, h.tr.count(domain.TypeBufferReady))
}

func TestGuestReconnectOnSameTrackCorrects(t *testing.T) {
	h := newHarness(t)
	room := guestRoom()
	room.CurrentTrack = &trackA
	room.IsPlaying = true
	h.asGuest(room)
	require.Eventually(t, func() bool { return h.p.PlayWhenReady() }, eventually, tick)

	h.e.OnState(domain.Reconnecting, 1)
	h.open()
	msg, ok := h.tr.last(domain.TypeReconnect)
	require.True(t, ok)
	assert.Equal(t, domain.ReconnectPayload{SessionToken: "tok-guest"}, msg.Payload)

	state := guestRoom()
	state.CurrentTrack = &trackA
	state.Position = 42000
	h.inbound(domain.TypeReconnected, domain.ReconnectedPayload{RoomCode: "ABC", UserID: "u-guest", State: state})
	h.sync()
	assert.False(t, h.p.PlayWhenReady())
	assert.Equal(t, int64(42000), h.p.Position())
	assert.Equal(t, domain.RoleGuest, h.e.Role.Get())
}

func TestGuestReconnectOnOtherTrackHandshakes(t *testing.T) {
	h := newHarness(t)
	room := guestRoom()
	room.CurrentTrack = &trackA
	h.asGuest(room)
	require.Eventually(t, func() bool { return h.p.CurrentItemID() == "t1" }, eventually, tick)

	h.e.OnState(domain.Reconnecting, 1)
	h.open()

	state := guestRoom()
	state.CurrentTrack = &trackB
	state.IsPlaying = true
	state.Position = 3000
	h.inbound(domain.TypeReconnected, domain.ReconnectedPayload{RoomCode: "ABC", UserID: "u-guest", State: state})

	require.Eventually(t, func() bool { return h.tr.count(domain.TypeBufferReady) == 1 }, eventually, tick)
	require.Eventually(t, func() bool { return h.tr.count(domain.TypeRequestSync) == 1 }, eventually, tick)
	assert.Equal(t, "t2", h.p.CurrentItemID())

	h.inbound(domain.TypeBufferComplete, domain.BufferCompletePayload{TrackID: "t2"})
	h.sync()
	assert.True(t, h.p.PlayWhenReady())
}

func TestHostReconnectReannounces(t *testing.T) {
	h := newHarness(t)
	h.hostWithTrack()
	require.NoError(t, h.e.Control(Command{Action: domain.ActionPlay}))
	require.Eventually(t, func() bool { return lo.Contains(h.tr.actions(), domain.ActionPlay) }, eventually, tick)

	h.e.OnState(domain.Reconnecting, 1)
	h.open()
	msg, ok := h.tr.last(domain.TypeReconnect)
	require.True(t, ok)
	assert.Equal(t, domain.ReconnectPayload{SessionToken: "tok-host"}, msg.Payload)
	h.tr.reset()

	state := domain.RoomState{RoomCode: "ABC", CurrentTrack: &trackB}
	h.inbound(domain.TypeReconnected, domain.ReconnectedPayload{RoomCode: "ABC", UserID: "u-host", State: state, IsHost: true})
	require.Eventually(t, func() bool { return len(h.tr.actions()) == 2 }, eventually, tick)
	assert.Equal(t, []string{domain.ActionChangeTrack, domain.ActionPlay}, h.tr.actions())
	assert.Equal(t, domain.RoleHost, h.e.Role.Get())
	assert.Equal(t, "u-host", h.e.Room.Get().HostID)
}

func TestReconnectedAsHostMovesHostFlag(t *testing.T) {
	h := newHarness(t)
	h.asGuest(guestRoom())

	h.e.OnState(domain.Reconnecting, 1)
	h.open()
	h.inbound(domain.TypeReconnected, domain.ReconnectedPayload{RoomCode: "ABC", UserID: "u-guest", State: guestRoom(), IsHost: true})
	h.sync()

	room := h.e.Room.Get()
	require.NotNil(t, room)
	assert.Equal(t, domain.RoleHost, h.e.Role.Get())
	assert.Equal(t, "u-guest", room.HostID)
	hosts := lo.Filter(room.Users, func(u domain.UserInfo, _ int) bool { return u.IsHost })
	require.Len(t, hosts, 1)
	assert.Equal(t, "u-guest", hosts[0].UserID)
}

func TestSessionNotFoundRejoinsAsGuest(t *testing.T) {
	h := newHarness(t)
	h.asGuest(guestRoom())
	h.tr.reset()

	h.inbound(domain.TypeError, domain.ErrorPayload{Code: domain.ErrCodeSessionNotFound, Message: "expired"})
	require.Eventually(t, func() bool { return h.tr.count(domain.TypeJoinRoom) == 1 }, eventually, tick)
	msg, _ := h.tr.last(domain.TypeJoinRoom)
	assert.Equal(t, domain.JoinRoomPayload{RoomCode: "ABC", Username: "bob"}, msg.Payload)
	assert.True(t, h.e.HoldsSession())
}

func TestSessionNotFoundAsHostDropsToken(t *testing.T) {
	h := newHarness(t)
	h.asHost()
	h.tr.reset()

	h.inbound(domain.TypeError, domain.ErrorPayload{Code: domain.ErrCodeSessionNotFound})
	time.Sleep(3 * testConfig().RejoinDelay)
	h.sync()
	assert.Zero(t, h.tr.count(domain.TypeJoinRoom))
	assert.Zero(t, h.tr.count(domain.TypeCreateRoom))

	h.e.OnState(domain.Reconnecting, 1)
	h.open()
	assert.Zero(t, h.tr.count(domain.TypeReconnect))
}

func TestResolutionFailure(t *testing.T) {
	h := newHarness(t)
	h.res.failOn("t9")
	h.asGuest(guestRoom())

	bad := domain.TrackInfo{ID: "t9", Title: "Gone"}
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionChangeTrack, TrackID: "t9", TrackInfo: &bad})
	require.Eventually(t, func() bool { return h.metrics.resolveFailed.Load() == 1 }, eventually, tick)
	h.onLoop(func() { assert.False(t, h.e.buf.active()) })
	assert.Zero(t, h.tr.count(domain.TypeBufferReady))

	// A broken queue neighbour is skipped.
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{
		Action:    domain.ActionChangeTrack,
		TrackID:   "t1",
		TrackInfo: &trackA,
		Queue:     []domain.TrackInfo{bad, trackA, trackB},
	})
	require.Eventually(t, func() bool { return h.tr.count(domain.TypeBufferReady) == 1 }, eventually, tick)
	assert.Equal(t, 2, h.p.ItemCount())
	assert.Equal(t, 0, h.p.CurrentIndex())
}

func TestKickedTearsDown(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.e.Bus().Subscribe()
	defer cancel()
	h.asGuest(guestRoom())

	h.inbound(domain.TypeKicked, domain.KickedPayload{Reason: "bye"})
	ev := waitEvent(t, ch, events.KindKicked)
	assert.Equal(t, events.Kicked{Reason: "bye"}, ev.Data)
	h.sync()

	assert.Nil(t, h.e.Room.Get())
	assert.Equal(t, domain.RoleNone, h.e.Role.Get())
	assert.False(t, h.e.HoldsSession())
	_, _, disconnects := h.tr.stats()
	assert.Equal(t, []string{"kicked"}, disconnects)
}

func TestJoinRejectedTearsDown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.JoinRoom("ABC", "bob"))
	h.open()
	h.inbound(domain.TypeJoinRejected, domain.JoinRejectedPayload{Reason: "no"})
	h.sync()
	assert.False(t, h.e.HoldsSession())
	assert.Nil(t, h.e.Room.Get())
}

func TestLeaveRoom(t *testing.T) {
	h := newHarness(t)
	h.asGuest(guestRoom())
	h.e.LeaveRoom()
	h.sync()
	assert.Equal(t, 1, h.tr.count(domain.TypeLeaveRoom))
	assert.Nil(t, h.e.Room.Get())
	assert.Empty(t, h.e.UserID.Get())
	assert.False(t, h.e.HoldsSession())
}

func TestDisconnect(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:", storage.DefaultGracePeriod)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, withStore(store))
	h.asHost()
	_, err = store.Load()
	require.NoError(t, err)

	h.e.Disconnect("")
	h.sync()
	assert.Nil(t, h.e.Room.Get())
	assert.Equal(t, domain.RoleNone, h.e.Role.Get())
	assert.Empty(t, h.e.UserID.Get())
	assert.False(t, h.e.HoldsSession())
	_, _, disconnects := h.tr.stats()
	assert.Equal(t, []string{"user"}, disconnects)
	_, err = store.Load()
	assert.ErrorIs(t, err, storage.ErrNoSession)

	// Opening again starts fresh instead of resuming.
	h.tr.reset()
	h.open()
	assert.Zero(t, h.tr.count(domain.TypeReconnect))
}

func TestJoinRequests(t *testing.T) {
	h := newHarness(t)
	h.asHost()
	h.e.Block("Mallory")
	h.tr.reset()

	h.inbound(domain.TypeJoinRequest, domain.JoinRequestPayload{UserID: "u9", Username: "mallory"})
	h.sync()
	msg, ok := h.tr.last(domain.TypeRejectJoin)
	require.True(t, ok)
	assert.Equal(t, domain.RejectJoinPayload{UserID: "u9", Reason: "blocked"}, msg.Payload)

	for range 4 {
		h.inbound(domain.TypeJoinRequest, domain.JoinRequestPayload{UserID: "u7", Username: "carol"})
	}
	h.sync()
	msg, _ = h.tr.last(domain.TypeRejectJoin)
	assert.Equal(t, domain.RejectJoinPayload{UserID: "u7", Reason: "too many requests"}, msg.Payload)
	assert.Equal(t, 2, h.tr.count(domain.TypeRejectJoin))

	reqs := h.e.Snapshot().JoinRequests
	require.Len(t, reqs, 1)
	assert.Equal(t, "carol", reqs[0].Username)

	h.e.ApproveJoin("u7")
	h.sync()
	assert.Equal(t, 1, h.tr.count(domain.TypeApproveJoin))
	assert.Empty(t, h.e.Snapshot().JoinRequests)
}

func TestBlockRejectsPendingRequests(t *testing.T) {
	h := newHarness(t)
	h.asHost()
	h.inbound(domain.TypeJoinRequest, domain.JoinRequestPayload{UserID: "u9", Username: "Mallory"})
	h.sync()
	require.Len(t, h.e.Snapshot().JoinRequests, 1)

	h.e.Block("mallory")
	h.sync()
	assert.Equal(t, 1, h.tr.count(domain.TypeRejectJoin))
	assert.Empty(t, h.e.Snapshot().JoinRequests)
	assert.Equal(t, []string{"mallory"}, h.e.Snapshot().Blocked)
}

func TestHostSkipsOwnQueueEcho(t *testing.T) {
	h := newHarness(t)
	h.hostWithTrack()

	h.e.QueueAdd(trackB, false)
	require.Eventually(t, func() bool { return lo.Contains(h.tr.actions(), domain.ActionQueueAdd) }, eventually, tick)
	assert.Equal(t, 2, h.p.ItemCount())

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionQueueAdd, TrackID: "t2", TrackInfo: &trackB, InsertNext: domain.Bool(false)})
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionQueueAdd, TrackID: "t3", TrackInfo: &trackC})
	require.Eventually(t, func() bool { return h.p.ItemCount() >= 3 }, eventually, tick)
	time.Sleep(30 * time.Millisecond)
	h.sync()
	assert.Equal(t, 3, h.p.ItemCount())

	// Non-queue actions from the relay never touch the host's player.
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionPlay, Position: domain.Int64(100000)})
	h.sync()
	assert.False(t, h.p.PlayWhenReady())
}

func TestHostEchoExpires(t *testing.T) {
	h := newHarness(t)
	h.hostWithTrack()

	h.e.QueueAdd(trackB, false)
	require.Eventually(t, func() bool { return h.p.ItemCount() == 2 }, eventually, tick)
	h.e.QueueRemove("t2")
	h.sync()
	require.Equal(t, 1, h.p.ItemCount())

	// The relay never echoed either edit.
	later := time.Now().Add(time.Minute)
	h.onLoop(func() { h.e.now = func() time.Time { return later } })

	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionQueueAdd, TrackID: "t2", TrackInfo: &trackB})
	require.Eventually(t, func() bool { return h.p.ItemCount() == 2 }, eventually, tick)
	assert.Equal(t, "t2", h.p.ItemIDAt(1))
}

func TestHostEchoesDroppedOnReconnect(t *testing.T) {
	h := newHarness(t)
	h.hostWithTrack()

	h.e.QueueAdd(trackB, false)
	require.Eventually(t, func() bool { return h.p.ItemCount() == 2 }, eventually, tick)

	h.e.OnState(domain.Reconnecting, 1)
	h.sync()
	h.inbound(domain.TypeSyncPlayback, domain.PlaybackActionPayload{Action: domain.ActionQueueAdd, TrackID: "t2", TrackInfo: &trackB})
	require.Eventually(t, func() bool { return h.p.ItemCount() == 3 }, eventually, tick)
}

func TestHostQueueRemoveAndClear(t *testing.T) {
	h := newHarness(t)
	h.hostWithTrack()
	h.e.QueueAdd(trackB, false)
	h.e.QueueAdd(trackC, false)
	require.Eventually(t, func() bool { return h.p.ItemCount() == 3 }, eventually, tick)

	h.e.QueueRemove("t1")
	h.e.QueueRemove("t2")
	h.sync()
	assert.Equal(t, 2, h.p.ItemCount())
	assert.Equal(t, 1, lo.Count(h.tr.actions(), domain.ActionQueueRemove))

	h.e.QueueClear()
	h.sync()
	assert.Equal(t, 1, h.p.ItemCount())

	h.e.SyncQueue()
	h.sync()
	p := lastAction(t, h)
	assert.Equal(t, domain.ActionSyncQueue, p.Action)
	assert.Len(t, p.Queue, 1)
}

func TestUserJoinedRebroadcasts(t *testing.T) {
	h := newHarness(t)
	h.hostWithTrack()
	h.tr.reset()

	h.inbound(domain.TypeUserJoined, domain.UserEventPayload{UserID: "u2", Username: "bob"})
	h.sync()
	assert.Equal(t, []string{domain.ActionChangeTrack}, h.tr.actions())
	_, ok := h.e.Room.Get().User("u2")
	assert.True(t, ok)
}

func TestHostChangeHandsOverBroadcasting(t *testing.T) {
	h := newHarness(t)
	room := guestRoom()
	room.CurrentTrack = &trackA
	room.IsPlaying = true
	h.asGuest(room)
	require.Eventually(t, func() bool { return h.p.PlayWhenReady() }, eventually, tick)
	h.tr.reset()

	h.inbound(domain.TypeHostChanged, domain.HostChangedPayload{NewHostID: "u-guest", NewHostName: "bob"})
	h.sync()
	assert.Equal(t, domain.RoleHost, h.e.Role.Get())
	assert.Equal(t, []string{domain.ActionChangeTrack, domain.ActionPlay}, h.tr.actions())

	h.inbound(domain.TypeHostChanged, domain.HostChangedPayload{NewHostID: "u-host", NewHostName: "alice"})
	h.sync()
	assert.Equal(t, domain.RoleGuest, h.e.Role.Get())
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, withHeartbeat(20*time.Millisecond))
	h.hostWithTrack()
	require.NoError(t, h.e.Control(Command{Action: domain.ActionPlay}))
	require.Eventually(t, func() bool {
		return lo.Count(h.tr.actions(), domain.ActionPlay) >= 3
	}, eventually, tick)

	h.e.LeaveRoom()
	h.sync()
	n := len(h.tr.actions())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, len(h.tr.actions()))
}

func TestSuggestions(t *testing.T) {
	t.Run("guest ignores", func(t *testing.T) {
		h := newHarness(t)
		h.asGuest(guestRoom())
		h.inbound(domain.TypeSuggestionReceived, domain.SuggestionReceivedPayload{SuggestionID: "s1", TrackInfo: trackB})
		h.sync()
		assert.Empty(t, h.e.Snapshot().Suggestions)

		h.e.SuggestTrack(trackB)
		h.sync()
		msg, ok := h.tr.last(domain.TypeSuggestTrack)
		require.True(t, ok)
		assert.Equal(t, domain.SuggestTrackPayload{TrackInfo: trackB}, msg.Payload)
	})

	t.Run("host decides", func(t *testing.T) {
		h := newHarness(t)
		h.asHost()
		h.inbound(domain.TypeSuggestionReceived, domain.SuggestionReceivedPayload{SuggestionID: "s1", FromUserID: "u2", FromUsername: "bob", TrackInfo: trackB})
		h.inbound(domain.TypeSuggestionReceived, domain.SuggestionReceivedPayload{SuggestionID: "s2", FromUserID: "u2", FromUsername: "bob", TrackInfo: trackC})
		h.sync()
		require.Len(t, h.e.Snapshot().Suggestions, 2)

		h.e.ApproveSuggestion("s1")
		h.e.RejectSuggestion("s2", "later")
		h.sync()
		assert.Empty(t, h.e.Snapshot().Suggestions)
		msg, _ := h.tr.last(domain.TypeRejectSuggestion)
		assert.Equal(t, domain.RejectSuggestionPayload{SuggestionID: "s2", Reason: "later"}, msg.Payload)
		assert.Equal(t, 1, h.tr.count(domain.TypeApproveSuggestion))
	})
}

func TestRestoresPersistedSession(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:", storage.DefaultGracePeriod)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Save(core.Session{
		Token:     "tok-saved",
		RoomCode:  "ABC",
		UserID:    "u-guest",
		Username:  "bob",
		StartedAt: time.Now(),
	}))

	h := newHarness(t, withStore(store))
	h.sync()
	assert.True(t, h.e.HoldsSession())
	assert.Equal(t, "u-guest", h.e.UserID.Get())

	h.e.Connect()
	h.open()
	msg, ok := h.tr.last(domain.TypeReconnect)
	require.True(t, ok)
	assert.Equal(t, domain.ReconnectPayload{SessionToken: "tok-saved"}, msg.Payload)

	h.inbound(domain.TypeReconnected, domain.ReconnectedPayload{RoomCode: "ABC", UserID: "u-guest", State: guestRoom()})
	h.sync()
	assert.Equal(t, domain.RoleGuest, h.e.Role.Get())

	h.e.LeaveRoom()
	h.sync()
	_, err = store.Load()
	assert.ErrorIs(t, err, storage.ErrNoSession)
}

func TestGiveUpWithoutSessionTearsDown(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.e.Bus().Subscribe()
	defer cancel()

	require.NoError(t, h.e.CreateRoom("alice"))
	h.e.OnGiveUp(errors.New("connection refused"))
	ev := waitEvent(t, ch, events.KindConnectionError)
	assert.Equal(t, events.ConnectionError{Err: "connection refused"}, ev.Data)
	h.sync()
	assert.False(t, h.e.HoldsSession())

	h.open()
	assert.Zero(t, h.tr.count(domain.TypeCreateRoom))
}

func TestBackpressure(t *testing.T) {
	h := newHarness(t)
	h.hostWithTrack()
	h.tr.setErr(signal.ErrBackpressure)

	h.e.SendChat("hello")
	h.sync()
	_, forced, _ := h.tr.stats()
	assert.Zero(t, forced)

	require.NoError(t, h.e.Control(Command{Action: domain.ActionPlay}))
	require.Eventually(t, func() bool {
		_, forced, _ := h.tr.stats()
		return forced == 1
	}, eventually, tick)
}

func TestUndecodableFramesCounted(t *testing.T) {
	h := newHarness(t)
	h.e.OnFrame(core.Frame(nil))
	h.sync()
	assert.Equal(t, int32(1), h.metrics.decodeErrors.Load())
}

func TestChatRelayed(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.e.Bus().Subscribe()
	defer cancel()
	h.asGuest(guestRoom())

	h.e.SendChat("hi all")
	h.sync()
	msg, ok := h.tr.last(domain.TypeChat)
	require.True(t, ok)
	assert.Equal(t, domain.ChatPayload{Message: "hi all"}, msg.Payload)

	h.inbound(domain.TypeChatMessage, domain.ChatMessagePayload{UserID: "u-host", Username: "alice", Message: "hey", Timestamp: 1})
	ev := waitEvent(t, ch, events.KindChatReceived)
	assert.Equal(t, "hey", ev.Data.(events.ChatReceived).Message)
}

func TestCatchUp(t *testing.T) {
	now := time.UnixMilli(10_000)
	assert.Equal(t, int64(1500), catchUp(500, true, 9_000, now))
	assert.Equal(t, int64(500), catchUp(500, false, 9_000, now))
	assert.Equal(t, int64(500), catchUp(500, true, 0, now))
	assert.Equal(t, int64(500), catchUp(500, true, 11_000, now))
}

func TestResumeOnlyWithSession(t *testing.T) {
	h := newHarness(t)
	h.e.Resume()
	h.sync()
	connects, _, _ := h.tr.stats()
	assert.Zero(t, connects)

	store, err := storage.OpenSQLite(":memory:", storage.DefaultGracePeriod)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Save(core.Session{Token: "tok", RoomCode: "ABC", UserID: "u1", Username: "bob", StartedAt: time.Now()}))

	h = newHarness(t, withStore(store))
	h.e.Resume()
	h.sync()
	connects, _, _ = h.tr.stats()
	assert.Equal(t, 1, connects)
}
