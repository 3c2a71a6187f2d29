package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomline/chatsync/internal/chattest"
)

// ============================================================================
// Test Helpers
// ============================================================================

const tick = 10 * time.Millisecond

func newTestSession(t *testing.T, opts ...SessionOption) (*Session, *chattest.Server) {
	t.Helper()
	c, srv := newTestClient(t)
	opts = append([]SessionOption{WithPollInterval(0), WithLocation(time.UTC)}, opts...)
	s := NewSession(c, opts...)
	t.Cleanup(func() { s.Close() })
	return s, srv
}

func startSession(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, s.Connected, waitFor, tick, "notification stream never opened")
}

func selectAndWait(t *testing.T, s *Session, roomID string, wantMessages int) {
	t.Helper()
	require.NoError(t, s.SelectRoom(context.Background(), ID(roomID)))
	require.Eventually(t, func() bool {
		return s.Connected() && len(s.Messages()) == wantMessages
	}, waitFor, tick, "room %s never became ready", roomID)
}

func seedHistory(srv *chattest.Server, roomID string, n int, base time.Time) {
	for i := 0; i < n; i++ {
		srv.AddMessage(chattest.Message{
			RoomID:    roomID,
			SenderID:  2,
			Sender:    "bob",
			Content:   fmt.Sprintf("%s-%02d", roomID[:4], i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func rosterEntry(s *Session, id string) (Room, bool) {
	for _, r := range s.Rooms() {
		if r.ID == ID(id) {
			return r, true
		}
	}
	return Room{}, false
}

// flush waits until the event loop has drained everything posted before it.
func flush(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.call(context.Background(), func() {}))
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSessionStart(t *testing.T) {
	s, srv := newTestSession(t)
	older := srv.AddRoom(chattest.Room{Name: "bob", LastMessageAt: t0})
	newer := srv.AddRoom(chattest.Room{Name: "team", IsGroup: true, LastMessageAt: t0.Add(time.Hour), Unread: 2})

	startSession(t, s)

	assert.Equal(t, ID("1"), s.Me().UserID)
	assert.Equal(t, []ID{ID(newer), ID(older)}, roomIDs(s.Rooms()))
	assert.Equal(t, 1, srv.NotifySockets())
	assert.Empty(t, s.ActiveRoom())
	assert.Equal(t, StateIdle, s.RoomState())
	assert.Equal(t, StateOpen, s.NotifyState())

	assert.ErrorIs(t, s.Start(context.Background()), errAlreadyStarted)
}

func TestSessionStartExpiredToken(t *testing.T) {
	srv := chattest.New(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 1,
		"exp":     time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	s := NewSession(NewClient(srv.URL, token), WithPollInterval(0))
	defer s.Close()
	assert.ErrorIs(t, s.Start(context.Background()), ErrTokenExpired)
	assert.Zero(t, srv.NotifySockets())
}

func TestSessionStartUnauthorized(t *testing.T) {
	srv := chattest.New(t)
	s := NewSession(NewClient(srv.URL, "bad"), WithPollInterval(0))
	defer s.Close()

	var apiErr *APIError
	require.ErrorAs(t, s.Start(context.Background()), &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSessionOperationsBeforeStart(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})

	assert.ErrorIs(t, s.SelectRoom(context.Background(), ID(room)), ErrSessionNotActive)
	_, err := s.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestSessionClose(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	startSession(t, s)
	selectAndWait(t, s, room, 0)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.SelectRoom(context.Background(), ID(room)), ErrSessionClosed)
	_, err := s.Send(context.Background(), "late")
	assert.ErrorIs(t, err, ErrSessionClosed)
	require.Eventually(t, func() bool {
		return srv.RoomSockets(room) == 0 && srv.NotifySockets() == 0
	}, waitFor, tick)
}

// ============================================================================
// Room selection and live messages
// ============================================================================

func TestSessionSelectRoom(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{Name: "bob", Unread: 2, LastMessageAt: t0})
	seedHistory(srv, room, 3, t0.Add(-time.Hour))
	startSession(t, s)

	require.NoError(t, s.SelectRoom(context.Background(), ID(room)))
	entry, _ := rosterEntry(s, room)
	assert.Zero(t, entry.Unread, "local unread zeroed at selection")
	assert.Equal(t, ID(room), s.ActiveRoom())

	require.Eventually(t, func() bool { return len(s.Messages()) == 3 }, waitFor, tick)
	msgs := s.Messages()
	assertOrdered(t, msgs)
	assert.Equal(t, time.UTC, msgs[0].DisplayAt.Location(), "history shown in viewer zone")

	require.Eventually(t, func() bool { return srv.Reads(room) == 1 }, waitFor, tick)
	require.Eventually(t, s.Connected, waitFor, tick)
	assert.Equal(t, 1, srv.RoomSockets(room))

	var labels []string
	for label := range s.Grouped() {
		if label != "" {
			labels = append(labels, label)
		}
	}
	assert.NotEmpty(t, labels)
}

func TestSessionLiveMessageInActiveRoom(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{Name: "bob"})
	startSession(t, s)
	selectAndWait(t, s, room, 0)
	require.Eventually(t, func() bool { return srv.Reads(room) == 1 }, waitFor, tick)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	srv.PushRoom(chattest.Message{RoomID: room, SenderID: 2, Sender: "bob", Content: "hi", CreatedAt: created})
	srv.PushNotify(chattest.Notification{RoomID: room, SenderID: 2, Content: "hi", CreatedAt: created.Format(time.RFC3339)})

	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, waitFor, tick)
	m := s.Messages()[0]
	assert.Equal(t, "hi", m.Body)
	assert.False(t, m.FromSelf)
	assert.Equal(t, created.Add(LiveOffset).Format("15:04"), m.DisplayAt.Format("15:04"), "live timestamps shifted")

	require.Eventually(t, func() bool { return srv.Reads(room) == 2 }, waitFor, tick, "live message marks read")
	require.Eventually(t, func() bool {
		entry, _ := rosterEntry(s, room)
		return entry.Preview == "hi"
	}, waitFor, tick)
	entry, _ := rosterEntry(s, room)
	assert.Zero(t, entry.Unread)
}

func TestSessionDuplicateLiveFrame(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	seedHistory(srv, room, 2, t0)
	startSession(t, s)
	selectAndWait(t, s, room, 2)

	dup := s.Messages()[1]
	gen := s.room.Generation()
	s.roomMessage(gen, RoomFrame{ID: dup.ID, SenderID: dup.SenderID, Content: dup.Body, CreatedAt: ServerTime{dup.CreatedAt}})
	flush(t, s)
	assert.Len(t, s.Messages(), 2)
}

func TestSessionStaleRoomFrameDiscarded(t *testing.T) {
	s, srv := newTestSession(t)
	a := srv.AddRoom(chattest.Room{Name: "a"})
	b := srv.AddRoom(chattest.Room{Name: "b"})
	startSession(t, s)

	selectAndWait(t, s, a, 0)
	staleGen := s.room.Generation()
	selectAndWait(t, s, b, 0)

	s.roomMessage(staleGen, RoomFrame{ID: "900", SenderID: "2", Content: "from a", CreatedAt: ServerTime{time.Now()}})
	flush(t, s)
	assert.Empty(t, s.Messages(), "frame from the superseded socket dropped")

	s.roomMessage(s.room.Generation(), RoomFrame{ID: "901", SenderID: "2", Content: "from b", CreatedAt: ServerTime{time.Now()}})
	flush(t, s)
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, ID(b), s.Messages()[0].RoomID)
}

func TestSessionSwitchDiscardsPendingHistory(t *testing.T) {
	s, srv := newTestSession(t)
	r1 := srv.AddRoom(chattest.Room{Name: "r1"})
	r2 := srv.AddRoom(chattest.Room{Name: "r2"})
	seedHistory(srv, r1, 5, t0)
	seedHistory(srv, r2, 2, t0)
	startSession(t, s)

	release := srv.Hold(r1)
	require.NoError(t, s.SelectRoom(context.Background(), ID(r1)))
	require.Eventually(t, func() bool { return len(srv.HistoryQueries()) == 1 }, waitFor, tick)

	selectAndWait(t, s, r2, 2)
	release()

	assert.Never(t, func() bool {
		for _, m := range s.Messages() {
			if m.RoomID != ID(r2) {
				return true
			}
		}
		return len(s.Messages()) != 2
	}, 300*time.Millisecond, tick)
	assert.Equal(t, ID(r2), s.ActiveRoom())
}

func TestSessionHistoryFailureReported(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	startSession(t, s)

	errs := make(chan error, 4)
	s.OnError(func(err error) { errs <- err })
	srv.Fail(http.MethodGet, "/messages/:room_id", http.StatusInternalServerError)

	require.NoError(t, s.SelectRoom(context.Background(), ID(room)))
	select {
	case err := <-errs:
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	case <-time.After(waitFor):
		t.Fatal("history failure not reported")
	}
	assert.Empty(t, s.Messages())
}

// ============================================================================
// Notifications and roster
// ============================================================================

func TestSessionNotificationForOtherRoom(t *testing.T) {
	s, srv := newTestSession(t)
	t1 := t0
	a := srv.AddRoom(chattest.Room{Name: "A", Unread: 3, LastMessageAt: t1})
	b := srv.AddRoom(chattest.Room{Name: "B", LastMessageAt: t1.Add(-time.Hour)})
	startSession(t, s)
	require.Equal(t, []ID{ID(a), ID(b)}, roomIDs(s.Rooms()))

	changes := make(chan []Room, 8)
	s.OnRosterChange(func(rooms []Room) { changes <- rooms })

	t2 := t1.Add(time.Minute)
	srv.PushNotify(chattest.Notification{RoomID: b, SenderID: 2, Content: "ping", CreatedAt: t2.Format(time.RFC3339)})

	select {
	case rooms := <-changes:
		assert.Equal(t, []ID{ID(b), ID(a)}, roomIDs(rooms))
		assert.Equal(t, 1, rooms[0].Unread)
		assert.Equal(t, "ping", rooms[0].Preview)
		assert.Equal(t, 3, rooms[1].Unread)
	case <-time.After(waitFor):
		t.Fatal("roster did not change")
	}

	srv.PushNotify(chattest.Notification{RoomID: a, SenderID: 1, Content: "mine", CreatedAt: t2.Add(time.Minute).Format(time.RFC3339), FromSelf: true})
	<-changes
	entry, _ := rosterEntry(s, a)
	assert.Equal(t, 3, entry.Unread, "self-origin events leave unread")
	assert.Equal(t, ID(a), s.Rooms()[0].ID)

	srv.PushNotify(chattest.Notification{RoomID: "unknown", SenderID: 2, Content: "x", CreatedAt: t2.Format(time.RFC3339)})
	flush(t, s)
	assert.Len(t, s.Rooms(), 2)
}

func TestSessionNotificationForActiveRoom(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{Name: "bob", LastMessageAt: t0})
	other := srv.AddRoom(chattest.Room{Name: "carol", LastMessageAt: t0.Add(time.Hour)})
	startSession(t, s)
	selectAndWait(t, s, room, 0)

	srv.PushNotify(chattest.Notification{RoomID: room, SenderID: 2, Content: "hey", CreatedAt: t0.Add(2 * time.Hour).Format(time.RFC3339)})
	require.Eventually(t, func() bool { return s.Rooms()[0].ID == ID(room) }, waitFor, tick)
	entry, _ := rosterEntry(s, room)
	assert.Zero(t, entry.Unread)
	entry, _ = rosterEntry(s, other)
	assert.Zero(t, entry.Unread)
}

func TestSessionRefreshKeepsLocalUnread(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{Name: "bob", LastMessageAt: t0})
	startSession(t, s)

	srv.PushNotify(chattest.Notification{RoomID: room, SenderID: 2, Content: "hi", CreatedAt: t0.Add(time.Minute).Format(time.RFC3339)})
	require.Eventually(t, func() bool {
		entry, _ := rosterEntry(s, room)
		return entry.Unread == 1
	}, waitFor, tick)

	added := srv.AddRoom(chattest.Room{Name: "new", LastMessageAt: t0.Add(time.Hour), Unread: 5})
	require.NoError(t, s.Refresh(context.Background()))

	entry, _ := rosterEntry(s, room)
	assert.Equal(t, 1, entry.Unread, "stale server unread does not erase local count")
	entry, ok := rosterEntry(s, added)
	require.True(t, ok)
	assert.Equal(t, 5, entry.Unread)
}

func TestSessionPollMerges(t *testing.T) {
	s, srv := newTestSession(t, WithPollInterval(20*time.Millisecond))
	srv.AddRoom(chattest.Room{Name: "bob"})
	startSession(t, s)

	added := srv.AddRoom(chattest.Room{Name: "later"})
	require.Eventually(t, func() bool {
		_, ok := rosterEntry(s, added)
		return ok
	}, waitFor, tick)
}

// ============================================================================
// Sending
// ============================================================================

func TestSessionSend(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{Name: "bob", LastMessageAt: t0})
	other := srv.AddRoom(chattest.Room{Name: "carol", LastMessageAt: t0.Add(time.Hour)})
	startSession(t, s)
	selectAndWait(t, s, room, 0)

	echo, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, echo.FromSelf)
	assert.True(t, echo.Pending)
	assert.True(t, strings.HasPrefix(string(echo.ID), "local-"))
	assert.Equal(t, echo.CreatedAt, echo.DisplayAt, "self-origin passes through")

	msgs := s.Messages()
	require.Len(t, msgs, 1, "local copy shown immediately")
	rooms := s.Rooms()
	assert.Equal(t, []ID{ID(room), ID(other)}, roomIDs(rooms), "optimistic roster update")
	assert.Equal(t, "hello", rooms[0].Preview)
	assert.Zero(t, rooms[0].Unread)

	require.Eventually(t, func() bool {
		got := srv.Received()
		return len(got) == 1 && got[0].Content == "hello"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		ann := srv.Announces()
		return len(ann) == 1 && ann[0].RoomID == room && ann[0].FromSelf
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && !msgs[0].Pending
	}, waitFor, tick, "server copy reconciles the local one")
	final := s.Messages()[0]
	assert.Equal(t, ID(fmt.Sprint(srv.Received()[0].ID)), final.ID)
	assert.Equal(t, echo.DisplayAt, final.DisplayAt)
}

func TestSessionSendValidation(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	startSession(t, s)

	_, err := s.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoActiveRoom)

	selectAndWait(t, s, room, 0)
	_, err = s.Send(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = s.Send(context.Background(), strings.Repeat("x", MaxMessageLength+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)

	assert.Empty(t, s.Messages())
	assert.Never(t, func() bool { return len(srv.Received()) > 0 }, 100*time.Millisecond, tick)
}

func TestSessionSendWhileDisconnected(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	startSession(t, s)
	selectAndWait(t, s, room, 0)

	conn := make(chan bool, 8)
	s.OnConnectivityChange(func(ok bool) { conn <- ok })

	srv.DropRoomSockets(room)
	select {
	case ok := <-conn:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("connectivity indicator not lowered")
	}
	assert.Equal(t, StateClosed, s.RoomState())

	_, err := s.Send(context.Background(), "lost")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, s.Messages())

	require.NoError(t, s.Reconnect(context.Background()))
	select {
	case ok := <-conn:
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("reconnect did not restore connectivity")
	}
	_, err = s.Send(context.Background(), "back")
	assert.NoError(t, err)
}

func TestSessionReconnectFoldsEchoIntoHistory(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	startSession(t, s)
	selectAndWait(t, s, room, 0)

	srv.Mute(room)
	echo, err := s.Send(context.Background(), "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Received()) == 1 }, waitFor, tick)

	srv.DropRoomSockets(room)
	require.Eventually(t, func() bool { return s.RoomState() == StateClosed }, waitFor, tick)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending, "broadcast was lost")

	require.NoError(t, s.Reconnect(context.Background()))
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && !msgs[0].Pending
	}, waitFor, tick, "history copy replaces the local one")
	assert.Never(t, func() bool { return len(s.Messages()) != 1 }, 100*time.Millisecond, tick)

	final := s.Messages()[0]
	assert.Equal(t, ID(fmt.Sprint(srv.Received()[0].ID)), final.ID)
	assert.Equal(t, echo.DisplayAt, final.DisplayAt)
}

// ============================================================================
// Pagination
// ============================================================================

func TestSessionPagination(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	seedHistory(srv, room, 45, t0)

	vp := &fakeViewport{rowSize: 20}
	s.OnMessagesChange(func(_ ID, msgs []Message) { vp.render(len(msgs)) })
	s.SetViewport(vp)
	startSession(t, s)
	selectAndWait(t, s, room, DefaultPageSize)

	s.HandleScroll(DefaultScrollThreshold + 100)
	flush(t, s)
	assert.Len(t, srv.HistoryQueries(), 1, "far from the top")

	s.HandleScroll(0)
	require.Eventually(t, func() bool { return len(s.Messages()) == 45 && !s.LoadingOlder() }, waitFor, tick)
	assertOrdered(t, s.Messages())
	got, ok := vp.lastScroll()
	require.True(t, ok)
	assert.Equal(t, float64(15*20), got, "viewed content stays put")
	assert.False(t, s.HistoryExhausted())

	s.HandleScroll(0)
	require.Eventually(t, s.HistoryExhausted, waitFor, tick)
	got, _ = vp.lastScroll()
	assert.Zero(t, got)
	assert.Len(t, s.Messages(), 45)

	queries := len(srv.HistoryQueries())
	assert.Equal(t, 3, queries)
	for i := 0; i < 3; i++ {
		s.HandleScroll(0)
	}
	started, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
	assert.Len(t, srv.HistoryQueries(), queries, "no fetch after exhaustion")
}

func TestSessionLoadOlderSingleFlight(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	seedHistory(srv, room, 40, t0)
	startSession(t, s)
	selectAndWait(t, s, room, DefaultPageSize)

	release := srv.Hold(room)
	started, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, s.LoadingOlder())

	started, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, started, "one fetch in flight per room")

	release()
	require.Eventually(t, func() bool { return len(s.Messages()) == 40 && !s.LoadingOlder() }, waitFor, tick)
	assert.Len(t, srv.HistoryQueries(), 2)
}

func TestSessionSwitchDropsPendingPage(t *testing.T) {
	s, srv := newTestSession(t)
	r1 := srv.AddRoom(chattest.Room{})
	r2 := srv.AddRoom(chattest.Room{})
	seedHistory(srv, r1, 40, t0)
	startSession(t, s)
	selectAndWait(t, s, r1, DefaultPageSize)

	release := srv.Hold(r1)
	started, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	require.True(t, started)

	selectAndWait(t, s, r2, 0)
	assert.False(t, s.LoadingOlder(), "new room starts with a fresh paginator")
	release()

	assert.Never(t, func() bool { return len(s.Messages()) > 0 }, 300*time.Millisecond, tick)
}

// ============================================================================
// Room management
// ============================================================================

func TestSessionRenameRoom(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{Name: "old", IsGroup: true})
	startSession(t, s)
	ctx := context.Background()

	require.NoError(t, s.RenameRoom(ctx, ID(room), "new"))
	entry, _ := rosterEntry(s, room)
	assert.Equal(t, "new", entry.Name)

	assert.ErrorIs(t, s.RenameRoom(ctx, ID(room), ""), ErrEmptyRoomName)

	srv.Fail(http.MethodPut, "/rooms/:room_id/name", http.StatusForbidden)
	var apiErr *APIError
	require.ErrorAs(t, s.RenameRoom(ctx, ID(room), "newer"), &apiErr)
	entry, _ = rosterEntry(s, room)
	assert.Equal(t, "new", entry.Name, "failed rename leaves local state")
}

func TestSessionCreateRoom(t *testing.T) {
	s, _ := newTestSession(t)
	startSession(t, s)

	created, err := s.CreateRoom(context.Background(), []ID{"2", "3"}, "team")
	require.NoError(t, err)
	entry, ok := rosterEntry(s, string(created.RoomID))
	require.True(t, ok)
	assert.Equal(t, GroupRoom, entry.Kind)
	assert.Equal(t, "team", entry.Name)
}

func TestSessionLeaveActiveRoom(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{Members: []uint{1, 2}})
	keep := srv.AddRoom(chattest.Room{})
	seedHistory(srv, room, 2, t0)
	startSession(t, s)
	selectAndWait(t, s, room, 2)

	require.NoError(t, s.LeaveRoom(context.Background(), ID(room)))
	assert.Equal(t, []ID{ID(keep)}, roomIDs(s.Rooms()))
	assert.Empty(t, s.ActiveRoom())
	assert.Empty(t, s.Messages())
	require.Eventually(t, func() bool { return srv.RoomSockets(room) == 0 }, waitFor, tick)
	assert.True(t, s.Connected(), "notification stream unaffected")
}

func TestSessionDeleteRoom(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	startSession(t, s)

	srv.Fail(http.MethodDelete, "/rooms/:room_id", http.StatusForbidden)
	assert.Error(t, s.DeleteRoom(context.Background(), ID(room)))
	_, ok := rosterEntry(s, room)
	assert.True(t, ok, "failed delete leaves local state")

	srv.Recover(http.MethodDelete, "/rooms/:room_id")
	require.NoError(t, s.DeleteRoom(context.Background(), ID(room)))
	assert.Empty(t, s.Rooms())
}

func TestSessionReauthenticate(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	startSession(t, s)
	selectAndWait(t, s, room, 0)

	notifyGen, roomGen := s.notify.Generation(), s.room.Generation()
	srv.SetToken("rotated")
	require.NoError(t, s.Reauthenticate(context.Background(), "rotated"))

	assert.Greater(t, s.notify.Generation(), notifyGen)
	assert.Greater(t, s.room.Generation(), roomGen)
	require.Eventually(t, func() bool {
		return s.Connected() && srv.NotifySockets() == 1 && srv.RoomSockets(room) == 1
	}, waitFor, tick)
}

func TestSessionSelectDoesNotTouchNotifyStream(t *testing.T) {
	s, srv := newTestSession(t)
	a := srv.AddRoom(chattest.Room{})
	b := srv.AddRoom(chattest.Room{})
	startSession(t, s)

	gen := s.notify.Generation()
	selectAndWait(t, s, a, 0)
	selectAndWait(t, s, b, 0)
	require.NoError(t, s.SelectRoom(context.Background(), ""))

	assert.Equal(t, gen, s.notify.Generation())
	assert.Equal(t, 1, srv.NotifySockets())
}

func TestSessionObserversMayReadState(t *testing.T) {
	s, srv := newTestSession(t)
	room := srv.AddRoom(chattest.Room{})
	seedHistory(srv, room, 3, t0)

	var mu sync.Mutex
	var seen []int
	s.OnMessagesChange(func(_ ID, msgs []Message) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, len(s.Messages()))
	})
	startSession(t, s)
	selectAndWait(t, s, room, 3)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 3
	}, waitFor, tick, "snapshot is current while handlers run")
}
