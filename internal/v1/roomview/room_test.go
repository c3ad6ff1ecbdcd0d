package roomview

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	testingclock "k8s.io/utils/clock/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []types.Event
	err    error
}

func (e *recordingEmitter) Emit(event types.Event, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) names() []types.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Event(nil), e.events...)
}

var epoch = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestRoom(t *testing.T) (*Room, *testingclock.FakeClock, *recordingEmitter) {
	t.Helper()
	clk := testingclock.NewFakeClock(epoch)
	em := &recordingEmitter{}
	r := New(Config{Self: "alice", Emitter: em, Clock: clk})
	t.Cleanup(r.Close)
	return r, clk, em
}

func online(id, name string) types.Participant {
	return types.Participant{ID: types.ClientIDType(id), Username: types.DisplayNameType(name), IsOnline: true}
}

func bodies(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestApplySnapshot_First(t *testing.T) {
	r, _, _ := newTestRoom(t)
	var seen []types.Message
	r.OnMessage(func(m types.Message) { seen = append(seen, m) })

	r.ApplySnapshot(types.RoomJoinedPayload{
		UserID:      "a1",
		Users:       []types.Participant{online("a1", "alice"), online("b1", "bob")},
		Messages:    []types.Message{{ID: 1, Body: "hello"}, {ID: 2, Body: "world"}},
		CallHistory: []types.CallRecord{{ID: "c1", CallType: types.CallKindVideo, InitiatorName: "bob"}},
	})

	st := r.State()
	assert.True(t, st.Joined)
	assert.True(t, st.Connected)
	assert.Equal(t, types.ClientIDType("a1"), st.SelfID)
	assert.Len(t, st.Users, 2)
	assert.Equal(t, []string{"hello", "world"}, bodies(st.Messages))
	assert.Len(t, st.CallHistory, 1)
	assert.Len(t, seen, 2)
	assert.Equal(t, types.DisplayNameType("bob"), r.PeerName("b1"))
	assert.Equal(t, types.DisplayNameType(""), r.PeerName("nobody"))
}

func TestApplySnapshot_ResyncMerges(t *testing.T) {
	r, _, _ := newTestRoom(t)
	r.ApplySnapshot(types.RoomJoinedPayload{
		Users:    []types.Participant{online("a1", "alice"), online("b1", "bob")},
		Messages: []types.Message{{ID: 1, Body: "hello"}},
	})
	r.AddSystemMessage("Call ended")

	r.ApplySnapshot(types.RoomJoinedPayload{
		Users:       []types.Participant{online("a1", "alice"), online("c1", "carol")},
		Messages:    []types.Message{{ID: 1, Body: "hello"}, {ID: 3, Body: "while you were away"}},
		CallHistory: []types.CallRecord{{ID: "c9"}},
	})

	st := r.State()
	assert.Equal(t, []string{"hello", "Call ended", "while you were away"}, bodies(st.Messages),
		"local messages survive and server messages are not duplicated")
	assert.Len(t, st.Users, 3, "bob is kept even though the resync omitted him")
	assert.Equal(t, []types.CallRecord{{ID: "c9"}}, st.CallHistory)
}

func TestApplySnapshot_FirstKeepsEarlierSystemMessages(t *testing.T) {
	r, _, _ := newTestRoom(t)
	var changes, messages int
	r.OnChange(func(State) { changes++ })
	r.OnMessage(func(types.Message) { messages++ })

	r.AddSystemMessage("Started audio call")
	r.ApplySnapshot(types.RoomJoinedPayload{
		Users:    []types.Participant{online("a1", "alice")},
		Messages: []types.Message{{ID: 1, Body: "hello"}},
	})

	st := r.State()
	assert.Equal(t, []string{"Started audio call", "hello"}, bodies(st.Messages))
	assert.True(t, st.Messages[0].IsSystem())
	assert.Equal(t, 2, changes)
	assert.Equal(t, 2, messages)
}

func TestUserJoinedAndLeft_NeverRemoves(t *testing.T) {
	r, clk, _ := newTestRoom(t)
	r.ApplySnapshot(types.RoomJoinedPayload{Users: []types.Participant{online("a1", "alice")}})

	joined := types.UserJoinedPayload{Username: "bob", Users: []types.Participant{online("a1", "alice"), online("b1", "bob")}}
	r.HandleUserJoined(joined)
	r.HandleUserJoined(joined)

	clk.Step(90 * time.Second)
	left := types.UserLeftPayload{UserID: "b1", Username: "bob"}
	r.HandleUserLeft(left)
	r.HandleUserLeft(left)

	st := r.State()
	require.Len(t, st.Users, 2)
	bob := st.Users[1]
	assert.Equal(t, types.ClientIDType("b1"), bob.ID)
	assert.False(t, bob.IsOnline)
	assert.Equal(t, epoch.Add(90*time.Second).Format(time.RFC3339), bob.LastSeen)
	assert.Len(t, st.Online(), 1)

	assert.Equal(t, []string{"bob joined the room", "bob left the room"}, bodies(st.Messages),
		"repeated identical events are idempotent")

	r.HandleUserJoined(joined)
	st = r.State()
	assert.True(t, st.Users[1].IsOnline)
	assert.Empty(t, st.Users[1].LastSeen)
	assert.Equal(t, "bob joined the room", st.Messages[len(st.Messages)-1].Body)
}

func TestUserLeft_UnknownParticipantRecorded(t *testing.T) {
	r, _, _ := newTestRoom(t)
	r.HandleUserLeft(types.UserLeftPayload{UserID: "z9", Username: "zed"})

	st := r.State()
	require.Len(t, st.Users, 1)
	assert.False(t, st.Users[0].IsOnline)
	assert.Equal(t, "zed left the room", st.Messages[0].Body)
}

func TestUserJoined_WithoutList(t *testing.T) {
	r, _, _ := newTestRoom(t)
	r.HandleUserJoined(types.UserJoinedPayload{Username: "bob"})
	assert.Equal(t, []string{"bob joined the room"}, bodies(r.State().Messages))
}

func TestNewMessage_DeduplicatedByID(t *testing.T) {
	r, _, _ := newTestRoom(t)
	m := types.Message{ID: 42, UserID: "b1", Username: "bob", Body: "hi", MessageType: types.MessageKindText}
	r.HandleNewMessage(m)
	r.HandleNewMessage(m)

	st := r.State()
	require.Len(t, st.Messages, 1)
	assert.False(t, st.Messages[0].IsSystem())
}

func TestSystemMessages_StrictlyIncreasingIDs(t *testing.T) {
	r, clk, _ := newTestRoom(t)
	r.AddSystemMessage("one")
	r.AddSystemMessage("two")
	clk.Step(5 * time.Millisecond)
	r.AddSystemMessage("three")

	msgs := r.State().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, epoch.UnixMilli(), msgs[0].ID)
	assert.Equal(t, epoch.UnixMilli()+1, msgs[1].ID, "same millisecond bumps the id")
	assert.Equal(t, epoch.UnixMilli()+5, msgs[2].ID)

	for _, m := range msgs {
		assert.True(t, m.IsSystem())
		assert.Equal(t, types.SystemSenderID, m.UserID)
		assert.Equal(t, types.SystemSenderName, m.Username)
		assert.Equal(t, types.MessageKindSystem, m.MessageType)
	}
}

func TestTyping_ExpiresAfterQuietPeriod(t *testing.T) {
	r, clk, _ := newTestRoom(t)
	r.HandleTypingStart(types.TypingStartPayload{UserID: "b1", Username: "bob"})
	assert.Equal(t, []TypingUser{{UserID: "b1", Username: "bob"}}, r.State().Typing)

	clk.Step(2 * time.Second)
	r.HandleTypingStart(types.TypingStartPayload{UserID: "b1", Username: "bob"})
	clk.Step(2 * time.Second)
	assert.Len(t, r.State().Typing, 1, "a new typing-start restarts the timer")

	clk.Step(1500 * time.Millisecond)
	assert.Eventually(t, func() bool { return len(r.State().Typing) == 0 }, time.Second, 5*time.Millisecond)
}

func TestTyping_ExplicitStopAndDuplicates(t *testing.T) {
	r, clk, _ := newTestRoom(t)
	changes := 0
	r.OnChange(func(State) { changes++ })

	r.HandleTypingStart(types.TypingStartPayload{UserID: "b1", Username: "bob"})
	r.HandleTypingStart(types.TypingStartPayload{UserID: "b1", Username: "bob"})
	r.HandleTypingStart(types.TypingStartPayload{UserID: "c1", Username: "carol"})
	assert.Len(t, r.State().Typing, 2, "duplicates are collapsed")

	r.HandleTypingStop(types.TypingStopPayload{UserID: "b1"})
	r.HandleTypingStop(types.TypingStopPayload{UserID: "b1"})
	assert.Equal(t, []TypingUser{{UserID: "c1", Username: "carol"}}, r.State().Typing)
	assert.Equal(t, 3, changes, "only real changes are published")

	// bob's canceled timer must not remove anyone when it would have fired.
	clk.Step(time.Second)
	r.HandleTypingStart(types.TypingStartPayload{UserID: "b1", Username: "bob"})
	clk.Step(2500 * time.Millisecond)
	typing := r.State().Typing
	require.Len(t, typing, 1)
	assert.Equal(t, types.ClientIDType("b1"), typing[0].UserID)
}

func TestTyping_ClearedByMessageAndDeparture(t *testing.T) {
	r, _, _ := newTestRoom(t)
	r.HandleTypingStart(types.TypingStartPayload{UserID: "b1", Username: "bob"})
	r.HandleTypingStart(types.TypingStartPayload{UserID: "c1", Username: "carol"})

	r.HandleNewMessage(types.Message{ID: 1, UserID: "b1", Username: "bob", Body: "done"})
	r.HandleUserLeft(types.UserLeftPayload{UserID: "c1", Username: "carol"})

	assert.Empty(t, r.State().Typing)
}

func TestOutboundTyping_OncePerBurst(t *testing.T) {
	r, clk, em := newTestRoom(t)

	require.NoError(t, r.Keystroke())
	clk.Step(time.Second)
	require.NoError(t, r.Keystroke())
	clk.Step(time.Second)
	require.NoError(t, r.Keystroke())
	assert.Equal(t, []types.Event{types.EventTypingStart}, em.names())

	clk.Step(3 * time.Second)
	assert.Eventually(t, func() bool { return len(em.names()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.Event{types.EventTypingStart, types.EventTypingStop}, em.names())

	require.NoError(t, r.StopTyping())
	assert.Len(t, em.names(), 2, "no second typing-stop")
}

func TestSendMessage(t *testing.T) {
	r, clk, em := newTestRoom(t)

	assert.ErrorIs(t, r.SendMessage("   "), types.ErrEmptyMessage)
	assert.ErrorIs(t, r.SendMessage(strings.Repeat("x", types.MaxMessageLength+1)), types.ErrMessageTooLong)
	assert.Empty(t, em.names())

	require.NoError(t, r.Keystroke())
	require.NoError(t, r.SendMessage("  hi there  "))
	assert.Equal(t, []types.Event{types.EventTypingStart, types.EventSendMessage, types.EventTypingStop}, em.names())
	assert.Empty(t, r.State().Messages, "the log waits for the server echo")

	clk.Step(5 * time.Second)
	assert.Len(t, em.names(), 3, "the quiet timer was canceled by the send")
}

func TestSendMessage_EmitFailure(t *testing.T) {
	r, _, em := newTestRoom(t)
	em.err = errors.New("send buffer full")
	assert.Error(t, r.SendMessage("hi"))
}

func TestConnectivity(t *testing.T) {
	r, _, _ := newTestRoom(t)
	var notices []string
	r.OnNotice(func(n string) { notices = append(notices, n) })

	r.HandleConnectError(types.ErrorPayload{Message: "dial tcp: refused"})
	assert.False(t, r.State().Connected)

	r.ApplySnapshot(types.RoomJoinedPayload{Users: []types.Participant{online("a1", "alice")}})
	r.AddSystemMessage("Started audio call")
	r.HandleConnectError(types.ErrorPayload{})
	r.SetConnected(false)

	st := r.State()
	assert.False(t, st.Connected)
	assert.Len(t, st.Users, 1, "membership kept while disconnected")
	assert.Len(t, st.Messages, 1, "history kept while disconnected")
	assert.Equal(t, []string{"Could not connect to the signaling server", "Connection lost, reconnecting"}, notices)

	r.SetConnected(true)
	assert.True(t, r.State().Connected)
}

func TestServerError_Notice(t *testing.T) {
	r, _, _ := newTestRoom(t)
	r.HandleServerError(types.ErrorPayload{Message: "Room is full"})
	r.HandleServerError(types.ErrorPayload{})
	assert.Equal(t, []string{"Room is full", "Unknown server error"}, r.State().Notices)
}

func TestClose_StopsTimers(t *testing.T) {
	r, clk, em := newTestRoom(t)
	r.HandleTypingStart(types.TypingStartPayload{UserID: "b1"})
	require.NoError(t, r.Keystroke())

	r.Close()
	r.Close()
	assert.False(t, clk.HasWaiters(), "every timer stopped")
	assert.ErrorIs(t, r.Keystroke(), ErrClosed)
	assert.ErrorIs(t, r.SendMessage("hi"), ErrClosed)
	assert.Equal(t, []types.Event{types.EventTypingStart}, em.names())
}
