// Package roomview mirrors a chat room on the client: participants, the
// message log, call history and the typing indicator, kept current from
// signaling events.
package roomview

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"k8s.io/utils/set"
)

const (
	DefaultTypingTimeout = 3 * time.Second
	maxNotices           = 20
)

// Config wires a Room to its collaborators.
type Config struct {
	Self          types.DisplayNameType
	Emitter       types.Emitter
	Clock         clock.WithDelayedExecution
	TypingTimeout time.Duration
}

// TypingUser is one entry of the typing indicator.
type TypingUser struct {
	UserID   types.ClientIDType
	Username types.DisplayNameType
}

// State is a snapshot of the room for presentation.
type State struct {
	SelfID      types.ClientIDType
	Joined      bool
	Connected   bool
	Users       []types.Participant
	Messages    []types.Message
	CallHistory []types.CallRecord
	Typing      []TypingUser
	Notices     []string
}

// Online returns the participants currently online.
func (s State) Online() []types.Participant {
	var out []types.Participant
	for _, p := range s.Users {
		if p.IsOnline {
			out = append(out, p)
		}
	}
	return out
}

// Room is the client-side mirror of one room.
type Room struct {
	cfg   Config
	clock clock.WithDelayedExecution
	ctx   context.Context

	mu        sync.Mutex
	selfID    types.ClientIDType
	joined    bool
	connected bool
	users     map[types.ClientIDType]*types.Participant
	order     []types.ClientIDType
	messages  []types.Message
	seen      set.Set[int64]
	history   []types.CallRecord
	notices   []string
	lastLocal int64

	typing       set.Set[types.ClientIDType]
	typingNames  map[types.ClientIDType]types.DisplayNameType
	typingTimers map[types.ClientIDType]typingEntry
	typingGen    uint64

	localTyping bool
	localTimer  clock.Timer
	localGen    uint64

	closed    bool
	onChange  []func(State)
	onMessage []func(types.Message)
	onNotice  []func(string)
}

// New returns an empty room mirror.
func New(cfg Config) *Room {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	return &Room{
		cfg:          cfg,
		clock:        cfg.Clock,
		ctx:          context.Background(),
		users:        make(map[types.ClientIDType]*types.Participant),
		seen:         set.New[int64](),
		typing:       set.New[types.ClientIDType](),
		typingNames:  make(map[types.ClientIDType]types.DisplayNameType),
		typingTimers: make(map[types.ClientIDType]typingEntry),
	}
}

// WithLogContext tags the room's log entries with the fields carried by ctx.
func (r *Room) WithLogContext(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
}

// OnChange registers fn to be called, outside any lock, after every change.
func (r *Room) OnChange(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// OnMessage registers fn to be called for every message appended to the log.
func (r *Room) OnMessage(fn func(types.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = append(r.onMessage, fn)
}

// OnNotice registers fn to be called for every server or connection notice.
func (r *Room) OnNotice(fn func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNotice = append(r.onNotice, fn)
}

// State returns a snapshot of the room.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() State {
	st := State{
		SelfID:      r.selfID,
		Joined:      r.joined,
		Connected:   r.connected,
		Users:       make([]types.Participant, 0, len(r.order)),
		Messages:    append([]types.Message(nil), r.messages...),
		CallHistory: append([]types.CallRecord(nil), r.history...),
		Notices:     append([]string(nil), r.notices...),
	}
	for _, id := range r.order {
		st.Users = append(st.Users, *r.users[id])
	}
	for _, id := range r.typing.SortedList() {
		st.Typing = append(st.Typing, TypingUser{UserID: id, Username: r.typingNames[id]})
	}
	return st
}

// PeerName resolves a participant's display name, or "" when unknown.
func (r *Room) PeerName(id types.ClientIDType) types.DisplayNameType {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.users[id]; ok {
		return p.Username
	}
	return ""
}

// pending collects the callbacks owed for one mutation so they can run
// after the lock is released.
type pending struct {
	messages []types.Message
	notices  []string
	changed  bool
}

func (r *Room) flush(p pending) {
	if !p.changed && len(p.messages) == 0 && len(p.notices) == 0 {
		return
	}
	r.mu.Lock()
	st := r.snapshotLocked()
	onChange := slices.Clone(r.onChange)
	onMessage := slices.Clone(r.onMessage)
	onNotice := slices.Clone(r.onNotice)
	r.mu.Unlock()

	for _, m := range p.messages {
		for _, fn := range onMessage {
			fn(m)
		}
	}
	for _, n := range p.notices {
		for _, fn := range onNotice {
			fn(n)
		}
	}
	for _, fn := range onChange {
		fn(st)
	}
}

// ApplySnapshot applies room-joined. The first snapshot replaces the member
// list; later ones, received after a reconnection, merge into it. Messages
// are always merged by id, so nothing already logged is dropped or reordered,
// including system messages written before the first snapshot.
func (r *Room) ApplySnapshot(p types.RoomJoinedPayload) {
	var out pending
	r.mu.Lock()
	if p.UserID != "" {
		r.selfID = p.UserID
	}
	first := !r.joined
	r.joined = true
	r.connected = true

	if first {
		r.users = make(map[types.ClientIDType]*types.Participant)
		r.order = nil
	}
	r.mergeUsersLocked(p.Users)
	for _, m := range p.Messages {
		if r.seen.Has(m.ID) {
			continue
		}
		r.seen.Insert(m.ID)
		r.messages = append(r.messages, m)
		out.messages = append(out.messages, m)
	}
	r.history = append([]types.CallRecord(nil), p.CallHistory...)
	ctx := r.ctx
	r.mu.Unlock()

	logging.Info(ctx, "Room snapshot applied",
		zap.Bool("resync", !first),
		zap.Int("users", len(p.Users)),
		zap.Int("new_messages", len(out.messages)),
	)
	out.changed = true
	r.flush(out)
}

// HandleUserJoined merges the server's user list and logs a join message
// when the named participant came online.
func (r *Room) HandleUserJoined(p types.UserJoinedPayload) {
	var out pending
	r.mu.Lock()
	became := r.mergeUsersLocked(p.Users)
	if p.UserID != "" {
		if u, ok := r.users[p.UserID]; !ok || !u.IsOnline {
			r.upsertLocked(types.Participant{ID: p.UserID, Username: p.Username, IsOnline: true})
			became.Insert(p.UserID)
		}
	}
	// Without a list or an id there is nothing to deduplicate against.
	announce := became.Len() > 0 || (p.UserID == "" && len(p.Users) == 0)
	if announce {
		out.messages = append(out.messages, r.addSystemLocked(fmt.Sprintf("%s joined the room", p.Username)))
	}
	r.mu.Unlock()

	out.changed = true
	r.flush(out)
}

// HandleUserLeft marks the participant offline. The record is kept.
func (r *Room) HandleUserLeft(p types.UserLeftPayload) {
	var out pending
	r.mu.Lock()
	u, known := r.users[p.UserID]
	if known && !u.IsOnline {
		r.mu.Unlock()
		return
	}
	name := p.Username
	if known && name == "" {
		name = u.Username
	}
	r.upsertLocked(types.Participant{
		ID:       p.UserID,
		Username: name,
		IsOnline: false,
		LastSeen: r.clock.Now().UTC().Format(time.RFC3339),
	})
	r.clearTypingLocked(p.UserID)
	out.messages = append(out.messages, r.addSystemLocked(fmt.Sprintf("%s left the room", name)))
	r.mu.Unlock()

	out.changed = true
	r.flush(out)
}

// HandleNewMessage appends a server message. Duplicates by id are ignored.
func (r *Room) HandleNewMessage(m types.Message) {
	var out pending
	r.mu.Lock()
	if r.seen.Has(m.ID) {
		r.mu.Unlock()
		return
	}
	r.seen.Insert(m.ID)
	r.messages = append(r.messages, m)
	r.clearTypingLocked(m.UserID)
	out.messages = append(out.messages, m)
	r.mu.Unlock()

	out.changed = true
	r.flush(out)
}

// AddSystemMessage appends a locally synthesized message to the log.
func (r *Room) AddSystemMessage(text string) {
	r.mu.Lock()
	m := r.addSystemLocked(text)
	r.mu.Unlock()
	r.flush(pending{messages: []types.Message{m}, changed: true})
}

// addSystemLocked builds a system message whose id is the millisecond clock,
// bumped so that ids stay strictly increasing.
func (r *Room) addSystemLocked(text string) types.Message {
	now := r.clock.Now()
	id := now.UnixMilli()
	if id <= r.lastLocal {
		id = r.lastLocal + 1
	}
	r.lastLocal = id

	m := types.Message{
		ID:          id,
		UserID:      types.SystemSenderID,
		Username:    types.SystemSenderName,
		Body:        text,
		MessageType: types.MessageKindSystem,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}
	r.messages = append(r.messages, m)
	metrics.RoomSystemMessages.Inc()
	return m
}

// HandleServerError surfaces a server error as a notice.
func (r *Room) HandleServerError(p types.ErrorPayload) {
	msg := p.Message
	if msg == "" {
		msg = "Unknown server error"
	}
	logging.Warn(r.logCtx(), "Server reported an error", zap.String("message", msg))
	r.AddNotice(msg)
}

// HandleConnectError marks the room disconnected and surfaces a notice.
// Membership, messages and call history are left as they were.
func (r *Room) HandleConnectError(p types.ErrorPayload) {
	r.mu.Lock()
	wasConnected := r.connected
	r.connected = false
	r.mu.Unlock()

	logging.Debug(r.logCtx(), "Connect error", zap.String("message", p.Message))
	if wasConnected {
		r.AddNotice("Connection lost, reconnecting")
		return
	}
	r.AddNotice("Could not connect to the signaling server")
}

// SetConnected records the signaling connectivity.
func (r *Room) SetConnected(up bool) {
	r.mu.Lock()
	if r.connected == up {
		r.mu.Unlock()
		return
	}
	r.connected = up
	r.mu.Unlock()
	r.flush(pending{changed: true})
}

// AddNotice surfaces a transient notice without touching the message log.
func (r *Room) AddNotice(msg string) {
	r.mu.Lock()
	r.notices = append(r.notices, msg)
	if len(r.notices) > maxNotices {
		r.notices = r.notices[len(r.notices)-maxNotices:]
	}
	r.mu.Unlock()
	r.flush(pending{notices: []string{msg}, changed: true})
}

func (r *Room) logCtx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

// mergeUsersLocked upserts every listed participant and returns the ids that
// went from absent or offline to online. Unlisted participants are kept.
func (r *Room) mergeUsersLocked(list []types.Participant) set.Set[types.ClientIDType] {
	became := set.New[types.ClientIDType]()
	for _, p := range list {
		prev, ok := r.users[p.ID]
		if p.IsOnline && (!ok || !prev.IsOnline) {
			became.Insert(p.ID)
		}
		r.upsertLocked(p)
	}
	return became
}

func (r *Room) upsertLocked(p types.Participant) {
	if p.IsOnline {
		p.LastSeen = ""
	}
	if prev, ok := r.users[p.ID]; ok {
		if p.Username == "" {
			p.Username = prev.Username
		}
		*prev = p
		return
	}
	cp := p
	r.users[p.ID] = &cp
	r.order = append(r.order, p.ID)
}
