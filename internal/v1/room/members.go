package room

import (
	"context"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func presenceKey(code types.RoomCodeType) string {
	return "roomcall:room:" + string(code) + ":online"
}

// Join admits client under username. A username seen before keeps its user
// id; if that member is still connected here, the old connection is replaced.
// The joiner receives room-joined and everyone else user-joined.
func (r *Room) Join(ctx context.Context, client types.ClientInterface, username types.DisplayNameType) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}

	var replaced types.ClientInterface
	id, known := r.byName[username]
	if known {
		m := r.members[id]
		if m.client != nil && m.client != client {
			replaced = m.client
		}
		if !m.IsOnline && r.onlineLocked() >= MaxParticipants {
			r.mu.Unlock()
			return ErrRoomFull
		}
	} else {
		if r.onlineLocked() >= MaxParticipants {
			r.mu.Unlock()
			return ErrRoomFull
		}
		id = types.ClientIDType(uuid.NewString())
		r.members[id] = &member{Participant: types.Participant{ID: id, Username: username}}
		r.order = append(r.order, id)
		r.byName[username] = id
	}

	m := r.members[id]
	m.client = client
	m.IsOnline = true
	m.LastSeen = ""
	client.Bind(id, username)

	joined, err := types.EncodeEnvelope(types.EventRoomJoined, types.RoomJoinedPayload{
		UserID:      id,
		Users:       r.usersLocked(),
		Messages:    r.messagesLocked(),
		CallHistory: r.callHistoryLocked(),
	})
	if err == nil {
		client.SendPriority(joined)
	}
	r.broadcastLocked(types.EventUserJoined, types.UserJoinedPayload{
		UserID:   id,
		Username: username,
		Users:    r.usersLocked(),
	}, id, "", false)
	r.trackPresence(ctx, id, true)
	metrics.RoomParticipants.WithLabelValues(string(r.code)).Set(float64(r.localOnlineLocked()))
	r.mu.Unlock()

	if replaced != nil {
		logging.Info(ctx, "Duplicate connection detected, replacing old client", zap.String("clientId", string(id)))
		replaced.Disconnect()
	}
	logging.Info(ctx, "Participant joined", zap.String("clientId", string(id)), zap.String("username", string(username)), zap.Bool("returning", known))
	return nil
}

// HandleClientDisconnect marks the client's member offline and tells the
// room. A connection that was already replaced is ignored.
func (r *Room) HandleClientDisconnect(client types.ClientInterface) {
	r.mu.Lock()
	m, ok := r.members[client.GetID()]
	if !ok || m.client != client {
		r.mu.Unlock()
		return
	}
	m.client = nil
	m.IsOnline = false
	m.LastSeen = r.now()

	for _, e := range r.closeCallsOfLocked(m.ID) {
		logging.Info(r.ctx, "Closed call on disconnect", zap.String("callId", e.record.ID))
	}
	r.broadcastLocked(types.EventUserLeft, types.UserLeftPayload{UserID: m.ID, Username: m.Username}, m.ID, "", false)
	r.trackPresence(r.ctx, m.ID, false)

	local := r.localOnlineLocked()
	if local > 0 {
		metrics.RoomParticipants.WithLabelValues(string(r.code)).Set(float64(local))
	} else {
		metrics.RoomParticipants.DeleteLabelValues(string(r.code))
	}
	r.mu.Unlock()

	logging.Info(r.ctx, "Participant left", zap.String("clientId", string(m.ID)))
	if local == 0 && r.onEmpty != nil {
		r.onEmpty(r.code)
	}
}

// Users returns every member ever seen, in join order.
func (r *Room) Users() []types.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usersLocked()
}

func (r *Room) usersLocked() []types.Participant {
	users := make([]types.Participant, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, r.members[id].Participant)
	}
	return users
}

// mergeRemoteLocked records members reported by another instance. Members
// connected here are authoritative and left alone.
func (r *Room) mergeRemoteLocked(users []types.Participant) {
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		m, ok := r.members[u.ID]
		if !ok {
			m = &member{Participant: u}
			r.members[u.ID] = m
			r.order = append(r.order, u.ID)
			r.byName[u.Username] = u.ID
			continue
		}
		if m.client == nil {
			m.Participant = u
		}
	}
}

func (r *Room) markRemoteOfflineLocked(id types.ClientIDType) {
	if m, ok := r.members[id]; ok && m.client == nil {
		m.IsOnline = false
		m.LastSeen = r.now()
	}
}

// trackPresence mirrors local membership into the shared Redis set.
func (r *Room) trackPresence(ctx context.Context, id types.ClientIDType, online bool) {
	if r.bus == nil {
		return
	}
	var err error
	if online {
		err = r.bus.SetAdd(ctx, presenceKey(r.code), string(id))
	} else {
		err = r.bus.SetRem(ctx, presenceKey(r.code), string(id))
	}
	if err != nil {
		logging.Warn(ctx, "Failed to update presence set", zap.String("clientId", string(id)), zap.Bool("online", online), zap.Error(err))
	}
}

// OnlineEverywhere returns the ids of members connected to any instance,
// falling back to local state when no bus is configured.
func (r *Room) OnlineEverywhere(ctx context.Context) ([]string, error) {
	if r.bus != nil {
		return r.bus.SetMembers(ctx, presenceKey(r.code))
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, id := range r.order {
		if r.members[id].client != nil {
			ids = append(ids, string(id))
		}
	}
	return ids, nil
}
