package room

import (
	"context"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"go.uber.org/zap"
)

func (r *Room) subscribeToBus() {
	if r.bus == nil {
		logging.Debug(r.ctx, "Bus disabled (single-instance mode)")
		return
	}
	r.bus.Subscribe(r.ctx, string(r.code), &r.wg, r.handleBusMessage)
}

// publishLocked hands an event to the bus without blocking the room. When
// every publish slot is busy the event is dropped for other instances only.
func (r *Room) publishLocked(env types.Envelope, sender, target types.ClientIDType) {
	if r.bus == nil {
		return
	}
	select {
	case r.publishChan <- struct{}{}:
		r.wg.Add(1)
		go func() {
			defer func() {
				<-r.publishChan
				r.wg.Done()
			}()
			err := r.bus.Publish(context.Background(), string(r.code), string(env.Event), env.Payload, string(sender), string(target))
			if err != nil {
				logging.Error(r.ctx, "Bus publish failed", zap.String("event", string(env.Event)), zap.Error(err))
			}
		}()
	default:
		logging.Warn(r.ctx, "Dropping bus publish, queue full", zap.String("event", string(env.Event)))
	}
}

// handleBusMessage applies an event published by another instance and
// delivers it to the local members it is addressed to. Call history stays
// per instance.
func (r *Room) handleBusMessage(m types.BusMessage) {
	if m.RoomCode != r.code || m.Event == "" {
		return
	}
	env := types.Envelope{Event: m.Event, Payload: m.Payload}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	switch m.Event {
	case types.EventUserJoined:
		var p types.UserJoinedPayload
		if err := env.Decode(&p); err == nil {
			r.mergeRemoteLocked(p.Users)
		}
	case types.EventUserLeft:
		var p types.UserLeftPayload
		if err := env.Decode(&p); err == nil {
			r.markRemoteOfflineLocked(p.UserID)
		}
	case types.EventNewMessage:
		var msg types.Message
		if err := env.Decode(&msg); err == nil {
			r.appendChatLocked(msg)
		}
	}
	r.deliverLocked(env, m.SenderID, m.TargetID)
}
