package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"go.uber.org/zap"
)

var errNotMember = errors.New("not a member of this room")

// senderLocked resolves the member behind a connection.
func (r *Room) senderLocked(c types.ClientInterface) (*member, error) {
	m, ok := r.members[c.GetID()]
	if !ok || m.client != c {
		return nil, errNotMember
	}
	return m, nil
}

func (r *Room) handleSendMessage(ctx context.Context, c types.ClientInterface, env types.Envelope) error {
	var p types.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	body, err := types.NormalizeMessageBody(p.Message)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.senderLocked(c)
	if err != nil {
		return err
	}
	msg := types.Message{
		ID:          r.nextMessageIDLocked(),
		UserID:      m.ID,
		Username:    m.Username,
		Body:        body,
		MessageType: types.MessageKindText,
		CreatedAt:   r.now(),
	}
	r.appendChatLocked(msg)
	r.broadcastLocked(types.EventNewMessage, msg, m.ID, "", true)
	logging.Debug(ctx, "Chat message stored", zap.Int64("messageId", msg.ID), zap.String("clientId", string(m.ID)))
	return nil
}

func (r *Room) handleTyping(c types.ClientInterface, started bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.senderLocked(c)
	if err != nil {
		return
	}
	if started {
		r.broadcastLocked(types.EventUserTypingStart, types.TypingStartPayload{UserID: m.ID, Username: m.Username}, m.ID, "", false)
		return
	}
	r.broadcastLocked(types.EventUserTypingStop, types.TypingStopPayload{UserID: m.ID}, m.ID, "", false)
}

func (r *Room) handleOffer(c types.ClientInterface, env types.Envelope) error {
	var p types.OfferPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.senderLocked(c)
	if err != nil {
		return err
	}
	p.From, p.Username = m.ID, m.Username
	if p.CallType == "" {
		p.CallType = types.CallKindAudio
	}
	r.broadcastLocked(types.EventOffer, p, m.ID, "", false)
	return nil
}

func (r *Room) handleAnswer(c types.ClientInterface, env types.Envelope) error {
	var p types.AnswerPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.senderLocked(c)
	if err != nil {
		return err
	}
	p.From = m.ID
	r.answerCallLocked(m.ID)
	r.broadcastLocked(types.EventAnswer, p, m.ID, "", false)
	return nil
}

func (r *Room) handleICECandidate(c types.ClientInterface, env types.Envelope) error {
	var p types.ICECandidatePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.senderLocked(c)
	if err != nil {
		return err
	}
	p.From = m.ID
	r.broadcastLocked(types.EventICECandidate, p, m.ID, "", false)
	return nil
}

func (r *Room) handleCallStarted(c types.ClientInterface, env types.Envelope) error {
	var p types.CallStartedPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.senderLocked(c)
	if err != nil {
		return err
	}
	e := r.openCallLocked(m, types.ParseCallKind(string(p.CallType)))
	logging.Info(r.ctx, "Call started", zap.String("callId", e.record.ID), zap.String("initiator", string(m.ID)), zap.String("callType", string(e.record.CallType)))
	return nil
}

// handleEndCall relays call-ended to the target, or to every other member
// when no target is named, and closes the matching history record.
func (r *Room) handleEndCall(c types.ClientInterface, env types.Envelope) error {
	var p types.EndCallPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.senderLocked(c)
	if err != nil {
		return err
	}
	if p.Target != "" {
		if _, ok := r.members[p.Target]; !ok {
			return fmt.Errorf("unknown call target %q", p.Target)
		}
	}
	if e := r.closeCallLocked(m.ID, p.Target, p.Reason); e != nil {
		logging.Info(r.ctx, "Call ended", zap.String("callId", e.record.ID), zap.String("by", string(m.ID)), zap.String("reason", string(p.Reason)))
	}
	r.broadcastLocked(types.EventCallEnded, types.CallEndedPayload{
		Username: m.Username,
		From:     m.ID,
		Reason:   p.Reason,
	}, m.ID, p.Target, false)
	return nil
}
