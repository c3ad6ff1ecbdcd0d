package room

import (
	"encoding/json"

	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/google/uuid"
)

// callEntry is a call-history record plus the members it belongs to. peer is
// empty until someone answers.
type callEntry struct {
	record    types.CallRecord
	initiator types.ClientIDType
	peer      types.ClientIDType
}

func (e *callEntry) open() bool { return e.record.InProgress() }

func (e *callEntry) involves(id types.ClientIDType) bool {
	return e.initiator == id || e.peer == id
}

func encode(env types.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// nextMessageIDLocked returns a millisecond timestamp id, bumped past the
// previous one so ids stay strictly increasing.
func (r *Room) nextMessageIDLocked() int64 {
	id := r.clock.Now().UnixMilli()
	if id <= r.lastMsgID {
		id = r.lastMsgID + 1
	}
	r.lastMsgID = id
	return id
}

// appendChatLocked stores a message and evicts the oldest beyond maxHistory.
// Messages already in the history are ignored.
func (r *Room) appendChatLocked(msg types.Message) bool {
	for e := r.chat.Back(); e != nil; e = e.Prev() {
		if e.Value.(types.Message).ID == msg.ID {
			return false
		}
	}
	r.chat.PushBack(msg)
	for r.chat.Len() > r.maxHistory {
		r.chat.Remove(r.chat.Front())
	}
	if msg.ID > r.lastMsgID {
		r.lastMsgID = msg.ID
	}
	return true
}

func (r *Room) messagesLocked() []types.Message {
	msgs := make([]types.Message, 0, r.chat.Len())
	for e := r.chat.Front(); e != nil; e = e.Next() {
		msgs = append(msgs, e.Value.(types.Message))
	}
	return msgs
}

// Messages returns the chat history, oldest first.
func (r *Room) Messages() []types.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.messagesLocked()
}

// CallHistory returns the call history, oldest first.
func (r *Room) CallHistory() []types.CallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callHistoryLocked()
}

func (r *Room) callHistoryLocked() []types.CallRecord {
	out := make([]types.CallRecord, 0, len(r.calls))
	for _, e := range r.calls {
		out = append(out, e.record)
	}
	return out
}

// openCallLocked starts a record for a call placed by initiator. A record the
// initiator left open is closed first.
func (r *Room) openCallLocked(initiator *member, kind types.CallKind) *callEntry {
	for _, e := range r.calls {
		if e.open() && e.initiator == initiator.ID {
			e.record.EndedAt = r.now()
		}
	}
	e := &callEntry{
		record: types.CallRecord{
			ID:            uuid.NewString(),
			CallType:      kind,
			InitiatorName: initiator.Username,
			StartedAt:     r.now(),
		},
		initiator: initiator.ID,
	}
	r.calls = append(r.calls, e)
	if len(r.calls) > maxCallHistory {
		r.calls = r.calls[len(r.calls)-maxCallHistory:]
	}
	return e
}

// answerCallLocked pairs the first answerer with the newest unanswered call
// placed by someone else.
func (r *Room) answerCallLocked(answerer types.ClientIDType) {
	for i := len(r.calls) - 1; i >= 0; i-- {
		e := r.calls[i]
		if e.open() && e.peer == "" && e.initiator != answerer {
			e.peer = answerer
			return
		}
	}
}

// closeCallLocked ends the newest open record matching an end-call from
// sender. A busy decline only closes the target's unanswered call; without a
// target the sender's own call is closed; otherwise the record must pair
// sender and target (or be unanswered and placed by either).
func (r *Room) closeCallLocked(sender, target types.ClientIDType, reason types.EndReason) *callEntry {
	match := func(e *callEntry) bool {
		switch {
		case reason == types.EndReasonBusy:
			return e.initiator == target && e.peer == ""
		case target == "":
			return e.involves(sender)
		default:
			return (e.initiator == sender && (e.peer == target || e.peer == "")) ||
				(e.initiator == target && (e.peer == sender || e.peer == ""))
		}
	}
	for i := len(r.calls) - 1; i >= 0; i-- {
		e := r.calls[i]
		if e.open() && match(e) {
			e.record.EndedAt = r.now()
			return e
		}
	}
	return nil
}

// closeCallsOfLocked ends every open record involving id.
func (r *Room) closeCallsOfLocked(id types.ClientIDType) []*callEntry {
	var closed []*callEntry
	for _, e := range r.calls {
		if e.open() && e.involves(id) {
			e.record.EndedAt = r.now()
			closed = append(closed, e)
		}
	}
	return closed
}
