package roomview

import (
	"errors"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var ErrClosed = errors.New("room closed")

// typingEntry is a remote user's quiet timer. gen tells a stale callback
// from the current one.
type typingEntry struct {
	timer clock.Timer
	gen   uint64
}

// HandleTypingStart adds the user to the typing indicator and (re)arms their
// quiet timer.
func (r *Room) HandleTypingStart(p types.TypingStartPayload) {
	if p.UserID == "" {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if e, ok := r.typingTimers[p.UserID]; ok {
		e.timer.Stop()
	}
	added := !r.typing.Has(p.UserID)
	r.typing.Insert(p.UserID)
	name := p.Username
	if name == "" {
		if u, ok := r.users[p.UserID]; ok {
			name = u.Username
		}
	}
	r.typingNames[p.UserID] = name

	r.typingGen++
	id, gen := p.UserID, r.typingGen
	r.typingTimers[id] = typingEntry{
		timer: r.clock.AfterFunc(r.cfg.TypingTimeout, func() { r.expireTyping(id, gen) }),
		gen:   gen,
	}
	r.mu.Unlock()

	if added {
		r.flush(pending{changed: true})
	}
}

// HandleTypingStop removes the user from the typing indicator.
func (r *Room) HandleTypingStop(p types.TypingStopPayload) {
	r.mu.Lock()
	removed := r.clearTypingLocked(p.UserID)
	r.mu.Unlock()
	if removed {
		r.flush(pending{changed: true})
	}
}

// expireTyping runs when a user's quiet period elapses without a new
// typing-start. It must not touch the clock: fake clocks run timer
// callbacks while holding their own lock.
func (r *Room) expireTyping(id types.ClientIDType, gen uint64) {
	r.mu.Lock()
	if cur, ok := r.typingTimers[id]; !ok || cur.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.typingTimers, id)
	r.typing.Delete(id)
	delete(r.typingNames, id)
	r.mu.Unlock()

	r.flush(pending{changed: true})
}

func (r *Room) clearTypingLocked(id types.ClientIDType) bool {
	if e, ok := r.typingTimers[id]; ok {
		e.timer.Stop()
		delete(r.typingTimers, id)
	}
	if !r.typing.Has(id) {
		return false
	}
	r.typing.Delete(id)
	delete(r.typingNames, id)
	return true
}

// Keystroke reports local typing activity. The first keystroke of a burst
// emits typing-start; every keystroke restarts the quiet timer, and
// typing-stop is emitted once the timer runs out.
func (r *Room) Keystroke() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	if r.localTimer != nil {
		r.localTimer.Stop()
	}
	r.localGen++
	gen := r.localGen
	r.localTimer = r.clock.AfterFunc(r.cfg.TypingTimeout, func() {
		r.localTypingExpired(gen)
	})

	if r.localTyping {
		return nil
	}
	r.localTyping = true
	return r.emitLocked(types.EventTypingStart, nil)
}

func (r *Room) localTypingExpired(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.localGen {
		return
	}
	r.localTimer = nil
	_ = r.stopTypingLocked()
}

// StopTyping emits typing-stop if a burst is in progress.
func (r *Room) StopTyping() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localTimer != nil {
		r.localTimer.Stop()
		r.localTimer = nil
	}
	r.localGen++
	return r.stopTypingLocked()
}

func (r *Room) stopTypingLocked() error {
	if !r.localTyping {
		return nil
	}
	r.localTyping = false
	return r.emitLocked(types.EventTypingStop, nil)
}

// SendMessage validates body and emits send-message. The message shows up in
// the log when the server echoes it back.
func (r *Room) SendMessage(body string) error {
	body, err := types.NormalizeMessageBody(body)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.emitLocked(types.EventSendMessage, types.SendMessagePayload{Message: body}); err != nil {
		return err
	}
	if r.localTimer != nil {
		r.localTimer.Stop()
		r.localTimer = nil
	}
	r.localGen++
	return r.stopTypingLocked()
}

func (r *Room) emitLocked(event types.Event, payload any) error {
	if r.cfg.Emitter == nil {
		return nil
	}
	if err := r.cfg.Emitter.Emit(event, payload); err != nil {
		logging.Warn(r.ctx, "Failed to emit room event", zap.String("event", string(event)), zap.Error(err))
		return err
	}
	return nil
}

// Close stops every timer. Typing activity after Close is ignored.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, e := range r.typingTimers {
		e.timer.Stop()
		delete(r.typingTimers, id)
	}
	if r.localTimer != nil {
		r.localTimer.Stop()
		r.localTimer = nil
	}
	r.localGen++
}
