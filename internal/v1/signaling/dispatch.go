package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"go.uber.org/zap"
)

var ErrDuplicateHandler = errors.New("handler already registered")

// Handler consumes one inbound envelope. Handlers run on the read loop, in
// arrival order, and must not block.
type Handler func(env types.Envelope)

// Dispatcher is the table from inbound event names to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[types.Event]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[types.Event]Handler)}
}

// Register binds h to event. Each event has at most one handler.
func (d *Dispatcher) Register(event types.Event, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[event]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, event)
	}
	d.handlers[event] = h
	return nil
}

// Deregister removes the handlers of the given events.
func (d *Dispatcher) Deregister(events ...types.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range events {
		delete(d.handlers, e)
	}
}

// DeregisterAll empties the table.
func (d *Dispatcher) DeregisterAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.handlers)
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch runs the handler for env.Event, if any, and reports whether one ran.
// A panicking handler is logged and counted, never fatal to the read loop.
func (d *Dispatcher) Dispatch(env types.Envelope) (handled bool) {
	d.mu.RLock()
	h, ok := d.handlers[env.Event]
	d.mu.RUnlock()

	if !ok {
		metrics.SignalingInboundEvents.WithLabelValues(string(env.Event), "unhandled").Inc()
		logging.Debug(context.Background(), "No handler for inbound event", zap.String("event", string(env.Event)))
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			handled = false
			metrics.SignalingInboundEvents.WithLabelValues(string(env.Event), "error").Inc()
			logging.Error(context.Background(), "Recovered from panic in event handler",
				zap.String("event", string(env.Event)), zap.Any("panic", r))
		}
	}()
	h(env)
	metrics.SignalingInboundEvents.WithLabelValues(string(env.Event), "handled").Inc()
	return true
}
