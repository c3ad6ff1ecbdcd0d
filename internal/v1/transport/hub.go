package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/config"
	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/ratelimit"
	"github.com/RoseWrightdev/roomcall/internal/v1/room"
	"github.com/RoseWrightdev/roomcall/internal/v1/tracing"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var errHubClosed = errors.New("server is shutting down")

const roomShutdownTimeout = 5 * time.Second

// pendingCleanup is one scheduled removal of an empty room.
type pendingCleanup struct {
	timer clock.Timer
}

// Hub owns every room served by this instance.
type Hub struct {
	rooms               map[types.RoomCodeType]*room.Room
	mu                  sync.Mutex
	pendingRoomCleanups map[types.RoomCodeType]*pendingCleanup
	closed              bool

	bus                types.BusService // nil in single-instance mode
	cleanupGracePeriod time.Duration
	maxHistory         int
	allowedOrigins     []string
	devMode            bool
	rateLimiter        *ratelimit.RateLimiter
	clock              clock.WithDelayedExecution
}

// NewHub creates a Hub from the server configuration. bus and rateLimiter
// may be nil.
func NewHub(cfg *config.Config, bus types.BusService, rateLimiter *ratelimit.RateLimiter) *Hub {
	return NewHubWithClock(cfg, bus, rateLimiter, clock.RealClock{})
}

// NewHubWithClock creates a Hub whose room cleanup timers run on clk.
func NewHubWithClock(cfg *config.Config, bus types.BusService, rateLimiter *ratelimit.RateLimiter, clk clock.WithDelayedExecution) *Hub {
	return &Hub{
		rooms:               make(map[types.RoomCodeType]*room.Room),
		pendingRoomCleanups: make(map[types.RoomCodeType]*pendingCleanup),
		bus:                 bus,
		cleanupGracePeriod:  cfg.RoomCleanupGrace,
		maxHistory:          cfg.MaxChatHistory,
		allowedOrigins:      cfg.AllowedOrigins,
		devMode:             cfg.DevelopmentMode,
		rateLimiter:         rateLimiter,
		clock:               clk,
	}
}

// ServeWs checks the origin and upgrades the request to a signaling
// connection. The connection joins a room with its first frame.
func (h *Hub) ServeWs(c *gin.Context) {
	// IP based, before any upgrade work.
	if h.limiterEnabled() && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}
	h.HandleConnection(conn)
}

// HandleConnection starts the pumps of an established connection.
func (h *Hub) HandleConnection(conn wsConnection) *Client {
	var limiter messageLimiter
	if h.limiterEnabled() {
		limiter = h.rateLimiter
	}
	client := newClient(conn, h, limiter)
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
	return client
}

func (h *Hub) limiterEnabled() bool {
	return h.rateLimiter != nil && !h.devMode
}

// joinRoom validates a join-room frame and admits c to the room, creating
// the room on first use. The hub lock is held across Join so a cleanup
// timer cannot remove the room in between.
func (h *Hub) joinRoom(ctx context.Context, c *Client, env types.Envelope) (_ types.Roomer, err error) {
	ctx, span := tracing.Tracer("roomcall/transport").Start(ctx, "join-room")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var p types.JoinRoomPayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	code := types.RoomCodeType(strings.TrimSpace(string(p.RoomCode)))
	username := types.DisplayNameType(strings.TrimSpace(string(p.Username)))
	if err := types.ValidateRoomCode(string(code)); err != nil {
		return nil, err
	}
	if err := types.ValidateUsername(string(username)); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("room.code", string(code)))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errHubClosed
	}

	r := h.getOrCreateRoomLocked(code)
	if err := r.Join(logging.WithRoom(ctx, string(code), ""), c, username); err != nil {
		if r.IsEmpty() {
			h.scheduleCleanupLocked(code)
		}
		return nil, err
	}
	return r, nil
}

// getOrCreateRoomLocked retrieves the room with the given code, cancelling
// any pending cleanup. Callers hold h.mu.
func (h *Hub) getOrCreateRoomLocked(code types.RoomCodeType) *room.Room {
	if r, ok := h.rooms[code]; ok {
		if pending, hasPendingCleanup := h.pendingRoomCleanups[code]; hasPendingCleanup {
			pending.timer.Stop()
			delete(h.pendingRoomCleanups, code)
			logging.Info(context.Background(), "Cancelled pending room cleanup due to reconnection", zap.String("roomCode", string(code)))
		}
		return r
	}

	logging.Info(context.Background(), "Creating new room", zap.String("roomCode", string(code)))
	r := room.New(context.Background(), room.Config{
		Code:       code,
		MaxHistory: h.maxHistory,
		Bus:        h.bus,
		Clock:      h.clock,
		OnEmpty:    h.removeRoom,
	})
	h.rooms[code] = r
	metrics.ActiveRooms.Inc()
	return r
}

// removeRoom schedules an empty room for removal after the grace period.
func (h *Hub) removeRoom(code types.RoomCodeType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.scheduleCleanupLocked(code)
}

func (h *Hub) scheduleCleanupLocked(code types.RoomCodeType) {
	if existing, ok := h.pendingRoomCleanups[code]; ok {
		existing.timer.Stop()
	}

	pending := &pendingCleanup{}
	// The callback may run under a fake clock's lock, so it never calls the clock.
	pending.timer = h.clock.AfterFunc(h.cleanupGracePeriod, func() {
		h.cleanup(code, pending)
	})
	h.pendingRoomCleanups[code] = pending
}

func (h *Hub) cleanup(code types.RoomCodeType, pending *pendingCleanup) {
	h.mu.Lock()
	if h.pendingRoomCleanups[code] != pending {
		h.mu.Unlock()
		return
	}
	delete(h.pendingRoomCleanups, code)

	r, ok := h.rooms[code]
	if !ok || !r.IsEmpty() {
		h.mu.Unlock()
		if ok {
			logging.Info(context.Background(), "Cancelled room cleanup - room is active", zap.String("roomCode", string(code)))
		}
		return
	}
	delete(h.rooms, code)
	metrics.ActiveRooms.Dec()
	h.mu.Unlock()

	r.Close("Room closed")
	ctx, cancel := context.WithTimeout(context.Background(), roomShutdownTimeout)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		logging.Warn(ctx, "Room shutdown timed out", zap.String("roomCode", string(code)), zap.Error(err))
	}
	logging.Info(context.Background(), "Removed room from hub after grace period", zap.String("roomCode", string(code)))
}

// Room returns the room with the given code when this instance serves it.
func (h *Hub) Room(code types.RoomCodeType) (*room.Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[code]
	return r, ok
}

// Ready fails once Shutdown has started. It backs the "hub" readiness check.
func (h *Hub) Ready(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	return nil
}

// RoomCount is the number of rooms held by this instance.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// GetRoom reports who is in a room: GET /api/rooms/:code.
func (h *Hub) GetRoom(c *gin.Context) {
	code := types.RoomCodeType(c.Param("code"))
	if err := types.ValidateRoomCode(string(code)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, ok := h.Room(code)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	online, err := r.OnlineEverywhere(c.Request.Context())
	if err != nil {
		logging.Warn(c.Request.Context(), "Presence lookup failed", zap.String("roomCode", string(code)), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"roomCode": code,
		"users":    r.Users(),
		"online":   online,
	})
}

// Shutdown gracefully closes all active rooms and connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down Hub - closing all active rooms...")

	h.mu.Lock()
	h.closed = true
	for code, pending := range h.pendingRoomCleanups {
		pending.timer.Stop()
		delete(h.pendingRoomCleanups, code)
	}
	rooms := make([]*room.Room, 0, len(h.rooms))
	for code, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, code)
		metrics.ActiveRooms.Dec()
	}
	h.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		r.Close("Server shutting down")
		if err := r.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return errors.Join(errs...)
}
