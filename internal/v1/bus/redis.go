// Package bus moves room events between server instances over Redis pub/sub.
// A nil *Service is valid and means single-instance mode: every method is a
// no-op.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const breakerName = "redis"

// RoomChannel is the pub/sub channel carrying one room's events.
func RoomChannel(code string) string { return "roomcall:room:" + code }

// Service handles all interaction with Redis.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	origin string
}

var _ types.BusService = (*Service)(nil)

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies the connection with a PING.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logging.Warn(context.Background(), "Circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	logging.Info(ctx, "Connected to Redis", zap.String("addr", addr))
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st), origin: uuid.NewString()}, nil
}

// breakerStateValue maps a breaker state onto the gauge: 0 closed, 1 half-open, 2 open.
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// execute runs fn behind the breaker. While the breaker is open the call is
// skipped and reported as a nil error so callers keep working locally.
func (s *Service) execute(op string, fields []zap.Field, fn func() (any, error)) (res any, err error) {
	res, err = s.cb.Execute(fn)
	if err == nil {
		return res, nil
	}
	fields = append(fields, zap.String("op", op))
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerFailures.WithLabelValues(breakerName).Inc()
		logging.Warn(context.Background(), "Redis circuit breaker open, skipping", fields...)
		return nil, nil
	}
	logging.Error(context.Background(), "Redis operation failed", append(fields, zap.Error(err))...)
	return nil, err
}

func (s *Service) publish(ctx context.Context, channel string, msg types.BusMessage, payload any) error {
	inner, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal bus payload: %w", err)
	}
	msg.Payload = inner
	msg.Origin = s.origin
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}
	_, err = s.execute("publish", []zap.Field{zap.String("channel", channel), zap.String("event", string(msg.Event))},
		func() (any, error) { return nil, s.client.Publish(ctx, channel, data).Err() })
	return err
}

// Publish broadcasts an event to every other instance hosting roomCode.
// targetID narrows delivery to one participant; empty means everyone but the
// sender.
func (s *Service) Publish(ctx context.Context, roomCode, event string, payload any, senderID, targetID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.publish(ctx, RoomChannel(roomCode), types.BusMessage{
		RoomCode: types.RoomCodeType(roomCode),
		Event:    types.Event(event),
		SenderID: types.ClientIDType(senderID),
		TargetID: types.ClientIDType(targetID),
	}, payload)
}

// Subscribe listens for roomCode's events in a background goroutine until ctx
// is canceled. Messages this Service published itself are skipped. wg, when
// non-nil, tracks the goroutine.
func (s *Service) Subscribe(ctx context.Context, roomCode string, wg *sync.WaitGroup, handler func(types.BusMessage)) {
	if s == nil || s.client == nil {
		return
	}
	s.listen(ctx, RoomChannel(roomCode), wg, handler)
}

func (s *Service) listen(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(types.BusMessage)) {
	pubsub := s.client.Subscribe(ctx, channel)
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}
		logging.Debug(ctx, "Subscribed to Redis channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Redis subscription closed", zap.String("channel", channel))
					return
				}
				var m types.BusMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					logging.Error(ctx, "Failed to unmarshal bus message", zap.String("channel", channel), zap.Error(err))
					continue
				}
				if m.Origin == s.origin {
					continue
				}
				handler(m)
			}
		}
	}()
}

// Ping checks Redis connectivity. An open breaker is reported as an error so
// readiness probes fail while Redis is unreachable.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		metrics.CircuitBreakerFailures.WithLabelValues(breakerName).Inc()
	}
	return err
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis set.
func (s *Service) SetAdd(ctx context.Context, key, member string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute("sadd", []zap.Field{zap.String("key", key)},
		func() (any, error) { return nil, s.client.SAdd(ctx, key, member).Err() })
	if err != nil {
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis set.
func (s *Service) SetRem(ctx context.Context, key, member string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute("srem", []zap.Field{zap.String("key", key)},
		func() (any, error) { return nil, s.client.SRem(ctx, key, member).Err() })
	if err != nil {
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers lists a Redis set. With the breaker open it returns an empty
// list so the room keeps working on local state.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.execute("smembers", []zap.Field{zap.String("key", key)},
		func() (any, error) { return s.client.SMembers(ctx, key).Result() })
	if err != nil {
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	members, _ := res.([]string)
	return members, nil
}
