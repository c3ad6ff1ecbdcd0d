package signaling

import (
	"errors"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// serve joins the room on conn and runs both pumps until the connection
// drops or the client is closed. join-room is always the first frame of
// every connection.
func (c *Client) serve(conn *websocket.Conn) error {
	defer conn.Close()

	join, err := types.EncodeEnvelope(types.EventJoinRoom, c.cfg.Join)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		return err
	}

	done := make(chan struct{})
	writeErr := make(chan error, 1)
	go func() {
		err := c.writePump(conn, done)
		if err != nil {
			_ = conn.Close()
		}
		writeErr <- err
	}()

	readErr := c.readPump(conn)
	close(done)
	if err := <-writeErr; err != nil && readErr == nil {
		return err
	}
	return readErr
}

func (c *Client) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := types.DecodeEnvelope(data)
		if err != nil {
			metrics.SignalingInboundEvents.WithLabelValues("unknown", "error").Inc()
			logging.Warn(c.ctx, "Dropping malformed signaling frame", zap.Error(err))
			continue
		}
		c.dispatcher.Dispatch(env)
	}
}

// writePump is the only writer of conn once serve has sent join-room.
// Priority frames always go out before queued chat traffic.
func (c *Client) writePump(conn *websocket.Conn, done <-chan struct{}) error {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	write := func(messageType int, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	for {
		select {
		case msg := <-c.prioritySend:
			if err := write(websocket.TextMessage, msg); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			// A hangup emitted right before Close still reaches the peer.
			for drained := false; !drained; {
				select {
				case msg := <-c.prioritySend:
					if err := write(websocket.TextMessage, msg); err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			err := write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				logging.Debug(c.ctx, "Failed to send close frame", zap.Error(err))
			}
			// Unblock the read pump if the server never answers the close.
			_ = conn.SetReadDeadline(time.Now().Add(writeWait))
			return nil
		case <-done:
			return nil
		case msg := <-c.prioritySend:
			if err := write(websocket.TextMessage, msg); err != nil {
				return err
			}
		case msg := <-c.send:
			if err := write(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// pongWait is how long the read pump waits for any frame before the
// connection is considered dead.
func (c *Client) pongWait() time.Duration {
	return c.cfg.PingPeriod + writeWait
}
