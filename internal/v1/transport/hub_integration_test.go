package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, event types.Event, payload any) {
	t.Helper()
	data, err := types.EncodeEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readUntil reads frames until one with the given event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event types.Event) types.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := types.DecodeEnvelope(data)
		require.NoError(t, err)
		if env.Event == event {
			return env
		}
	}
}

func TestHub_OverRealWebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newHubFixture(t)
	r := gin.New()
	r.GET("/ws", f.hub.ServeWs)
	srv := httptest.NewServer(r)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	alice := dialHub(t, url)
	writeEvent(t, alice, types.EventJoinRoom, types.JoinRoomPayload{RoomCode: "lobby", Username: "alice"})
	var snapshot types.RoomJoinedPayload
	require.NoError(t, readUntil(t, alice, types.EventRoomJoined).Decode(&snapshot))
	assert.NotEmpty(t, snapshot.UserID)

	bob := dialHub(t, url)
	writeEvent(t, bob, types.EventJoinRoom, types.JoinRoomPayload{RoomCode: "lobby", Username: "bob"})
	readUntil(t, bob, types.EventRoomJoined)
	readUntil(t, alice, types.EventUserJoined)

	writeEvent(t, bob, types.EventOffer, types.OfferPayload{
		Offer:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
		CallType: types.CallKindVideo,
	})
	var offer types.OfferPayload
	require.NoError(t, readUntil(t, alice, types.EventOffer).Decode(&offer))
	assert.Equal(t, types.DisplayNameType("bob"), offer.Username)
	assert.Equal(t, types.CallKindVideo, offer.CallType)
	assert.NotEmpty(t, offer.From)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	var left types.UserLeftPayload
	require.NoError(t, readUntil(t, alice, types.EventUserLeft).Decode(&left))
	assert.Equal(t, types.DisplayNameType("bob"), left.Username)

	require.NoError(t, f.hub.Shutdown(context.Background()))
	var closeErr *websocket.CloseError
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			assert.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}
