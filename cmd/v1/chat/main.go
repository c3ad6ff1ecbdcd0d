// Command chat is a terminal client: it joins one room, prints the chat log
// and places or answers calls with file-backed media.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/roomcall/internal/v1/call"
	"github.com/RoseWrightdev/roomcall/internal/v1/config"
	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/media"
	"github.com/RoseWrightdev/roomcall/internal/v1/session"
	"github.com/RoseWrightdev/roomcall/internal/v1/types"
)

const helpText = `commands:
  /call video|audio  start a call with the other participant
  /hangup            end the current call
  /mute              toggle the microphone
  /video             toggle the camera
  /users             list participants
  /history           list calls in this room
  /quit              leave the room
anything else is sent as a chat message`

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	room := pflag.StringP("room", "r", "", "room code to join (overrides ROOM_CODE)")
	name := pflag.StringP("name", "n", "", "display name (overrides CHAT_USERNAME)")
	url := pflag.String("url", "", "signaling server URL (overrides SIGNALING_URL)")
	pflag.Parse()

	cfg, err := config.ValidateClientEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *room != "" {
		cfg.RoomCode = *room
	}
	if *name != "" {
		cfg.Username = *name
	}
	if *url != "" {
		cfg.SignalingURL = *url
	}

	// Logs go to a file or stderr so they do not interleave with the chat.
	output := []string{"stderr"}
	if cfg.LogFile != "" {
		output = []string{cfg.LogFile}
	}
	if err := logging.Initialize(cfg.GoEnv == "development", logging.Options{
		Service:     "roomcall-chat",
		Level:       cfg.LogLevel,
		OutputPaths: output,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}

	sess, err := session.Join(session.Config{
		URL:               cfg.SignalingURL,
		RoomCode:          types.RoomCodeType(cfg.RoomCode),
		Username:          types.DisplayNameType(cfg.Username),
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		ConnectTimeout:    cfg.ConnectTimeout,
		TypingTimeout:     cfg.TypingTimeout,
		WebRTC:            call.DefaultConfiguration(cfg.STUNURLs),
		Source:            media.FileSource{AudioPath: cfg.AudioFile, VideoPath: cfg.VideoFile},
		NewPeer:           call.PionFactory(nil),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	t := &terminal{out: os.Stdout, sess: sess}
	t.watch()
	t.printf("joining %q as %q, /help for commands", cfg.RoomCode, cfg.Username)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	lines := make(chan string)
	go readLines(os.Stdin, lines)

loop:
	for {
		select {
		case <-quit:
			break loop
		case line, ok := <-lines:
			if !ok || !t.handle(ctx, line) {
				break loop
			}
		}
	}

	if err := sess.Leave(); err != nil && !errors.Is(err, session.ErrLeft) {
		logging.Warn(ctx, "Leave failed", zap.Error(err))
	}
	t.printf("left the room")
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logging.Info(ctx, "Serving client metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error(ctx, "Metrics listener stopped", zap.Error(err))
	}
}

// terminal renders room and call events as lines of text.
type terminal struct {
	mu   sync.Mutex
	out  io.Writer
	sess *session.Session

	lastPhase call.Phase
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) watch() {
	room := t.sess.Room()
	room.OnMessage(func(m types.Message) {
		if m.IsSystem() {
			t.printf("* %s", m.Body)
			return
		}
		t.printf("[%s] %s: %s", clockTime(m.CreatedAt), m.Username, m.Body)
	})
	room.OnNotice(func(n string) { t.printf("! %s", n) })

	t.sess.Calls().OnChange(func(s call.State) {
		t.mu.Lock()
		changed := s.Phase != t.lastPhase
		t.lastPhase = s.Phase
		t.mu.Unlock()
		if !changed {
			return
		}
		switch s.Phase {
		case call.PhaseNegotiating:
			t.printf("~ %s %s call with %s", s.Direction, s.Kind, s.PeerName)
		case call.PhaseActive:
			t.printf("~ connected to %s", s.PeerName)
		case call.PhaseIdle:
			t.printf("~ call over")
		}
	})
}

// handle runs one input line. It returns false when the user quits.
func (t *terminal) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if err := t.sess.Room().SendMessage(line); err != nil {
			t.printf("! %v", err)
		}
		return true
	}

	fields := strings.Fields(line)
	calls := t.sess.Calls()
	var err error
	switch fields[0] {
	case "/quit", "/exit":
		return false
	case "/help":
		t.printf("%s", helpText)
	case "/call":
		kind := types.CallKindVideo
		if len(fields) > 1 {
			kind = types.ParseCallKind(fields[1])
		}
		// StartCall blocks while media is acquired; input keeps flowing so /hangup works.
		go func() {
			if err := calls.StartCall(ctx, kind); err != nil {
				t.printf("! %v", err)
			}
		}()
	case "/hangup":
		err = calls.EndCall()
	case "/mute":
		var muted bool
		if muted, err = calls.ToggleMute(); err == nil {
			t.printf("~ microphone %s", onOff(!muted))
		}
	case "/video":
		var enabled bool
		if enabled, err = calls.ToggleVideo(); err == nil {
			t.printf("~ camera %s", onOff(enabled))
		}
	case "/users":
		t.printUsers()
	case "/history":
		t.printHistory()
	case "/status":
		t.printStatus()
	default:
		t.printf("! unknown command %s, /help for commands", fields[0])
	}
	if err != nil {
		t.printf("! %v", err)
	}
	return true
}

func (t *terminal) printUsers() {
	st := t.sess.Room().State()
	now := time.Now()
	for _, u := range st.Users {
		status := "online"
		if !u.IsOnline {
			status = "last seen " + types.FormatLastSeen(u.LastSeen, now)
		}
		self := ""
		if u.ID == st.SelfID {
			self = " (you)"
		}
		t.printf("  %s%s, %s", u.Username, self, status)
	}
}

func (t *terminal) printHistory() {
	history := t.sess.Room().State().CallHistory
	if len(history) == 0 {
		t.printf("  no calls yet")
		return
	}
	for _, rec := range history {
		t.printf("  %s %s call by %s, %s", types.FormatCallStart(rec), rec.CallType, rec.InitiatorName, types.FormatCallDuration(rec))
	}
}

func (t *terminal) printStatus() {
	st := t.sess.Calls().State()
	conn := "disconnected"
	if t.sess.Connected() {
		conn = "connected"
	}
	if !st.InCall() {
		t.printf("  signaling %s, no call", conn)
		return
	}
	t.printf("  signaling %s, %s call with %s, %s, %s", conn, st.Kind, st.PeerName, st.Phase, types.FormatCallTimer(st.Elapsed))
}

func clockTime(rfc3339 string) string {
	ts, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return ts.Local().Format("15:04")
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
