package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gaurav153fr/yt-remote/internal/config"
	"github.com/Gaurav153fr/yt-remote/internal/hub"
	"github.com/Gaurav153fr/yt-remote/internal/lifecycle"
	"github.com/Gaurav153fr/yt-remote/internal/metrics"
	"github.com/Gaurav153fr/yt-remote/internal/registry"
	"github.com/Gaurav153fr/yt-remote/internal/relay"
	"github.com/Gaurav153fr/yt-remote/internal/service"
	"github.com/Gaurav153fr/yt-remote/pkg/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	srv *httptest.Server
	svc service.RelayService
}

func newTestServer(t *testing.T, grace time.Duration) *testServer {
	t.Helper()

	wsCfg := config.WebSocketConfig{
		PingInterval:   time.Second,
		PongWait:       5 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
	}
	h := hub.NewHub(wsCfg)
	reg := registry.New(registry.Config{CodeLength: 6, CodeAttempts: 8, GracePeriod: grace}, registry.NewSeededGenerator(42), h.Do)
	rl := relay.New(reg, h, relay.NewStateCache(), relay.Config{MessageIncludeSelf: true})
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	bus := pubsub.NewMemoryPubSub()
	pub := lifecycle.NewPublisher(bus, 64, m.LifecycleDropped)
	feed := lifecycle.NewFeed(bus, 16)
	svc := service.NewRelayService(h, reg, rl, pub, m, config.RelayConfig{MessageIncludeSelf: true, CatchUpOnJoin: true})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{}, 2)
	go func() {
		_ = h.Run(ctx)
		stopped <- struct{}{}
	}()
	go func() {
		_ = pub.Run(ctx)
		stopped <- struct{}{}
	}()

	r := gin.New()
	r.SetHTMLTemplate(Templates())
	NewWSHandler(h, svc, []string{"*"}).RegisterRoutes(r)
	NewHTTPHandler(svc, feed, metrics.HandlerFor(promReg)).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		feed.Close()
		srv.Close()
		cancel()
		<-stopped
		<-stopped
		reg.Close()
		bus.Close()
	})

	return &testServer{srv: srv, svc: svc}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type        string                     `json:"type"`
	RoomCode    string                     `json:"room_code"`
	MemberCount int                        `json:"member_count"`
	Message     string                     `json:"message"`
	Code        string                     `json:"code"`
	Text        string                     `json:"text"`
	Data        json.RawMessage            `json:"data"`
	State       map[string]json.RawMessage `json:"state"`
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func readType(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	f := read(t, conn)
	require.Equal(t, typ, f.Type, "unexpected frame %+v", f)
	return f
}

func TestWebSocketRoomScenario(t *testing.T) {
	ts := newTestServer(t, 200*time.Millisecond)
	x := ts.dial(t)
	y := ts.dial(t)

	send(t, x, `{"type":"createRoom"}`)
	created := readType(t, x, "roomCreated")
	code := created.RoomCode
	require.Len(t, code, 6)
	assert.Equal(t, 1, readType(t, x, "roomUpdate").MemberCount)

	// Older clients send the code as the data payload.
	send(t, y, `{"type":"joinRoom","data":"`+strings.ToLower(code)+`"}`)
	upd := readType(t, x, "roomUpdate")
	assert.Equal(t, 2, upd.MemberCount)
	assert.Equal(t, "A new user joined room "+code, upd.Message)
	assert.Equal(t, 2, readType(t, y, "roomUpdate").MemberCount)
	assert.Equal(t, code, readType(t, y, "joinedRoom").RoomCode)

	send(t, x, `{"type":"song","room_code":"`+code+`","data":{"title":"Song A"}}`)
	song := readType(t, y, "song")
	assert.JSONEq(t, `{"title":"Song A"}`, string(song.Data))

	send(t, y, `{"type":"play_pause","room_code":"`+code+`"}`)
	pp := readType(t, x, "play_pause")
	assert.Equal(t, code, pp.RoomCode)

	send(t, y, `{"type":"joinRoom","room_code":"`+code+`"}`)
	dup := readType(t, y, "errorMessage")
	assert.Equal(t, "You are already in this room!", dup.Text)

	send(t, y, `{"type":"ping"}`)
	readType(t, y, "pong")

	y.Close()
	left := readType(t, x, "roomUpdate")
	assert.Equal(t, 1, left.MemberCount)
	assert.Equal(t, "A user left the room", left.Message)

	x.Close()
	require.Eventually(t, func() bool {
		_, err := ts.svc.RoomInfo(context.Background(), code)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketJoinUnknownRoom(t *testing.T) {
	ts := newTestServer(t, time.Minute)
	c := ts.dial(t)

	send(t, c, `{"type":"joinRoom","room_code":"ZZZZZZ"}`)
	f := readType(t, c, "errorMessage")
	assert.Equal(t, "ROOM_NOT_FOUND", f.Code)
	assert.Equal(t, "Room not found!", f.Text)
}

func TestWebSocketBadRequests(t *testing.T) {
	ts := newTestServer(t, time.Minute)
	c := ts.dial(t)

	for _, msg := range []string{
		`not json`,
		`{"type":"teleport"}`,
		`{"type":"joinRoom"}`,
		`{"type":"song","data":{"title":"x"}}`,
	} {
		f := readTypeAfter(t, c, msg)
		assert.Equal(t, "BAD_REQUEST", f.Code, msg)
	}
}

func readTypeAfter(t *testing.T, c *websocket.Conn, msg string) frame {
	t.Helper()
	send(t, c, msg)
	return readType(t, c, "errorMessage")
}

func TestWebSocketLateJoinerCatchUp(t *testing.T) {
	ts := newTestServer(t, time.Minute)
	x := ts.dial(t)

	send(t, x, `{"type":"createRoom"}`)
	code := readType(t, x, "roomCreated").RoomCode
	readType(t, x, "roomUpdate")

	send(t, x, `{"type":"song","room_code":"`+code+`","data":{"title":"Song B"}}`)
	// Round-trip so the song is processed before the join.
	send(t, x, `{"type":"ping"}`)
	readType(t, x, "pong")

	y := ts.dial(t)
	send(t, y, `{"type":"joinRoom","room_code":"`+code+`"}`)
	readType(t, y, "roomUpdate")
	joined := readType(t, y, "joinedRoom")
	require.Contains(t, joined.State, "song")
	assert.JSONEq(t, `{"title":"Song B"}`, string(joined.State["song"]))
}

func TestHTTPRoutes(t *testing.T) {
	ts := newTestServer(t, time.Minute)
	x := ts.dial(t)
	send(t, x, `{"type":"createRoom"}`)
	code := readType(t, x, "roomCreated").RoomCode
	readType(t, x, "roomUpdate")

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	status, body := get("/health")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok","connections":1,"rooms":1}`, body)

	status, body = get("/room/" + code)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Room "+code)

	status, body = get("/room/NOPE42")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Room not found!", body)

	status, body = get("/api/v1/rooms/" + strings.ToLower(code))
	assert.Equal(t, http.StatusOK, status)
	var room struct {
		Success bool
		Data    service.RoomInfo
	}
	require.NoError(t, json.Unmarshal([]byte(body), &room))
	assert.True(t, room.Success)
	assert.Equal(t, code, room.Data.Code)
	assert.Equal(t, 1, room.Data.MemberCount)
	assert.True(t, room.Data.HasBroadcaster)

	status, body = get("/api/v1/rooms/NOPE42")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, `"ROOM_NOT_FOUND"`)

	status, body = get("/api/v1/stats")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"success":true,"data":{"rooms":1,"connections":1}}`, body)

	status, body = get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "relay_rooms_active")

	status, body = get("/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "/ws")
}

type failingService struct {
	service.RelayService
}

func (failingService) RoomInfo(context.Context, string) (*service.RoomInfo, error) {
	return nil, errors.New("loop stalled")
}

func (failingService) LastState(context.Context, string) (map[string]json.RawMessage, error) {
	return nil, errors.New("loop stalled")
}

func TestHTTPRoutesInternalErrors(t *testing.T) {
	r := gin.New()
	r.SetHTMLTemplate(Templates())
	NewHTTPHandler(failingService{}, nil, nil).RegisterRoutes(r)

	serve := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := serve("/room/K7QX2M")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", rec.Body.String())

	rec = serve("/api/v1/rooms/K7QX2M")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"INTERNAL_ERROR"`)

	rec = serve("/api/v1/rooms/K7QX2M/state")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"INTERNAL_ERROR"`)

	// Without a feed the stream routes are not mounted.
	rec = serve("/api/v1/events")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type sseEvent struct {
	Name  string
	Event pubsub.Event
}

func openStream(t *testing.T, url string) *bufio.Reader {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	return bufio.NewReader(resp.Body)
}

// readEvent parses the next "event:/data:" block from an SSE stream.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()

	result := make(chan sseEvent, 1)
	failed := make(chan error, 1)
	go func() {
		var ev sseEvent
		var data string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				failed <- err
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && data != "":
				if err := json.Unmarshal([]byte(data), &ev.Event); err != nil {
					failed <- err
					return
				}
				result <- ev
				return
			}
		}
	}()

	select {
	case ev := <-result:
		return ev
	case err := <-failed:
		t.Fatalf("reading event stream: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no event on stream")
	}
	return sseEvent{}
}

func readEventOfType(t *testing.T, r *bufio.Reader, typ string) sseEvent {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := readEvent(t, r)
		if ev.Name == typ {
			return ev
		}
	}
	t.Fatalf("no %s event on stream", typ)
	return sseEvent{}
}

func TestRoomEventStream(t *testing.T) {
	ts := newTestServer(t, time.Minute)
	x := ts.dial(t)
	send(t, x, `{"type":"createRoom"}`)
	code := readType(t, x, "roomCreated").RoomCode
	readType(t, x, "roomUpdate")

	stream := openStream(t, ts.srv.URL+"/api/v1/rooms/"+strings.ToLower(code)+"/events")

	y := ts.dial(t)
	send(t, y, `{"type":"joinRoom","room_code":"`+code+`"}`)
	readType(t, y, "roomUpdate")

	joined := readEventOfType(t, stream, pubsub.EventMemberJoined)
	assert.Equal(t, pubsub.EventMemberJoined, joined.Event.Type)
	assert.Equal(t, code, joined.Event.RoomCode)
	var payload pubsub.MembershipPayload
	require.NoError(t, joined.Event.UnmarshalPayload(&payload))
	assert.Equal(t, 2, payload.MemberCount)

	y.Close()
	left := readEventOfType(t, stream, pubsub.EventMemberLeft)
	require.NoError(t, left.Event.UnmarshalPayload(&payload))
	assert.Equal(t, 1, payload.MemberCount)
	assert.Equal(t, "disconnect", payload.Reason)
}

func TestRoomEventStreamUnknownRoom(t *testing.T) {
	ts := newTestServer(t, time.Minute)

	resp, err := http.Get(ts.srv.URL + "/api/v1/rooms/NOPE42/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAllRoomsEventStream(t *testing.T) {
	ts := newTestServer(t, time.Minute)
	stream := openStream(t, ts.srv.URL+"/api/v1/events")

	var codes []string
	for i := 0; i < 2; i++ {
		c := ts.dial(t)
		send(t, c, `{"type":"createRoom"}`)
		codes = append(codes, readType(t, c, "roomCreated").RoomCode)
	}

	var seen []string
	for len(seen) < 2 {
		ev := readEventOfType(t, stream, pubsub.EventRoomCreated)
		seen = append(seen, ev.Event.RoomCode)
	}
	assert.ElementsMatch(t, codes, seen)
}

func TestCheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	anyOrigin := checkOrigin([]string{"*"})
	assert.True(t, anyOrigin(req("https://evil.example")))

	only := checkOrigin([]string{"https://music.youtube.com"})
	assert.True(t, only(req("https://music.youtube.com")))
	assert.True(t, only(req("")))
	assert.False(t, only(req("https://evil.example")))
}
