package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/akarev/roomd/internal/domain"
	"github.com/akarev/roomd/internal/fleet"
	"github.com/akarev/roomd/internal/media"
	"github.com/akarev/roomd/internal/metrics"
	"github.com/akarev/roomd/internal/orch"
)

// The tests drive the dispatcher through a real websocket round trip, with
// the media engine replaced by a no-op fake. The engine records the
// endpoints it hands out so tests can check which node calls a wire request
// ended up making.

type nopEngine struct {
	mu  sync.Mutex
	eps []*nopEndpoint
}

func (e *nopEngine) CreatePipeline(ctx context.Context) (media.Pipeline, error) {
	return nopPipeline{eng: e}, nil
}
func (e *nopEngine) Close() error { return nil }

func (e *nopEngine) endpoints() []*nopEndpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*nopEndpoint, len(e.eps))
	copy(out, e.eps)
	return out
}

type nopPipeline struct{ eng *nopEngine }

func (nopPipeline) ID() string { return "pipe" }
func (p nopPipeline) CreateEndpoint(ctx context.Context, opts media.EndpointOptions) (media.Endpoint, error) {
	ep := &nopEndpoint{opts: opts}
	p.eng.mu.Lock()
	p.eng.eps = append(p.eng.eps, ep)
	p.eng.mu.Unlock()
	return ep, nil
}
func (nopPipeline) Release(ctx context.Context) error { return nil }

type nopEndpoint struct {
	opts media.EndpointOptions

	offers    atomic.Int64
	answers   atomic.Int64
	generates atomic.Int64
}

func (*nopEndpoint) ID() string { return "ep" }
func (e *nopEndpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	e.offers.Add(1)
	return "answer:" + offer, nil
}
func (e *nopEndpoint) ProcessAnswer(ctx context.Context, answer string) error {
	e.answers.Add(1)
	return nil
}
func (e *nopEndpoint) GenerateOffer(ctx context.Context) (string, error) {
	e.generates.Add(1)
	return "offer", nil
}
func (*nopEndpoint) AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	return nil
}
func (*nopEndpoint) Connect(ctx context.Context, to media.Endpoint, kind domain.MediaKind) error {
	return nil
}
func (*nopEndpoint) Disconnect(ctx context.Context, to media.Endpoint, kind domain.MediaKind) error {
	return nil
}
func (*nopEndpoint) OnCandidate(fn func(webrtc.ICECandidateInit)) {}
func (*nopEndpoint) OnMediaError(fn func(string))                 {}
func (*nopEndpoint) Release(ctx context.Context) error            { return nil }

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testEnv exposes the server internals a test may want to poke at.
type testEnv struct {
	d   *Dispatcher
	eng *nopEngine
	m   *metrics.Metrics
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *testEnv) {
	t.Helper()
	m := metrics.New()
	eng := &nopEngine{}
	d := NewDispatcher(cfg, m)
	node := fleet.NewNode("ws://fake", eng)
	o := orch.New(fleet.New([]*fleet.Node{node}, nil), d, m)
	d.Attach(o)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		d.HandleConn(r.Context(), ws)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { o.Close(context.Background()) })
	return srv, &testEnv{d: d, eng: eng, m: m}
}

// client is a minimal wire peer. Reading interleaves responses and
// notifications; frames that are not the awaited response are queued.
type client struct {
	t      *testing.T
	conn   *websocket.Conn
	nextID atomic.Int64
	notifs []map[string]any
}

func dialClient(t *testing.T, srv *httptest.Server) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &client{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) send(id *int64, method string, params any) {
	c.t.Helper()
	frame := map[string]any{"method": method, "params": params}
	if id != nil {
		frame["id"] = *id
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
}

// call sends a request and reads frames until its response arrives.
func (c *client) call(method string, params any) map[string]any {
	c.t.Helper()
	id := c.nextID.Add(1)
	c.send(&id, method, params)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := c.readFrame(deadline)
		if got, ok := frame["id"]; ok && int64(got.(float64)) == id {
			return frame
		}
		c.notifs = append(c.notifs, frame)
	}
	c.t.Fatalf("no response to %s within deadline", method)
	return nil
}

func (c *client) readFrame(deadline time.Time) map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(deadline)
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		c.t.Fatalf("unmarshal %q: %v", data, err)
	}
	return frame
}

// waitNotif returns the next notification with the given method, reading
// more frames if none is queued yet.
func (c *client) waitNotif(method string) map[string]any {
	c.t.Helper()
	for i, n := range c.notifs {
		if n["method"] == method {
			c.notifs = append(c.notifs[:i], c.notifs[i+1:]...)
			return n
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := c.readFrame(deadline)
		if frame["method"] == method {
			return frame
		}
		c.notifs = append(c.notifs, frame)
	}
	c.t.Fatalf("no %s notification within deadline", method)
	return nil
}

func (c *client) join(user, room string) map[string]any {
	c.t.Helper()
	resp := c.call(MethodJoinRoom, map[string]any{"user": user, "room": room})
	if resp["error"] != nil {
		c.t.Fatalf("joinRoom %s: %v", user, resp["error"])
	}
	return resp
}

func result(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	r, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("resp=%v, want a result object", resp)
	}
	return r
}

func wireErrorOf(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	e, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("resp=%v, want an error object", resp)
	}
	return e
}

func TestDispatcher_JoinRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	alice := dialClient(t, srv)
	bob := dialClient(t, srv)

	r := result(t, alice.join("alice", "r1"))
	if r["sessionId"] == "" {
		t.Fatal("join result missing sessionId")
	}
	if r["value"] != nil {
		t.Fatalf("value=%v, want nil for the first participant", r["value"])
	}

	r = result(t, bob.join("bob", "r1"))
	peers, ok := r["value"].([]any)
	if !ok || len(peers) != 1 {
		t.Fatalf("value=%v, want one existing peer", r["value"])
	}
	peer := peers[0].(map[string]any)
	if peer["userName"] != "alice" {
		t.Fatalf("peer=%v, want alice", peer)
	}

	n := alice.waitNotif(NotifParticipantJoined)
	params := n["params"].(map[string]any)
	if params["user"] != "bob" {
		t.Fatalf("participantJoined params=%v, want user bob", params)
	}
}

func TestDispatcher_SecondJoinOnSameConnectionFails(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	alice := dialClient(t, srv)
	alice.join("alice", "r1")

	resp := alice.call(MethodJoinRoom, map[string]any{"user": "alice2", "room": "r1"})
	e := wireErrorOf(t, resp)
	if int(e["code"].(float64)) != int(domain.CodeDuplicateParticipant) {
		t.Fatalf("code=%v, want %d", e["code"], int(domain.CodeDuplicateParticipant))
	}
}

func TestDispatcher_PublishAndReceive(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	alice := dialClient(t, srv)
	bob := dialClient(t, srv)
	alice.join("alice", "r1")
	bob.join("bob", "r1")

	r := result(t, alice.call(MethodPublishVideo, map[string]any{
		"sdpOffer": "offer-a", "streamId": "webcam", "streamType": "video",
	}))
	if r["sdpAnswer"] != "answer:offer-a" {
		t.Fatalf("sdpAnswer=%v, want answer:offer-a", r["sdpAnswer"])
	}

	n := bob.waitNotif(NotifParticipantPublished)
	params := n["params"].(map[string]any)
	if params["user"] != "alice" || params["streamId"] != "webcam" {
		t.Fatalf("participantPublished params=%v", params)
	}

	r = result(t, bob.call(MethodReceiveVideoFrom, map[string]any{
		"sender": "alice", "streamId": "webcam", "sdpOffer": "offer-b",
	}))
	if r["sdpAnswer"] != "answer:offer-b" {
		t.Fatalf("sdpAnswer=%v, want answer:offer-b", r["sdpAnswer"])
	}

	if resp := alice.call(MethodUnpublishVideo, map[string]any{"streamId": "webcam"}); resp["error"] != nil {
		t.Fatalf("unpublishVideo: %v", resp["error"])
	}
	n = bob.waitNotif(NotifParticipantUnpublished)
	params = n["params"].(map[string]any)
	if params["name"] != "alice" {
		t.Fatalf("participantUnpublished params=%v", params)
	}
}

func TestDispatcher_UnknownMethodGetsSilence(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	c := dialClient(t, srv)

	id := int64(99)
	c.send(&id, "fooMethod", map[string]any{})

	// The next answered frame must belong to the follow-up request, not
	// to the unrecognized one.
	resp := c.call(MethodCustomRequest, map[string]any{"ping": "pong"})
	if got := int64(resp["id"].(float64)); got == 99 {
		t.Fatal("server answered an unrecognized method")
	}
	r := result(t, resp)
	if r["ping"] != "pong" {
		t.Fatalf("customRequest echo=%v, want pong", r)
	}
}

func TestDispatcher_RequestBeforeJoin(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	c := dialClient(t, srv)

	resp := c.call(MethodPublishVideo, map[string]any{"sdpOffer": "x", "streamId": "webcam"})
	e := wireErrorOf(t, resp)
	if int(e["code"].(float64)) != int(domain.CodeParticipantNotFound) {
		t.Fatalf("code=%v, want %d", e["code"], int(domain.CodeParticipantNotFound))
	}
	// Typed errors keep their message on the wire.
	if e["message"] == "internal server error" {
		t.Fatal("domain error message was suppressed")
	}
}

func TestDispatcher_SuppressedGenericDetail(t *testing.T) {
	srv, _ := newTestServer(t, Config{SuppressDetail: true})
	c := dialClient(t, srv)

	// A type mismatch in the params produces a generic decode failure.
	resp := c.call(MethodJoinRoom, map[string]any{"user": 42, "room": "r1"})
	e := wireErrorOf(t, resp)
	if int(e["code"].(float64)) != int(domain.CodeGeneric) {
		t.Fatalf("code=%v, want %d", e["code"], int(domain.CodeGeneric))
	}
	if e["message"] != "internal server error" {
		t.Fatalf("message=%q, want the generic replacement", e["message"])
	}
}

func TestDispatcher_GenericDetailWhenNotSuppressed(t *testing.T) {
	srv, _ := newTestServer(t, Config{SuppressDetail: false})
	c := dialClient(t, srv)

	resp := c.call(MethodJoinRoom, map[string]any{"user": 42, "room": "r1"})
	e := wireErrorOf(t, resp)
	if msg := e["message"].(string); !strings.Contains(msg, "joinRoom") {
		t.Fatalf("message=%q, want the decode detail", msg)
	}
}

func TestDispatcher_LeaveTwice(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	c := dialClient(t, srv)
	c.join("alice", "r1")

	for i := 0; i < 2; i++ {
		resp := c.call(MethodLeaveRoom, map[string]any{})
		if resp["error"] != nil {
			t.Fatalf("leaveRoom #%d: %v", i+1, resp["error"])
		}
	}
}

func TestDispatcher_DisconnectSynthesizesLeave(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	alice := dialClient(t, srv)
	bob := dialClient(t, srv)
	alice.join("alice", "r1")
	bob.join("bob", "r1")
	alice.waitNotif(NotifParticipantJoined)

	_ = bob.conn.Close()

	n := alice.waitNotif(NotifParticipantLeft)
	params := n["params"].(map[string]any)
	if params["name"] != "bob" {
		t.Fatalf("participantLeft params=%v, want bob", params)
	}
}

func TestDispatcher_SendMessageFanOut(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	alice := dialClient(t, srv)
	bob := dialClient(t, srv)
	alice.join("alice", "r1")
	bob.join("bob", "r1")

	if resp := alice.call(MethodSendMessage, map[string]any{"room": "r1", "message": "hi"}); resp["error"] != nil {
		t.Fatalf("sendMessage: %v", resp["error"])
	}
	for _, c := range []*client{alice, bob} {
		n := c.waitNotif(NotifSendMessage)
		params := n["params"].(map[string]any)
		if params["user"] != "alice" || params["message"] != "hi" {
			t.Fatalf("sendMessage params=%v", params)
		}
	}
}

func TestWSConn_Backpressure(t *testing.T) {
	// No pump draining the queue: the second send must report
	// backpressure instead of blocking.
	c := &wsConn{send: make(chan []byte, 1)}
	if err := c.TrySend([]byte("a")); err != nil {
		t.Fatalf("first TrySend: %v", err)
	}
	if err := c.TrySend([]byte("b")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("err=%v, want ErrBackpressure", err)
	}
}

func TestWSConn_CloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newWSConn(ws, 4, 0)
		c.Close()
		c.Close()
		if err := c.TrySend([]byte("x")); err == nil {
			t.Error("TrySend after Close succeeded")
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Wait for the server side to finish its double close.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = conn.ReadMessage()
}

func TestDispatcher_ServerGeneratedOfferRoundTrip(t *testing.T) {
	srv, env := newTestServer(t, Config{})
	alice := dialClient(t, srv)
	bob := dialClient(t, srv)
	alice.join("alice", "r1")
	bob.join("bob", "r1")

	// First leg: no sdp in the params asks the server for an offer.
	r := result(t, alice.call(MethodPublishVideo, map[string]any{
		"streamId": "webcam", "streamType": "video",
	}))
	if r["sdpOffer"] != "offer" {
		t.Fatalf("result=%v, want the generated sdpOffer", r)
	}
	if _, ok := r["sdpAnswer"]; ok {
		t.Fatalf("result=%v, offer-generation leg must not carry sdpAnswer", r)
	}

	// Second leg: the client's answer completes the publish. The result
	// is empty.
	r = result(t, alice.call(MethodPublishVideo, map[string]any{
		"streamId": "webcam", "sdpAnswer": "answer-a",
	}))
	if len(r) != 0 {
		t.Fatalf("result=%v, want empty", r)
	}

	eps := env.eng.endpoints()
	if len(eps) != 1 {
		t.Fatalf("endpoints=%d, want one publisher endpoint", len(eps))
	}
	ep := eps[0]
	if g, a, o := ep.generates.Load(), ep.answers.Load(), ep.offers.Load(); g != 1 || a != 1 || o != 0 {
		t.Fatalf("generates=%d answers=%d offers=%d, want 1, 1 and 0", g, a, o)
	}

	// The stream goes live only once the answer was processed.
	n := bob.waitNotif(NotifParticipantPublished)
	params := n["params"].(map[string]any)
	if params["user"] != "alice" || params["streamId"] != "webcam" {
		t.Fatalf("participantPublished params=%v", params)
	}
}

func TestDispatcher_TrickleFlagReachesEndpoint(t *testing.T) {
	srv, env := newTestServer(t, Config{})
	c := dialClient(t, srv)

	resp := c.call(MethodJoinRoom, map[string]any{
		"user": "alice", "room": "r1", "trickle": false, "dataChannels": true,
	})
	if resp["error"] != nil {
		t.Fatalf("joinRoom: %v", resp["error"])
	}
	result(t, c.call(MethodPublishVideo, map[string]any{
		"sdpOffer": "offer-a", "streamId": "webcam", "streamType": "video",
	}))

	eps := env.eng.endpoints()
	if len(eps) != 1 {
		t.Fatalf("endpoints=%d, want one", len(eps))
	}
	if eps[0].opts.Trickle {
		t.Fatal("endpoint uses trickle, the join asked for gather-before-answer")
	}
	if !eps[0].opts.DataChannels {
		t.Fatal("endpoint created without the requested data channel")
	}
}

func TestDispatcher_UnknownMethodMetricLabel(t *testing.T) {
	srv, env := newTestServer(t, Config{})
	c := dialClient(t, srv)

	c.send(nil, "bogusOne", map[string]any{})
	c.send(nil, "bogusTwo", map[string]any{})
	// A served request proves the earlier frames were consumed; the read
	// loop handles frames in order.
	result(t, c.call(MethodCustomRequest, map[string]any{"ping": "pong"}))

	if got := testutil.ToFloat64(env.m.Requests.WithLabelValues("unknown")); got != 2 {
		t.Fatalf("unknown counter=%v, want 2", got)
	}
	// Two bogus names must not mint two series.
	if got := testutil.CollectAndCount(env.m.Requests); got != 2 {
		t.Fatalf("series=%d, want only unknown and customRequest", got)
	}
}

func TestWSConn_KeepalivePing(t *testing.T) {
	srv, _ := newTestServer(t, Config{PingPeriod: 50 * time.Millisecond})
	c := dialClient(t, srv)

	pings := make(chan struct{}, 1)
	c.conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return c.conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping within deadline")
	}
}

func TestDispatcher_OnIceCandidateRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	alice := dialClient(t, srv)
	alice.join("alice", "r1")
	if resp := alice.call(MethodPublishVideo, map[string]any{
		"sdpOffer": "offer-a", "streamId": "webcam", "streamType": "video",
	}); resp["error"] != nil {
		t.Fatalf("publishVideo: %v", resp["error"])
	}

	resp := alice.call(MethodOnIceCandidate, map[string]any{
		"endpointName": "alice", "streamId": "webcam",
		"candidate": "candidate:1", "sdpMLineIndex": 0, "sdpMid": "0",
	})
	if resp["error"] != nil {
		t.Fatalf("onIceCandidate: %v", resp["error"])
	}
}
