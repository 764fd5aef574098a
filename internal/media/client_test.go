package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/akarev/roomd/internal/domain"
)

var nodeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeNode serves the control protocol for one test. The handler runs once
// per request frame and writes whatever frames it wants back.
func fakeNode(t *testing.T, handle func(conn *websocket.Conn, req rpcRequest)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := nodeUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			handle(conn, req)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func reply(t *testing.T, conn *websocket.Conn, id uint64, value string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{
		"id":     id,
		"result": map[string]any{"value": value},
	}); err != nil {
		t.Errorf("node write: %v", err)
	}
}

// scriptedNode answers the standard create/invoke/release vocabulary.
func scriptedNode(t *testing.T) string {
	return fakeNode(t, func(conn *websocket.Conn, req rpcRequest) {
		var params map[string]any
		_ = json.Unmarshal(req.Params, &params)
		switch req.Method {
		case "create":
			if params["type"] == "pipeline" {
				reply(t, conn, req.ID, "pipeline-1")
			} else {
				reply(t, conn, req.ID, "endpoint-1")
			}
		case "invoke":
			op, _ := params["operation"].(string)
			switch op {
			case "processOffer":
				opp := params["operationParams"].(map[string]any)
				reply(t, conn, req.ID, "answer:"+opp["offer"].(string))
			case "generateOffer":
				reply(t, conn, req.ID, "offer-1")
			default:
				reply(t, conn, req.ID, "")
			}
		case "release":
			if err := conn.WriteJSON(map[string]any{"id": req.ID, "result": map[string]any{}}); err != nil {
				t.Errorf("node write: %v", err)
			}
		default:
			t.Errorf("unexpected control method %q", req.Method)
		}
	})
}

func TestClient_Lifecycle(t *testing.T) {
	uri := scriptedNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Dial(ctx, uri)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	pipe, err := c.CreatePipeline(ctx)
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if pipe.ID() != "pipeline-1" {
		t.Fatalf("pipeline id=%q, want pipeline-1", pipe.ID())
	}

	ep, err := pipe.CreateEndpoint(ctx, EndpointOptions{Trickle: true})
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	if ep.ID() != "endpoint-1" {
		t.Fatalf("endpoint id=%q, want endpoint-1", ep.ID())
	}

	answer, err := ep.ProcessOffer(ctx, "my-offer")
	if err != nil {
		t.Fatalf("ProcessOffer: %v", err)
	}
	if answer != "answer:my-offer" {
		t.Fatalf("answer=%q, want answer:my-offer", answer)
	}

	offer, err := ep.GenerateOffer(ctx)
	if err != nil {
		t.Fatalf("GenerateOffer: %v", err)
	}
	if offer != "offer-1" {
		t.Fatalf("offer=%q, want offer-1", offer)
	}

	if err := ep.Connect(ctx, ep, domain.MediaVideo); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ep.AddCandidate(ctx, webrtc.ICECandidateInit{Candidate: "candidate:1"}); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	if err := ep.Release(ctx); err != nil {
		t.Fatalf("endpoint Release: %v", err)
	}
	if err := pipe.Release(ctx); err != nil {
		t.Fatalf("pipeline Release: %v", err)
	}
}

func TestClient_EventDispatch(t *testing.T) {
	uri := fakeNode(t, func(conn *websocket.Conn, req rpcRequest) {
		var params map[string]any
		_ = json.Unmarshal(req.Params, &params)
		if req.Method == "create" && params["type"] == "pipeline" {
			reply(t, conn, req.ID, "pipeline-1")
			return
		}
		// Endpoint creation; answer it, then push two events at it.
		reply(t, conn, req.ID, "endpoint-1")
		_ = conn.WriteJSON(map[string]any{
			"method": "onEvent",
			"params": map[string]any{
				"object":    "endpoint-1",
				"type":      "iceCandidate",
				"candidate": map[string]any{"candidate": "candidate:42"},
			},
		})
		_ = conn.WriteJSON(map[string]any{
			"method": "onEvent",
			"params": map[string]any{
				"object":      "endpoint-1",
				"type":        "error",
				"description": "pipeline fault",
			},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, uri)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	pipe, err := c.CreatePipeline(ctx)
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	ep, err := pipe.CreateEndpoint(ctx, EndpointOptions{})
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	cands := make(chan webrtc.ICECandidateInit, 1)
	faults := make(chan string, 1)
	ep.OnCandidate(func(c webrtc.ICECandidateInit) { cands <- c })
	ep.OnMediaError(func(desc string) { faults <- desc })

	select {
	case c := <-cands:
		if c.Candidate != "candidate:42" {
			t.Fatalf("candidate=%q, want candidate:42", c.Candidate)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no candidate event delivered")
	}
	select {
	case desc := <-faults:
		if desc != "pipeline fault" {
			t.Fatalf("fault=%q, want pipeline fault", desc)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error event delivered")
	}
}

func TestClient_NodeError(t *testing.T) {
	uri := fakeNode(t, func(conn *websocket.Conn, req rpcRequest) {
		_ = conn.WriteJSON(map[string]any{
			"id":    req.ID,
			"error": map[string]any{"code": 40208, "message": "offer rejected"},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, uri)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.CreatePipeline(ctx)
	if err == nil || !strings.Contains(err.Error(), "offer rejected") {
		t.Fatalf("err=%v, want the node's message", err)
	}
}

func TestClient_ConnectionLossFailsPending(t *testing.T) {
	uri := fakeNode(t, func(conn *websocket.Conn, req rpcRequest) {
		// Drop the connection instead of answering.
		_ = conn.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, uri)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.CreatePipeline(ctx)
	if !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("err=%v, want ErrEngineClosed", err)
	}

	// Later calls fail fast on the closed connection.
	_, err = c.CreatePipeline(ctx)
	if !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("second call err=%v, want ErrEngineClosed", err)
	}
}
