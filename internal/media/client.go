package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/akarev/roomd/internal/domain"
)

// Client implements Engine over a websocket JSON-RPC control connection to a
// media node. Requests are correlated by id; the node pushes endpoint events
// (gathered ICE candidates, media faults) as id-less notifications.
type Client struct {
	uri  string
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu        sync.Mutex
	pending   map[uint64]chan rpcResponse
	endpoints map[string]*remoteEndpoint
	closed    bool
}

var ErrEngineClosed = errors.New("media engine connection closed")

type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Dial connects to a node's control endpoint and starts the read loop.
func Dial(ctx context.Context, uri string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("dial media node %s: %w", uri, err)
	}
	c := &Client{
		uri:       uri,
		conn:      conn,
		pending:   make(map[uint64]chan rpcResponse),
		endpoints: make(map[string]*remoteEndpoint),
	}
	go c.readLoop()
	log.Info().Str("module", "media").Str("uri", uri).Msg("media node connected")
	return c, nil
}

func (c *Client) URI() string { return c.uri }

func (c *Client) readLoop() {
	defer c.failPending()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Error().Err(err).Str("module", "media").Str("uri", c.uri).Msg("control read error")
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Error().Err(err).Str("module", "media").Msg("bad control frame")
			continue
		}
		if resp.ID == nil {
			c.dispatchEvent(resp)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		delete(c.pending, *resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

type endpointEvent struct {
	Object      string                   `json:"object"`
	Type        string                   `json:"type"`
	Candidate   *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Description string                   `json:"description,omitempty"`
}

func (c *Client) dispatchEvent(resp rpcResponse) {
	if resp.Method != "onEvent" {
		log.Warn().Str("module", "media").Str("method", resp.Method).Msg("unknown control notification")
		return
	}
	var ev endpointEvent
	if err := json.Unmarshal(resp.Params, &ev); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("bad onEvent params")
		return
	}
	c.mu.Lock()
	ep := c.endpoints[ev.Object]
	c.mu.Unlock()
	if ep == nil {
		return
	}
	switch ev.Type {
	case "iceCandidate":
		if ev.Candidate != nil {
			ep.emitCandidate(*ev.Candidate)
		}
	case "error":
		ep.emitError(ev.Description)
	default:
		log.Warn().Str("module", "media").Str("type", ev.Type).Msg("unknown endpoint event")
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrEngineClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteJSON(rpcRequest{ID: id, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("control write: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrEngineClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("node error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (c *Client) callValue(ctx context.Context, method string, params any) (string, error) {
	res, err := c.call(ctx, method, params)
	if err != nil {
		return "", err
	}
	var out struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return "", fmt.Errorf("bad node result: %w", err)
	}
	return out.Value, nil
}

func (c *Client) CreatePipeline(ctx context.Context) (Pipeline, error) {
	id, err := c.callValue(ctx, "create", map[string]any{"type": "pipeline"})
	if err != nil {
		return nil, err
	}
	return &remotePipeline{c: c, id: id}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

type remotePipeline struct {
	c  *Client
	id string
}

func (p *remotePipeline) ID() string { return p.id }

func (p *remotePipeline) CreateEndpoint(ctx context.Context, opts EndpointOptions) (Endpoint, error) {
	id, err := p.c.callValue(ctx, "create", map[string]any{
		"type":         "endpoint",
		"pipeline":     p.id,
		"dataChannels": opts.DataChannels,
		"trickle":      opts.Trickle,
	})
	if err != nil {
		return nil, err
	}
	ep := &remoteEndpoint{c: p.c, id: id}
	p.c.mu.Lock()
	p.c.endpoints[id] = ep
	p.c.mu.Unlock()
	return ep, nil
}

func (p *remotePipeline) Release(ctx context.Context) error {
	_, err := p.c.call(ctx, "release", map[string]any{"object": p.id})
	return err
}

type remoteEndpoint struct {
	c  *Client
	id string

	cbMu   sync.Mutex
	onCand func(webrtc.ICECandidateInit)
	onErr  func(string)
}

func (e *remoteEndpoint) ID() string { return e.id }

func (e *remoteEndpoint) invoke(ctx context.Context, op string, params map[string]any) (string, error) {
	body := map[string]any{"object": e.id, "operation": op}
	if params != nil {
		body["operationParams"] = params
	}
	return e.c.callValue(ctx, "invoke", body)
}

func (e *remoteEndpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	return e.invoke(ctx, "processOffer", map[string]any{"offer": offer})
}

func (e *remoteEndpoint) ProcessAnswer(ctx context.Context, answer string) error {
	_, err := e.invoke(ctx, "processAnswer", map[string]any{"answer": answer})
	return err
}

func (e *remoteEndpoint) GenerateOffer(ctx context.Context) (string, error) {
	return e.invoke(ctx, "generateOffer", nil)
}

func (e *remoteEndpoint) AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	_, err := e.invoke(ctx, "addIceCandidate", map[string]any{"candidate": cand})
	return err
}

func (e *remoteEndpoint) Connect(ctx context.Context, to Endpoint, kind domain.MediaKind) error {
	_, err := e.invoke(ctx, "connect", map[string]any{"sink": to.ID(), "media": kind.String()})
	return err
}

func (e *remoteEndpoint) Disconnect(ctx context.Context, to Endpoint, kind domain.MediaKind) error {
	_, err := e.invoke(ctx, "disconnect", map[string]any{"sink": to.ID(), "media": kind.String()})
	return err
}

func (e *remoteEndpoint) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	e.cbMu.Lock()
	e.onCand = fn
	e.cbMu.Unlock()
}

func (e *remoteEndpoint) OnMediaError(fn func(string)) {
	e.cbMu.Lock()
	e.onErr = fn
	e.cbMu.Unlock()
}

func (e *remoteEndpoint) emitCandidate(cand webrtc.ICECandidateInit) {
	e.cbMu.Lock()
	fn := e.onCand
	e.cbMu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

func (e *remoteEndpoint) emitError(desc string) {
	e.cbMu.Lock()
	fn := e.onErr
	e.cbMu.Unlock()
	if fn != nil {
		fn(desc)
	}
}

func (e *remoteEndpoint) Release(ctx context.Context) error {
	e.c.mu.Lock()
	delete(e.c.endpoints, e.id)
	e.c.mu.Unlock()
	_, err := e.c.call(ctx, "release", map[string]any{"object": e.id})
	return err
}
