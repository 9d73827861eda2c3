package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umich-balloons/balloontrack/broker"
	"github.com/umich-balloons/balloontrack/geocell"
	"github.com/umich-balloons/balloontrack/monitoring"
	"github.com/umich-balloons/balloontrack/storage"
)

const (
	writeTimeout = 10 * time.Second

	// catchUpHistorySeconds is the default history window for viewport
	// catch-up queries.
	catchUpHistorySeconds = 3 * 3600
)

// Client is one viewport WebSocket connection. Sends serialize through a
// mutex because broadcasts and the message loop write concurrently.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send writes one text frame with a deadline.
func (c *Client) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errSocketClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

var errSocketClosed = errors.New("socket closed")

// clientMessage is the client-to-server envelope.
type clientMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// serverMessage is the server-to-client envelope.
type serverMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type initialDataRequest struct {
	Bbox           geocell.Bbox `json:"bbox"`
	HistorySeconds int          `json:"history_seconds"`
}

type updateViewportRequest struct {
	Bbox geocell.Bbox `json:"bbox"`
}

type telemetryRequest struct {
	PayloadID int64  `json:"payloadId"`
	Timestamp string `json:"timestamp"`
}

// GeoJSON shapes for the path segment responses.
type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string            `json:"type"`
	Properties featureProperties `json:"properties"`
	Geometry   json.RawMessage   `json:"geometry"`
}

type featureProperties struct {
	PayloadID int64 `json:"payload_id"`
}

// WSHandler runs the per-client viewport state machine.
type WSHandler struct {
	Registry   *Registry
	Store      *storage.Store
	Broker     *broker.Client
	Resolution int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is served from arbitrary origins during flights.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and serves messages sequentially until
// the socket closes. Handler errors answer per-message; only socket faults
// end the session.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Debugf("ws upgrade failed remote=%s: %v", r.RemoteAddr, err)
		return
	}
	client := &Client{conn: conn}
	h.Registry.Register(client)
	defer func() {
		h.Registry.Disconnect(client)
		client.Close()
	}()
	monitoring.Debugf("ws connected remote=%s", r.RemoteAddr)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			monitoring.Debugf("ws closed remote=%s: %v", r.RemoteAddr, err)
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = h.reply(client, serverMessage{Type: "error", Error: "invalid JSON format"})
			continue
		}

		resp := h.handleMessage(r, client, &msg)
		if resp.Type == "" {
			continue
		}
		resp.RequestID = msg.RequestID
		if err := h.reply(client, resp); err != nil {
			monitoring.Debugf("ws reply failed remote=%s: %v", r.RemoteAddr, err)
			return
		}
	}
}

func (h *WSHandler) reply(c *Client, msg serverMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.Send(b)
}

// handleMessage dispatches one client message and never panics the
// connection: handler failures come back as error replies.
func (h *WSHandler) handleMessage(r *http.Request, client *Client, msg *clientMessage) (resp serverMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			monitoring.Errorf("ws handler panic type=%s: %v", msg.Type, rec)
			resp = serverMessage{Type: "error", Error: fmt.Sprintf("internal error handling %s", msg.Type)}
		}
	}()

	switch msg.Type {
	case "getInitialData":
		return h.handleInitialData(r, client, msg.Payload)
	case "updateViewport":
		return h.handleUpdateViewport(r, client, msg.Payload)
	case "getTelemetry":
		return h.handleGetTelemetry(r, msg.Payload)
	default:
		monitoring.Debugf("ws unknown message type=%q", msg.Type)
		return serverMessage{Type: "error", Error: fmt.Sprintf("unknown message type: %s", msg.Type)}
	}
}

// handleInitialData pins the subscription set to the viewport's cells and
// returns history for the requested window.
func (h *WSHandler) handleInitialData(r *http.Request, client *Client, payload json.RawMessage) serverMessage {
	var req initialDataRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return serverMessage{Type: "error", Error: "invalid getInitialData payload: " + err.Error()}
	}
	if !req.Bbox.Valid() {
		return serverMessage{Type: "error", Error: "invalid bbox"}
	}
	if req.HistorySeconds <= 0 {
		req.HistorySeconds = catchUpHistorySeconds
	}

	cells := geocell.CellsForBbox(req.Bbox, h.Resolution)
	h.Registry.UpdateSubscriptions(client, cells)

	segs, err := h.Store.FetchPathSegments(r.Context(), req.Bbox, req.HistorySeconds)
	if err != nil {
		return serverMessage{Type: "error", Error: "failed to get initial path data: " + err.Error()}
	}
	monitoring.Debugf("ws initial data cells=%d segments=%d", len(cells), len(segs))
	return serverMessage{Type: "initialPathSegments", Data: toFeatureCollection(segs)}
}

// handleUpdateViewport re-derives the cell set; joining any new cell
// triggers a catch-up query over the new viewport.
func (h *WSHandler) handleUpdateViewport(r *http.Request, client *Client, payload json.RawMessage) serverMessage {
	var req updateViewportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return serverMessage{Type: "error", Error: "invalid updateViewport payload: " + err.Error()}
	}
	if !req.Bbox.Valid() {
		return serverMessage{Type: "error", Error: "invalid bbox"}
	}

	cells := geocell.CellsForBbox(req.Bbox, h.Resolution)
	joined, left := h.Registry.UpdateSubscriptions(client, cells)
	monitoring.Debugf("ws viewport update joined=%d left=%d", len(joined), len(left))

	if len(joined) == 0 {
		// Nothing new to catch up on; stay silent.
		return serverMessage{}
	}
	segs, err := h.Store.FetchPathSegments(r.Context(), req.Bbox, catchUpHistorySeconds)
	if err != nil {
		return serverMessage{Type: "error", Error: "failed to update viewport: " + err.Error()}
	}
	return serverMessage{Type: "catchUpPathSegments", Data: toFeatureCollection(segs)}
}

// handleGetTelemetry is a cache-first point lookup; a null result caches too
// so repeated probes for missing points stay off the database.
func (h *WSHandler) handleGetTelemetry(r *http.Request, payload json.RawMessage) serverMessage {
	var req telemetryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return serverMessage{Type: "error", Error: "invalid getTelemetry payload: " + err.Error()}
	}

	key := broker.TelemetryCacheKey(req.PayloadID, req.Timestamp)
	var detail *storage.TelemetryDetail
	cached, hit, err := h.Broker.CacheGet(r.Context(), key)
	if err == nil && hit {
		monitoring.Debugf("telemetry cache hit key=%s", key)
		_ = json.Unmarshal([]byte(cached), &detail)
	} else {
		detail, err = h.Store.FetchTelemetry(r.Context(), req.PayloadID, req.Timestamp)
		if err != nil {
			return serverMessage{Type: "error", Error: "failed to get telemetry: " + err.Error()}
		}
		b, _ := json.Marshal(detail)
		if err := h.Broker.CacheSet(r.Context(), key, string(b), broker.TelemetryCacheTTL); err != nil {
			monitoring.Debugf("telemetry cache set failed key=%s: %v", key, err)
		}
	}

	return serverMessage{Type: "telemetryResponse", Data: map[string]any{
		"payloadId": req.PayloadID,
		"timestamp": req.Timestamp,
		"telemetry": detail,
	}}
}

func toFeatureCollection(segs []storage.PathSegment) featureCollection {
	fc := featureCollection{Type: "FeatureCollection", Features: make([]feature, 0, len(segs))}
	for _, seg := range segs {
		fc.Features = append(fc.Features, feature{
			Type:       "Feature",
			Properties: featureProperties{PayloadID: seg.PayloadID},
			Geometry:   seg.Geometry,
		})
	}
	return fc
}
