package hub

import (
	"encoding/json"
	"net/http"
	"strings"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// EventTypeEntryRecorded is the eventType emitted for every new entry.
const EventTypeEntryRecorded = "audit.entry.recorded"

// Event is the wire shape pushed to websocket subscribers.
type Event struct {
	EventType string          `json:"eventType"`
	Entry     json.RawMessage `json:"entry"`
}

// ClientMessage is an inbound message from a websocket subscriber.
// The only supported action is "filter", which replaces the
// subscription's filter.
type ClientMessage struct {
	Action string `json:"action"`
	Filter Filter `json:"filter"`
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// Handler upgrades monitoring clients to websocket connections and
// bridges them onto the hub.
type Handler struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewHandler creates a Handler bound to the given hub.
func NewHandler(hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// RegisterRoutes registers the websocket endpoint on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection, subscribes with the filter
// taken from query parameters, and starts the read/write pumps.
// Supported query parameters (comma-separated one-of lists):
// actor, resource_type, action.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sub := h.hub.Subscribe(filterFromQuery(c))

	go h.writePump(sub, ws)
	go h.readPump(sub, ws)

	return nil
}

func filterFromQuery(c echo.Context) Filter {
	return Filter{
		ActorIDs:      splitParam(c.QueryParam("actor")),
		ResourceTypes: splitParam(c.QueryParam("resource_type")),
		Actions:       splitParam(c.QueryParam("action")),
	}
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// readPump consumes inbound messages until the connection drops, at
// which point the subscription is torn down.
func (h *Handler) readPump(sub *Subscription, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unsubscribe(sub)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}
		if msg.Action == "filter" {
			h.hub.ReplaceFilter(sub, msg.Filter)
		}
	}
}

// writePump streams matched notifications out to the client until the
// subscription channel is closed or the write fails.
func (h *Handler) writePump(sub *Subscription, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for n := range sub.C {
		data, err := json.Marshal(Event{EventType: EventTypeEntryRecorded, Entry: n.Entry})
		if err != nil {
			h.logger.Error().Err(err).Msg("hub: marshal event")
			continue
		}
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
			return
		}
	}
}
