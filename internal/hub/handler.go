package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/w0ne23/MultiFlexer/internal/config"
	"github.com/w0ne23/MultiFlexer/internal/origin"
	"github.com/w0ne23/MultiFlexer/internal/ratelimit"
	"github.com/w0ne23/MultiFlexer/internal/wire"
)

// Handler exposes the hub over HTTP: the websocket signaling endpoint and the
// best-effort leave beacon.
type Handler struct {
	hub   *Hub
	log   *slog.Logger
	cfg   config.Config
	clock ratelimit.Clock

	upgrader websocket.Upgrader
}

func NewHandler(h *Hub, logger *slog.Logger, cfg config.Config) *Handler {
	hd := &Handler{
		hub:   h,
		log:   logger,
		cfg:   cfg,
		clock: ratelimit.RealClock{},
	}
	hd.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				// Non-browser clients (the receiver process) send no Origin.
				return true
			}
			normalized, host, ok := origin.NormalizeHeader(originHeader)
			return ok && origin.IsAllowed(normalized, host, r.Host, cfg.AllowedOrigins)
		},
	}
	return hd
}

// ServeWS upgrades the connection and starts the client pumps. Registration
// happens before the pumps so the hub sees the client first.
func (hd *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hd.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hd.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	c := &Client{
		hub:        hd.hub,
		conn:       conn,
		log:        hd.log,
		id:         uuid.NewString(),
		remoteAddr: r.RemoteAddr,
		limiter: ratelimit.NewTokenBucket(hd.clock,
			int64(hd.cfg.MaxSignalingMessagesPerSecond),
			int64(hd.cfg.MaxSignalingMessagesPerSecond)),
		send:         make(chan wire.Message, sendQueueSize),
		readLimit:    hd.cfg.MaxSignalingMessageBytes,
		idleTimeout:  hd.cfg.SignalingWSIdleTimeout,
		pingInterval: hd.cfg.SignalingWSPingInterval,
	}

	hd.hub.register <- c
	go c.writePump()
	go c.readPump()
}

// HandleLeft is the POST /api/left beacon: removes a sender by id or name.
// Always 204; a missing sender is a no-op.
func (hd *Handler) HandleLeft(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SID  string `json:"sid,omitempty"`
		Name string `json:"name,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		if body.SID != "" {
			hd.hub.Leave(body.SID)
		} else if body.Name != "" {
			hd.hub.Leave(body.Name)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
