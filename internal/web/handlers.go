package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/denisyuji/hdmi-usb/internal/service"
)

const (
	defaultAcquisitionLimit = 50
	maxAcquisitionLimit     = 500

	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "web-server",
	})
}

// handleStatus summarises the daemon in one response
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	resp := gin.H{
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"device_opens":   s.sessions.DeviceOpens(),
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if s.rtspURL != "" {
		resp["rtsp_url"] = s.rtspURL
	}

	if info, ok := s.sessions.CurrentInfo(); ok {
		resp["status"] = info.State.String()
		resp["session_id"] = info.ID
	} else {
		resp["status"] = "idle"
	}

	if last := s.sessions.LastPacket(); !last.IsZero() {
		resp["last_packet"] = last.Format(time.RFC3339Nano)
	}

	c.JSON(http.StatusOK, resp)
}

// handleSession returns the live capture session
func (s *Server) handleSession(c *gin.Context) {
	info, ok := s.sessions.CurrentInfo()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No capture session"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleConsumers lists attached consumers, optionally filtered by kind
func (s *Server) handleConsumers(c *gin.Context) {
	kind := c.Query("kind")

	consumers := s.sessions.Consumers()
	out := consumers[:0]
	for _, ci := range consumers {
		if kind != "" && string(ci.Kind) != kind {
			continue
		}
		out = append(out, ci)
	}

	c.JSON(http.StatusOK, gin.H{
		"consumers": out,
		"count":     len(out),
	})
}

// handleDevice returns the discovered capture node
func (s *Server) handleDevice(c *gin.Context) {
	s.mu.RLock()
	d := s.discovery
	audio := s.audio
	s.mu.RUnlock()

	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No device discovered"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"path":         d.Candidate.Path,
		"group":        d.Candidate.Group,
		"capabilities": d.Candidate.Capabilities,
		"state":        d.Candidate.State.String(),
		"verified":     d.Verified,
		"attempts":     d.Attempts,
		"probes":       d.Probes,
		"audio":        audio,
	})
}

// handleAcquisitions returns the persisted session history
func (s *Server) handleAcquisitions(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "State database not available"})
		return
	}

	limit := defaultAcquisitionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		if n > maxAcquisitionLimit {
			n = maxAcquisitionLimit
		}
		limit = n
	}

	acquisitions, err := s.history.ListAcquisitions(c.Request.Context(), limit)
	if err != nil {
		s.LogError("Failed to list acquisitions", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list acquisitions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"acquisitions": acquisitions,
		"count":        len(acquisitions),
	})
}

// handleOwnerships returns the recorded device owners
func (s *Server) handleOwnerships(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "State database not available"})
		return
	}

	owners, err := s.history.ListOwnerships(c.Request.Context())
	if err != nil {
		s.LogError("Failed to list ownerships", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list ownerships"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ownerships": owners,
		"count":      len(owners),
	})
}

// handleEventStream upgrades to a websocket and forwards bus events as
// JSON messages until either side goes away. The optional "type" query
// parameter limits the stream to one event type.
func (s *Server) handleEventStream(c *gin.Context) {
	bus := s.GetEventBus()
	if bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event bus not available"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.LogDebug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var events <-chan service.Event
	if filter := service.EventType(c.Query("type")); filter != "" {
		events = bus.Subscribe(filter)
		defer bus.Unsubscribe(filter, events)
	} else {
		events = bus.SubscribeAll()
		defer bus.UnsubscribeAll(events)
	}

	s.LogDebug("Event stream client connected", "remote", conn.RemoteAddr().String())

	// the read side only services control frames and notices the close
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
