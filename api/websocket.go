package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/botts7/visual-mapper-addon-sub002/models"
	"github.com/botts7/visual-mapper-addon-sub002/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 54 seconds

	// Per-viewer send buffer. A full buffer means the viewer is behind;
	// the distribution loop drops the frame instead of queueing.
	viewerSendBuffer = 8

	// Max companion push message (header + JPEG payload).
	companionReadLimit = 8 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 512 * 1024, // JPEG frames
}

// viewerClient adapts a websocket connection to service.FrameSender.
type viewerClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// SendFrame hands a frame to the write pump without blocking. Returns false
// when the buffer is full; the caller drops the frame.
func (c *viewerClient) SendFrame(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// HandleViewerWS upgrades a viewer connection and subscribes it to a device
// at the quality preset from the query string (unknown names fall back to
// medium). Blocks until the viewer disconnects.
func HandleViewerWS(hub *service.CaptureHub, c *gin.Context) {
	deviceID := c.Param("device_id")
	preset := service.PresetByName(c.Query("quality"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &viewerClient{
		conn: conn,
		send: make(chan []byte, viewerSendBuffer),
		done: make(chan struct{}),
	}
	sub := hub.Subscribe(deviceID, preset, client)

	go client.writePump()
	client.readPump()

	// Viewer went away: stop the distribution loop first, then the writer.
	hub.Unsubscribe(sub)
	close(client.done)
	conn.Close()
}

// readPump drains the connection until it closes. Viewers send nothing the
// server acts on; this exists for close and pong handling.
func (c *viewerClient) readPump() {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Viewer WebSocket error: %v", err)
			}
			return
		}
	}
}

// writePump pushes frames and pings to the viewer.
func (c *viewerClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleCompanionWS upgrades a companion app connection and feeds its binary
// frame messages into the stream registry. One active registration per
// device; a second connection is rejected with 409. While the companion is
// connected the ADB poll loop for the device stays stopped.
func HandleCompanionWS(registry *service.StreamRegistry, hub *service.CaptureHub, captures *service.CaptureService, c *gin.Context) {
	deviceID := c.Param("device_id")

	if !registry.RegisterDevice(deviceID) {
		c.JSON(http.StatusConflict, models.ErrorResponse("device already has an active companion stream: "+deviceID))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		registry.UnregisterDevice(deviceID)
		log.Printf("Companion upgrade failed: %v", err)
		return
	}

	// Companion push takes over from the poll loop for this device.
	captures.StopCapture(deviceID)
	registry.SetFrameSink(deviceID, hub)

	defer func() {
		registry.UnregisterDevice(deviceID)
		conn.Close()
	}()

	// A half-open companion must not hold the registration forever: the
	// read deadline is refreshed by pongs and by every frame, and a peer
	// that answers neither gets torn down, freeing the device for a fresh
	// registration.
	conn.SetReadLimit(companionReadLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️ [%s] Companion read error: %v", deviceID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.BinaryMessage {
			continue
		}
		registry.ReceiveFrame(deviceID, message)
	}
}
