package transport

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Envelopes are small; anything larger is a protocol violation.
	maxFrameSize = 256 * 1024
)

// wireFrame is one inbound delivery on the socket.
type wireFrame struct {
	From     string `json:"from"`
	Envelope string `json:"envelope"`
}

// Listener consumes envelope deliveries from the server's WebSocket feed
// and hands them to the session manager.
type Listener struct {
	conn    *websocket.Conn
	handler EnvelopeHandler
	logger  *log.Logger
}

// Listen dials the feed and starts the read loop. The loop runs until the
// context is cancelled or the connection drops; reconnection is the caller's
// policy.
func Listen(ctx context.Context, wsURL, bearer string, handler EnvelopeHandler) (*Listener, error) {
	header := map[string][]string{"Authorization": {"Bearer " + bearer}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		conn:    conn,
		handler: handler,
		logger:  log.New(os.Stdout, "[E2EE-FEED] ", log.Ldate|log.Ltime|log.LUTC),
	}
	go l.readLoop(ctx)
	go l.pingLoop(ctx)
	return l, nil
}

// Close tears down the connection.
func (l *Listener) Close() error {
	return l.conn.Close()
}

func (l *Listener) readLoop(ctx context.Context) {
	defer l.conn.Close()
	l.conn.SetReadLimit(maxFrameSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Printf("read error: %v", err)
			}
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			l.logger.Printf("dropping malformed frame: %v", err)
			continue
		}
		l.handler(frame.From, frame.Envelope)
	}
}

func (l *Listener) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
