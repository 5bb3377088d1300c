// Package feed streams ledger activity to websocket clients.
//
// Every verification result, merge record, archive export and replication
// change is published as one JSON message. The feed is best-effort: a
// message published while no client is connected is dropped, and a client
// that cannot keep up is disconnected. History lives in the store, not here.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctrlai/ledger/internal/audit"
	"github.com/ctrlai/ledger/internal/verifier"
)

// Message types.
const (
	TypeVerification = "verification"
	TypeMerge        = "merge"
	TypeExport       = "export"
	TypeReplication  = "replication"
	TypeJob          = "job"
)

const (
	broadcastBuffer = 256
	clientBuffer    = 64
	writeWait       = 10 * time.Second
)

// Message is the envelope written to clients.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// VerificationData is the payload of a verification message.
type VerificationData struct {
	Trigger string          `json:"trigger"`
	From    time.Time       `json:"from,omitempty"`
	To      time.Time       `json:"to,omitempty"`
	Result  verifier.Result `json:"result"`
}

// JobData is the payload of a job message.
type JobData struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Hub fans messages out to connected clients. A single goroutine (Run) owns
// the client set; everything else talks to it over channels.
type Hub struct {
	clients      map[*client]bool
	broadcastCh  chan []byte
	registerCh   chan *client
	unregisterCh chan *client
	done         chan struct{}
	count        atomic.Int64
	now          func() time.Time

	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a hub. Call Run before serving clients.
func New() *Hub {
	return &Hub{
		clients:      make(map[*client]bool),
		broadcastCh:  make(chan []byte, broadcastBuffer),
		registerCh:   make(chan *client),
		unregisterCh: make(chan *client),
		done:         make(chan struct{}),
		now:          func() time.Time { return time.Now().UTC() },
		upgrader: websocket.Upgrader{
			// Read-only feed on the loopback admin port.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run is the hub event loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			h.drop(c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.registerCh:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			slog.Debug("feed client connected", "total", len(h.clients))

		case c := <-h.unregisterCh:
			if h.clients[c] {
				h.drop(c)
				slog.Debug("feed client disconnected", "total", len(h.clients))
			}

		case msg := <-h.broadcastCh:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client.
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Publish queues a message for every connected client. It never blocks; when
// the broadcast buffer is full the message is dropped.
func (h *Hub) Publish(typ string, data any) {
	msg, err := json.Marshal(Message{Type: typ, Time: h.now(), Data: data})
	if err != nil {
		slog.Error("failed to marshal feed message", "type", typ, "error", err)
		return
	}
	select {
	case h.broadcastCh <- msg:
	default:
		slog.Debug("feed buffer full, message dropped", "type", typ)
	}
}

// Verification publishes a verification result.
func (h *Hub) Verification(trigger string, r audit.Range, res verifier.Result) {
	h.Publish(TypeVerification, VerificationData{Trigger: trigger, From: r.From, To: r.To, Result: res})
}

// Merge publishes a merge record.
func (h *Hub) Merge(rec audit.MergeRecord) { h.Publish(TypeMerge, rec) }

// Export publishes a newly written archive.
func (h *Hub) Export(a audit.ArchiveMetadata) { h.Publish(TypeExport, a) }

// Replication publishes an archive whose replication status changed.
func (h *Hub) Replication(a audit.ArchiveMetadata) { h.Publish(TypeReplication, a) }

// Job publishes the outcome of a scheduled job run.
func (h *Hub) Job(name string, took time.Duration, err error) {
	d := JobData{Name: name, Duration: took}
	if err != nil {
		d.Error = err.Error()
	}
	h.Publish(TypeJob, d)
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("feed websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.registerCh <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

// writePump sends queued messages until the hub closes the send channel.
func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// readPump discards client input and unregisters on disconnect.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregisterCh <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
