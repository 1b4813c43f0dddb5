package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/geneflow/geneflow-go/internal/logging"
	"github.com/geneflow/geneflow-go/internal/state"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// watchHub fans store update notifications out to the watchers of each
// job. Jobs run by this process also signal through the engine hub.
type watchHub struct {
	mu      sync.Mutex
	clients map[string]map[*watchClient]bool
}

type watchClient struct {
	jobID   string
	conn    *websocket.Conn
	updates chan struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{clients: make(map[string]map[*watchClient]bool)}
}

func (h *watchHub) register(c *watchClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.jobID] == nil {
		h.clients[c.jobID] = make(map[*watchClient]bool)
	}
	h.clients[c.jobID][c] = true
	logging.Debug(component, "Watcher connected", map[string]interface{}{
		"job_id":   c.jobID,
		"watchers": len(h.clients[c.jobID]),
	})
}

func (h *watchHub) unregister(c *watchClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[c.jobID], c)
	if len(h.clients[c.jobID]) == 0 {
		delete(h.clients, c.jobID)
	}
}

// signal wakes every watcher of jobID. A watcher with a pending wake
// needs no second one.
func (h *watchHub) signal(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[jobID] {
		select {
		case c.updates <- struct{}{}:
		default:
		}
	}
}

// relay forwards store notifications until ctx ends
func (h *watchHub) relay(ctx context.Context, n state.Notifier) error {
	ids, err := n.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for id := range ids {
			h.signal(id)
		}
	}()
	return nil
}

func (s *Server) watchJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	report, err := s.engine.Status(r.Context(), jobID)
	if err != nil {
		s.sendFailure(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(component, "WebSocket upgrade failed", map[string]interface{}{
			"job_id": jobID,
			"error":  err,
		})
		return
	}

	client := &watchClient{jobID: jobID, conn: conn, updates: make(chan struct{}, 1)}
	s.watchers.register(client)
	defer s.watchers.unregister(client)

	local, unsubscribe := s.engine.Hub().Subscribe(jobID)
	defer unsubscribe()

	closed := make(chan struct{})
	go client.readPump(closed)
	client.writePump(r.Context(), s, report, local, closed)
}

// readPump drains client frames so control messages are processed, and
// closes done when the peer goes away
func (c *watchClient) readPump(done chan<- struct{}) {
	defer close(done)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug(component, "WebSocket read error", map[string]interface{}{
					"job_id": c.jobID,
					"error":  err,
				})
			}
			return
		}
	}
}

// writePump sends a fresh report on every signal and closes the stream
// once the job has settled
func (c *watchClient) writePump(ctx context.Context, s *Server, report *state.Report, local <-chan *state.Report, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		if report != nil {
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(report); err != nil {
				return
			}
			if report.Status.Terminal() && report.Job.Finished != nil {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(report.Status)))
				return
			}
			report = nil
		}

		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case <-local:
		case <-c.updates:
		}

		// hub reports share scheduler state, so read a copy from the store
		fresh, err := s.engine.Status(ctx, c.jobID)
		if err != nil {
			logging.Warn(component, "Failed to load job status", map[string]interface{}{
				"job_id": c.jobID,
				"error":  err,
			})
			continue
		}
		report = fresh
	}
}
