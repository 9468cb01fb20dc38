package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dontdude/goclip/internal/domain"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Message types sent to WebSocket clients.
const (
	msgQueued = "queued"
	msgEvent  = "event"
	msgResult = "result"
	msgError  = "error"
)

// wsRequest is one job submitted over a WebSocket session.
type wsRequest struct {
	Texts  []string     `json:"texts"`
	Images []imageInput `json:"images"`
}

type wsMessage struct {
	Type   string                   `json:"type"`
	JobID  string                   `json:"job_id,omitempty"`
	Event  *domain.JobEvent         `json:"event,omitempty"`
	Result *domain.ResponseEnvelope `json:"result,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// session is one WebSocket connection. gorilla connections allow a single
// concurrent writer, so every write goes through send.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(msg wsMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// Hub tracks which session owns each in-flight job and forwards job events
// to it.
type Hub struct {
	handler  *Handler
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session // jobID -> owner
}

// NewHub creates a Hub submitting through h.
func NewHub(h *Handler) *Hub {
	return &Hub{
		handler: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins for dev
		},
		sessions: make(map[string]*session),
	}
}

// Run forwards job events to the owning sessions until ctx ends.
func (hub *Hub) Run(ctx context.Context) error {
	if hub.handler.events == nil {
		<-ctx.Done()
		return nil
	}

	slog.Info("Starting event forwarder...")
	events, err := hub.handler.events.SubscribeEvents(ctx)
	if err != nil {
		return err
	}

	for ev := range events {
		// The session already got its own queued message.
		if ev.Status == domain.JobQueued {
			continue
		}
		s := hub.owner(ev.JobID)
		if s == nil {
			continue
		}
		if err := s.send(wsMessage{Type: msgEvent, JobID: ev.JobID, Event: &ev}); err != nil {
			slog.Error("Failed to write to websocket", "jobID", ev.JobID, "error", err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("event subscription closed")
}

// ServeWS handles GET /api/ws. Each text message from the client is a job;
// the session receives queued, any job events, then result or error.
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	slog.Info("Client connected via WebSocket", "remoteAddr", conn.RemoteAddr())

	s := &session{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup

	defer func() {
		cancel()
		wg.Wait()
		conn.Close()
		slog.Info("Client disconnected", "remoteAddr", conn.RemoteAddr())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WebSocket read failed", "error", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.send(wsMessage{Type: msgError, Error: "invalid job request: " + err.Error()})
			continue
		}

		jobID, err := hub.start(ctx, s, req)
		if err != nil {
			s.send(wsMessage{Type: msgError, JobID: jobID, Error: err.Error()})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer hub.forget(jobID)
			hub.deliver(ctx, s, jobID)
		}()
	}
}

// start submits the job and tells the client it is queued. Events are only
// forwarded once the queued message is out, so it always comes first; events
// published before that are not delivered.
func (hub *Hub) start(ctx context.Context, s *session, req wsRequest) (string, error) {
	payloads, err := decodeImages(req.Images)
	if err != nil {
		return "", err
	}

	jobID := hub.handler.newID()
	if err := hub.handler.submit(ctx, jobID, req.Texts, payloads); err != nil {
		return jobID, err
	}
	if err := s.send(wsMessage{Type: msgQueued, JobID: jobID}); err != nil {
		slog.Warn("Failed to write to websocket", "jobID", jobID, "error", err)
	}

	hub.mu.Lock()
	hub.sessions[jobID] = s
	hub.mu.Unlock()
	return jobID, nil
}

func (hub *Hub) deliver(ctx context.Context, s *session, jobID string) {
	resp, err := hub.handler.await(ctx, jobID)
	msg := wsMessage{Type: msgResult, JobID: jobID, Result: &resp}
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, domain.ErrResultTimeout) {
			// Client went away; nobody to tell.
			return
		}
		msg = wsMessage{Type: msgError, JobID: jobID, Error: err.Error()}
	}
	if err := s.send(msg); err != nil {
		slog.Warn("Failed to write to websocket", "jobID", jobID, "error", err)
	}
}

func (hub *Hub) owner(jobID string) *session {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.sessions[jobID]
}

func (hub *Hub) forget(jobID string) {
	hub.mu.Lock()
	delete(hub.sessions, jobID)
	hub.mu.Unlock()
}
