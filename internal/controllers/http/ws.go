package httpctrl

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 2 * time.Second

// hub tracks websocket clients. All writes go through it so each
// connection has a single writer.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	log     *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{clients: map[*websocket.Conn]struct{}{}, log: log}
}

func (h *hub) add(ws *websocket.Conn) {
	h.mu.Lock()
	h.clients[ws] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, ws)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) send(ws *websocket.Conn, pm *websocket.PreparedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeLocked(ws, pm)
}

func (h *hub) broadcast(pm *websocket.PreparedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ws := range h.clients {
		h.writeLocked(ws, pm)
	}
}

func (h *hub) writeLocked(ws *websocket.Conn, pm *websocket.PreparedMessage) {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := ws.WritePreparedMessage(pm); err != nil {
		h.log.Warn("websocket write failed", "err", err)
		ws.Close()
		delete(h.clients, ws)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ws := range h.clients {
		ws.Close()
		delete(h.clients, ws)
	}
}

// wsCommand is what clients may send over the socket.
type wsCommand struct {
	Command string `json:"command"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	s.hub.add(ws)
	defer func() {
		s.hub.remove(ws)
		ws.Close()
	}()

	if pm, err := s.prepareSnapshot(); err == nil {
		s.hub.send(ws, pm)
	}

	for {
		var cmd wsCommand
		if err := ws.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read ended", "err", err)
			}
			return
		}
		if !s.applyCommand(cmd.Command) {
			s.log.Debug("unknown websocket command", "command", cmd.Command)
			continue
		}
		if pm, err := s.prepareSnapshot(); err == nil {
			s.hub.broadcast(pm)
		}
	}
}

func (s *Server) applyCommand(cmd string) bool {
	switch cmd {
	case "refresh":
	case "toggle_heating":
		s.svc.ToggleHeating()
	case "toggle_timer":
		s.svc.ToggleTimer()
	case "toggle_light":
		s.svc.ToggleLight()
	case "start_autotune":
		if _, err := s.svc.StartAutoTune(); err != nil {
			s.log.Warn("auto-tune not started", "err", err)
		}
	case "abort_autotune":
		s.svc.AbortAutoTune()
	default:
		return false
	}
	return true
}

func (s *Server) prepareSnapshot() (*websocket.PreparedMessage, error) {
	data, err := json.Marshal(s.dto(s.svc.Get()))
	if err != nil {
		return nil, err
	}
	return websocket.NewPreparedMessage(websocket.TextMessage, data)
}

func (s *Server) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.count() == 0 {
				continue
			}
			pm, err := s.prepareSnapshot()
			if err != nil {
				s.log.Error("prepare snapshot failed", "err", err)
				continue
			}
			s.hub.broadcast(pm)
		}
	}
}
