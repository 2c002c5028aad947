package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aprio-one/converge/pkg/contracts"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
}

// watchFrame is the wire envelope on the watch socket. Events flow out,
// control acks and errors answer inbound control messages. A client that
// resumes re-sends since_seq and deduplicates by event seq.
type watchFrame struct {
	Frame    string                   `json:"frame"` // event | snapshot | ack | error
	Event    *contracts.Event         `json:"event,omitempty"`
	Snapshot []contracts.ContextEntry `json:"snapshot,omitempty"`
	Control  string                   `json:"control_type,omitempty"`
	Detail   string                   `json:"detail,omitempty"`
}

// wsConn serializes writes. gorilla/websocket permits one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// handleWatch upgrades to a websocket carrying both directions: every ledger
// append streams out as an event frame, and control messages arrive inline
// but are routed to the same control path as POST /control. The socket is
// transport only; dropping it loses no run state.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.manager.Status(r.Context(), runID); err != nil {
		WriteDomainError(w, err)
		return
	}

	var sinceSeq uint64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			WriteBadRequest(w, "invalid since_seq")
			return
		}
		sinceSeq = parsed
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	// Subscribe before replaying so the boundary overlaps instead of gaps.
	// Live events at or below the replayed head are filtered by seq.
	sub := s.hub.Subscribe(runID)
	defer sub.Close()

	lastSent, err := s.replay(r, ws, runID, sinceSeq)
	if err != nil {
		s.logger.Warn("watch replay failed", "run_id", runID, "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events() {
			if ev.Seq <= lastSent {
				continue
			}
			if err := ws.send(watchFrame{Frame: "event", Event: &ev}); err != nil {
				return
			}
		}
		// The channel also closes on a clean disconnect; only a hub drop
		// warrants telling the client to resume.
		if sub.Dropped() {
			_ = ws.send(watchFrame{Frame: "error", Detail: "stream lagged, resume with since_seq"})
		}
	}()

	s.readControls(r, ws, runID)
	sub.Close()
	<-done
}

func (s *Server) replay(r *http.Request, ws *wsConn, runID string, sinceSeq uint64) (uint64, error) {
	events, snap, err := s.hub.Resume(r.Context(), runID, sinceSeq)
	if err != nil {
		return 0, err
	}
	lastSent := sinceSeq
	if snap != nil {
		if err := ws.send(watchFrame{Frame: "snapshot", Snapshot: snap.Entries}); err != nil {
			return 0, err
		}
		lastSent = snap.LastSeq
	}
	for i := range events {
		if err := ws.send(watchFrame{Frame: "event", Event: &events[i]}); err != nil {
			return 0, err
		}
		lastSent = events[i].Seq
	}
	return lastSent, nil
}

// readControls pumps inbound control messages until the client disconnects.
// Each message goes through the same schema validation and manager path as
// the HTTP control endpoint.
func (s *Server) readControls(r *http.Request, ws *wsConn, runID string) {
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := s.decodeControl(runID, json.NewDecoder(bytes.NewReader(data)))
		if err != nil {
			if sendErr := ws.send(watchFrame{Frame: "error", Detail: err.Error()}); sendErr != nil {
				return
			}
			continue
		}

		if err := s.manager.Control(r.Context(), msg); err != nil {
			if sendErr := ws.send(watchFrame{Frame: "error", Control: string(msg.ControlType), Detail: err.Error()}); sendErr != nil {
				return
			}
			continue
		}

		if err := ws.send(watchFrame{Frame: "ack", Control: string(msg.ControlType)}); err != nil {
			return
		}
	}
}
