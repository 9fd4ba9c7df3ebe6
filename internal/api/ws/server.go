// Package ws hosts the engine's external surface: a WebSocket event intake
// plus small HTTP endpoints for liveness and timeline reads. The gateway
// validates frame shape and routes; all game logic stays in the engine.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Xziver/dg-core/internal/engine"
	"github.com/Xziver/dg-core/internal/storage"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
)

// Server routes envelopes from WebSocket clients into the dispatcher and
// serves timeline reads over plain HTTP.
type Server struct {
	dispatcher *engine.Dispatcher
	timeline   storage.TimelineReader
	log        *log.Logger

	upgrader websocket.Upgrader
}

// NewServer builds a gateway around a dispatcher and a timeline reader.
func NewServer(dispatcher *engine.Dispatcher, timeline storage.TimelineReader, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		dispatcher: dispatcher,
		timeline:   timeline,
		log:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/timeline", s.handleTimeline)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.timeline.Timeline(r.Context(), sessionID, limit, offset)
	if err != nil {
		s.log.Printf("op=timeline session_id=%s err=%v", sessionID, err)
		http.Error(w, "timeline read failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"entries": entries}); err != nil {
		s.log.Printf("op=timeline session_id=%s err=%v", sessionID, err)
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return value, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		response, fatal := s.handleFrame(r.Context(), msg)
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, response); err != nil {
			return
		}
		if fatal {
			return
		}
	}
}

// handleFrame resolves one client frame into a response frame. The second
// return is true when the connection should close: only infra faults are
// fatal, every rules-level rejection comes back as a failed result.
func (s *Server) handleFrame(ctx context.Context, msg []byte) ([]byte, bool) {
	var loose any
	if err := json.Unmarshal(msg, &loose); err != nil {
		return failureFrame("", engine.NewError(engine.CodeEventInvalidPayload,
			"frame is not valid JSON")), false
	}
	if err := envelopeSchema.Validate(loose); err != nil {
		return failureFrame("", engine.NewError(engine.CodeEventInvalidPayload, err.Error())), false
	}

	var env engine.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return failureFrame("", engine.NewError(engine.CodeEventInvalidPayload,
			"frame does not decode into an envelope")), false
	}

	result, err := s.dispatcher.Process(ctx, env)
	if err != nil {
		s.log.Printf("op=ws_process kind=%s game_id=%s err=%v", env.Kind, env.GameID, err)
		frame, merr := json.Marshal(map[string]any{"error": "internal engine fault"})
		if merr != nil {
			frame = []byte(`{"error":"internal engine fault"}`)
		}
		return frame, true
	}

	frame, err := json.Marshal(result)
	if err != nil {
		s.log.Printf("op=ws_encode kind=%s err=%v", env.Kind, err)
		return []byte(`{"error":"internal engine fault"}`), true
	}
	return frame, false
}

func failureFrame(kind engine.Kind, engErr *engine.Error) []byte {
	frame, err := json.Marshal(engine.Failure(kind, engErr))
	if err != nil {
		return []byte(`{"success":false}`)
	}
	return frame
}
