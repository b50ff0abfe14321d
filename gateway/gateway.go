// Package gateway exposes a small HTTP surface over a running client
// session, for dashboards and tooling on the same host.
//
// Routes:
//
//	GET  /api/v1/nodes        — list known nodes
//	GET  /api/v1/nodes/{id}   — single node detail
//	GET  /api/v1/channels     — device channel table
//	GET  /api/v1/messages     — text message history
//	POST /api/v1/messages     — send a text message
//	GET  /api/v1/files        — device filesystem listing
//	GET  /api/v1/status       — session health
//	GET  /api/v1/events       — WebSocket live event stream
package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshcommons/meshradio/client"
	"github.com/meshcommons/meshradio/events"
	"github.com/meshcommons/meshradio/store"
	"github.com/meshcommons/meshradio/wire"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	c   *client.Client
	db  *store.DB // optional; nil disables message history
	bus *events.Bus
	log *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns an http.Handler.
func NewRouter(c *client.Client, db *store.DB, bus *events.Bus, log *zap.Logger) http.Handler {
	s := &Server{c: c, db: db, bus: bus, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/nodes", s.listNodes)
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.getNode)
	mux.HandleFunc("GET /api/v1/channels", s.listChannels)
	mux.HandleFunc("GET /api/v1/messages", s.listMessages)
	mux.HandleFunc("POST /api/v1/messages", s.sendMessage)
	mux.HandleFunc("GET /api/v1/files", s.listFiles)
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Nodes ─────────────────────────────────────────────────────────────────

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.c.Nodes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	num, err := wire.ParseNodeID(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}
	node, ok := s.c.GetNode(num)
	if !ok {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// ── Channels ──────────────────────────────────────────────────────────────

type channelView struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Psk   string `json:"psk"`
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	var out []channelView
	for _, ch := range s.c.Channels() {
		v := channelView{
			Index: int(ch.Index),
			Role:  ch.Role.String(),
			Psk:   wire.PskString(nil),
		}
		if ch.Settings != nil {
			v.Name = ch.Settings.Name
			v.Psk = wire.PskString(ch.Settings.Psk)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": out})
}

// ── Messages ──────────────────────────────────────────────────────────────

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "message history disabled", http.StatusNotImplemented)
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msgs, err := s.db.ListMessages(limit)
	if err != nil {
		s.log.Error("gateway: list messages", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type sendMessageRequest struct {
	Text    string `json:"text"`
	Channel uint32 `json:"channel"`
	To      string `json:"to"`
	WantAck bool   `json:"want_ack"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}
	id, err := s.c.SendText(req.Text, req.To, req.Channel, req.WantAck)
	if err != nil {
		if errors.Is(err, client.ErrNotConnected) {
			http.Error(w, "device not connected", http.StatusServiceUnavailable)
			return
		}
		s.log.Error("gateway: send message", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"packet_id": id,
		"status":    "sent",
	})
}

// ── Files ─────────────────────────────────────────────────────────────────

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	files := s.c.ListFiles()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"count": len(files),
	})
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"state":       s.c.State().String(),
		"time":        time.Now().UTC().Format(time.RFC3339),
		"node_count":  len(s.c.Nodes()),
		"subscribers": s.bus.Len(),
	}
	if mi := s.c.MyInfo(); mi != nil {
		resp["node_id"] = wire.NodeID(mi.MyNodeNum)
		resp["firmware"] = mi.FirmwareVersion
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("gateway: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("gateway",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer does not support hijacking")
	}
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
