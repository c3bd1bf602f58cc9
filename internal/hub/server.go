package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/bingohall/backend/internal/health"
	"github.com/bingohall/backend/internal/store"
)

// Server exposes the gateway websocket endpoint and the small HTTP API the
// consoles use for out-of-band reads.
type Server struct {
	hub            *Hub
	store          *store.Store
	reporter       *health.Reporter
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(h *Hub, st *store.Store, reporter *health.Reporter, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		hub:            h,
		store:          st,
		reporter:       reporter,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/realtime", s.handleRealtime)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade error: %v", err)
		return
	}

	c := s.hub.addClient(conn)
	if c == nil {
		log.Printf("hub: connection limit reached, rejecting %s", r.RemoteAddr)
		conn.Close()
		return
	}
	log.Printf("hub: client %s connected from %s", c.id, r.RemoteAddr)

	go s.readLoop(c, r.RemoteAddr)
}

func (s *Server) readLoop(c *client, remote string) {
	defer func() {
		s.hub.removeClient(c)
		log.Printf("hub: client %s disconnected (%s)", c.id, remote)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(c, Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		s.handleFrame(c, frame)
	}
}

func (s *Server) handleFrame(c *client, frame Frame) {
	switch frame.Type {
	case FrameSubscribe:
		if frame.Topic == "" {
			s.reply(c, Frame{Type: FrameError, Ref: frame.Ref, Error: "topic required"})
			return
		}
		s.hub.subscribe(c, frame.Topic)
		s.reply(c, Frame{Type: FrameSubscribed, Topic: frame.Topic, Ref: frame.Ref})
	case FrameUnsubscribe:
		s.hub.unsubscribe(c, frame.Topic)
		s.reply(c, Frame{Type: FrameAck, Topic: frame.Topic, Ref: frame.Ref})
	case FrameBroadcast:
		s.hub.broadcast(c, frame)
		if frame.Ref != 0 {
			s.reply(c, Frame{Type: FrameAck, Topic: frame.Topic, Ref: frame.Ref})
		}
	case FrameTrack:
		s.hub.track(c, frame.Topic, frame.Payload)
		if frame.Ref != 0 {
			s.reply(c, Frame{Type: FrameAck, Topic: frame.Topic, Ref: frame.Ref})
		}
	default:
		s.reply(c, Frame{Type: FrameError, Ref: frame.Ref, Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
	}
}

func (s *Server) reply(c *client, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("hub: reply marshal error: %v", err)
		return
	}
	if !c.enqueue(data) {
		log.Printf("hub: client %s too slow on reply, disconnecting", c.id)
		s.hub.removeClient(c)
	}
}

// handleSessionRoutes serves GET /api/sessions/{id} with the authoritative
// session progress, the same read the reconciler performs.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID, err := url.PathUnescape(strings.TrimSuffix(path, "/"))
	if err != nil || sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	progress, err := s.store.ReadSessionProgress(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		log.Printf("hub: session progress read failed: %v", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(progress)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		http.Error(w, "health not available", http.StatusServiceUnavailable)
		return
	}

	snap := s.reporter.Snapshot()
	snap.ConnectedClients = s.hub.ClientCount()
	snap.LiveTopics = s.hub.TopicCount()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Bingohall-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Gateway listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
