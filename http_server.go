package main

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/stranger-chat/config"
)

// HTTPServer wires HTTP routes to the hub.
type HTTPServer struct {
	hub      *Hub
	origins  []string
	upgrader websocket.Upgrader
}

// NewHTTPServer constructs an HTTPServer. corsOrigin is "*" or a comma
// separated list of allowed origins.
func NewHTTPServer(hub *Hub, corsOrigin string) *HTTPServer {
	s := &HTTPServer{hub: hub}
	for _, origin := range config.SplitList(corsOrigin) {
		s.origins = append(s.origins, strings.TrimRight(origin, "/"))
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowOrigin(origin)
		},
	}
	return s
}

// Router exposes the HTTP handler used for both Portal relay and local serve.
func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)
	return r
}

func (s *HTTPServer) allowOrigin(origin string) bool {
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, strings.TrimRight(origin, "/"))
}

func (s *HTTPServer) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}
	if slices.Contains(s.origins, "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowOriginFunc = func(_ *http.Request, origin string) bool { return s.allowOrigin(origin) }
	}
	return opts
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "ts": time.Now().UnixMilli()})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.hub.Stats())
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("[stranger-chat] upgrade websocket")
		return
	}

	client := NewClient(conn, s.hub)
	s.hub.register(client)

	go client.writeLoop()
	client.readLoop()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("[stranger-chat] write json response")
	}
}
