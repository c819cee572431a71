// Package server exposes a hub over HTTP: the websocket event stream at /ws and read-only JSON views of the console
// and its presets.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/cuemix/pkg/hub"
	"github.com/astromechza/cuemix/pkg/preset"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type Server struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

func New(h *hub.Hub) *Server {
	return &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients are tablets on the stage network, served from anywhere
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the router with request logging applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.serveWebsocket)
	r.Methods(http.MethodGet).Path("/state").HandlerFunc(s.getState)
	r.Methods(http.MethodGet).Path("/presets").HandlerFunc(s.listPresets)
	r.Methods(http.MethodGet).Path("/presets/{name}").HandlerFunc(s.getPreset)
	return r
}

func writeJSON(writer http.ResponseWriter, value interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) getState(writer http.ResponseWriter, request *http.Request) {
	st, err := s.hub.Snapshot(request.Context())
	if err != nil {
		slog.Error("failed to snapshot", "err", err)
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(writer, st)
}

func (s *Server) listPresets(writer http.ResponseWriter, request *http.Request) {
	names, err := s.hub.Presets(request.Context())
	if err != nil {
		slog.Error("failed to list presets", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, names)
}

func (s *Server) getPreset(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	st, err := s.hub.ReadPreset(request.Context(), vars["name"])
	if err != nil {
		if errors.Is(err, preset.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		} else if errors.Is(err, hub.ErrPersistTimeout) {
			slog.Error("timed out loading preset", "name", vars["name"], "err", err)
			writer.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		slog.Error("failed to load preset", "name", vars["name"], "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, st)
}
