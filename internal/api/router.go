package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)
			r.Get("/stats", s.handleDeviceStats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Patch("/", s.handleUpdateDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Get("/state", s.handleGetDeviceState)
				r.Post("/relays/{relay}", s.handleRelayCommand)
			})
		})

		r.Route("/discovery", func(r chi.Router) {
			r.Post("/start", s.handleDiscoveryStart)
			r.Post("/cancel", s.handleDiscoveryCancel)
			r.Get("/status", s.handleDiscoveryStatus)
			r.Post("/adopt", s.handleDiscoveryAdopt)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"devices": s.registry.GetDeviceCount(),
	}
	if s.bridge != nil {
		body["mqtt_connected"] = s.bridge.GetMetrics().Connected
	}
	writeJSON(w, http.StatusOK, body)
}

// handleMetrics returns bridge and registry counters.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"registry": s.registry.GetStats(),
	}
	if s.bridge != nil {
		m := s.bridge.GetMetrics()
		body["bridge"] = map[string]any{
			"connected":        m.Connected,
			"devices_managed":  m.DevicesManaged,
			"messages_handled": m.MessagesHandled,
			"state_updates":    m.StateUpdates,
			"commands_sent":    m.CommandsSent,
			"dropped_messages": m.DroppedMessages,
			"discovery_active": m.DiscoveryActive,
		}
	}
	writeJSON(w, http.StatusOK, body)
}
