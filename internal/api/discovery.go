package api

import (
	"errors"
	"net/http"

	"github.com/tasmolink/tasmolink/internal/bridges/tasmota"
)

// handleDiscoveryStart opens a discovery session. Only one session can
// run at a time; the collected candidates are held until adopted or
// cancelled.
func (s *Server) handleDiscoveryStart(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeServiceUnavailable(w, "bridge not running")
		return
	}

	session, err := s.bridge.StartDiscovery(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, tasmota.ErrClientUnavailable):
			writeServiceUnavailable(w, "mqtt client not connected")
		case errors.Is(err, tasmota.ErrSessionActive):
			writeConflict(w, "discovery session already active")
		default:
			writeInternalError(w, "failed to start discovery")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": session.ID(),
		"active":     true,
	})
}

// handleDiscoveryCancel aborts the current session, discarding any
// collected candidates.
func (s *Server) handleDiscoveryCancel(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeServiceUnavailable(w, "bridge not running")
		return
	}

	if err := s.bridge.CancelDiscovery(); err != nil {
		if errors.Is(err, tasmota.ErrSessionClosed) {
			writeNotFound(w, "no active discovery session")
			return
		}
		writeInternalError(w, "failed to cancel discovery")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// handleDiscoveryStatus reports the current session, if any. When the
// session has finished, the response includes its outcome and the
// discovered devices awaiting adoption.
func (s *Server) handleDiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeServiceUnavailable(w, "bridge not running")
		return
	}

	session := s.bridge.DiscoverySession()
	if session == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	resp := map[string]any{
		"session_id": session.ID(),
		"active":     session.Active(),
	}
	if !session.Active() {
		devices, err := session.Results()
		switch {
		case errors.Is(err, tasmota.ErrNoTraffic):
			resp["outcome"] = "no_traffic"
		case errors.Is(err, tasmota.ErrNoNewDevices):
			resp["outcome"] = "no_new_devices"
		case errors.Is(err, tasmota.ErrSessionClosed):
			resp["outcome"] = "cancelled"
		case err == nil:
			resp["outcome"] = "devices_found"
		}
		resp["devices"] = devices
		resp["count"] = len(devices)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDiscoveryAdopt persists the finished session's devices and
// brings them under bridge management.
func (s *Server) handleDiscoveryAdopt(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeServiceUnavailable(w, "bridge not running")
		return
	}

	adopted, err := s.bridge.AdoptDiscoveredDevices(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, tasmota.ErrSessionClosed):
			writeNotFound(w, "no discovery session to adopt from")
		case errors.Is(err, tasmota.ErrSessionActive):
			writeConflict(w, "discovery session still running")
		default:
			writeInternalError(w, "failed to adopt discovered devices")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"adopted": adopted,
		"count":   len(adopted),
	})
}
