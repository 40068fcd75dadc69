package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tasmolink/tasmolink/internal/bridges/tasmota"
	"github.com/tasmolink/tasmolink/internal/device"
)

// handleListDevices returns all devices, with optional query filters.
//
// Query parameters:
//   - profile: filter by device profile (single_relay, generic_sensor, ...)
//   - availability: filter by availability (init, available, unavailable)
//   - capability: filter by capability (onoff, measure_temperature, ...)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if profile := r.URL.Query().Get("profile"); profile != "" {
		devices, err := s.registry.GetDevicesByProfile(ctx, device.Profile(profile))
		if err != nil {
			writeInternalError(w, "failed to list devices")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	if availability := r.URL.Query().Get("availability"); availability != "" {
		devices, err := s.registry.GetDevicesByAvailability(ctx, device.Availability(availability))
		if err != nil {
			writeInternalError(w, "failed to list devices")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	if capability := r.URL.Query().Get("capability"); capability != "" {
		devices, err := s.registry.GetDevicesByCapability(ctx, device.Capability(capability))
		if err != nil {
			writeInternalError(w, "failed to list devices")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	devices, err := s.registry.ListDevices(ctx)
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleCreateDevice registers a device manually, outside a discovery
// session. The new device comes under bridge management immediately.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var dev device.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.registry.CreateDevice(r.Context(), &dev); err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceExists):
			writeConflict(w, "device topic already registered")
		case isValidationError(err):
			writeBadRequest(w, err.Error())
		default:
			writeInternalError(w, "failed to create device")
		}
		return
	}

	if s.bridge != nil {
		s.bridge.ReloadDevices(r.Context())
	}
	writeJSON(w, http.StatusCreated, dev)
}

// handleUpdateDevice partially updates a device. Addressing changes
// restart the device's availability lifecycle.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	if err := json.NewDecoder(r.Body).Decode(existing); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	existing.ID = id // ID cannot be changed

	if err := s.registry.UpdateDevice(r.Context(), existing); err != nil {
		if isValidationError(err) {
			writeBadRequest(w, err.Error())
			return
		}
		if errors.Is(err, device.ErrDeviceExists) {
			writeConflict(w, err.Error())
			return
		}
		writeInternalError(w, "failed to update device")
		return
	}

	if s.bridge != nil {
		s.bridge.ReloadDevices(r.Context())
	}
	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteDevice removes a device by ID.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.DeleteDevice(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to delete device")
		return
	}

	if s.bridge != nil {
		s.bridge.ReloadDevices(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceStats returns device registry statistics.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetStats())
}

// handleGetDeviceState returns the last known capability values of a device.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":    dev.ID,
		"state":        dev.State,
		"availability": dev.Availability,
		"last_seen":    dev.LastSeen,
	})
}

// RelayCommand is the request body for a relay command.
type RelayCommand struct {
	Action string `json:"action"`
}

// handleRelayCommand publishes a POWER command for one relay. The command
// is fire-and-forget: 202 Accepted means it was published, the resulting
// state change arrives through the device's stat topic.
func (s *Server) handleRelayCommand(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeServiceUnavailable(w, "bridge not running")
		return
	}

	id := chi.URLParam(r, "id")
	relay, err := strconv.Atoi(chi.URLParam(r, "relay"))
	if err != nil || relay < 1 {
		writeBadRequest(w, "relay must be a positive integer")
		return
	}

	var cmd RelayCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	action := strings.ToUpper(cmd.Action)
	if action != tasmota.RelayOn && action != tasmota.RelayOff && action != tasmota.RelayToggle {
		writeBadRequest(w, "action must be ON, OFF or TOGGLE")
		return
	}

	if err := s.bridge.SendRelayCommand(r.Context(), id, relay, action); err != nil {
		switch {
		case errors.Is(err, tasmota.ErrDeviceNotFound):
			writeNotFound(w, "device not managed by bridge")
		case errors.Is(err, tasmota.ErrInvalidRelay):
			writeBadRequest(w, err.Error())
		default:
			writeInternalError(w, "failed to send relay command")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": id,
		"relay":     relay,
		"action":    action,
	})
}
