// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voxbridge

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// SessionRegistry is what the control surface needs from the media
// side. *UDPServer satisfies it.
type SessionRegistry interface {
	Register(ip string, port int, sessionID string) error
	Unregister(sessionID string) int
}

type registerRequest struct {
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	SessionUUID string `json:"session_uuid"`
}

type unregisterRequest struct {
	SessionUUID string `json:"session_uuid"`
}

// NewRegistrarHandler exposes session registration over HTTP. The call
// control plane announces each externalMedia leg here before RTP
// starts flowing.
func NewRegistrarHandler(reg SessionRegistry, log zerolog.Logger) http.Handler {
	h := &registrar{reg: reg, log: log.With().Str("caller", "registrar").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/register", h.register)
	r.Post("/unregister", h.unregister)
	return r
}

type registrar struct {
	reg SessionRegistry
	log zerolog.Logger
}

func (h *registrar) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}
	if req.IP == "" || req.Port == 0 || req.SessionUUID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "Missing required fields: ip, port, session_uuid",
		})
		return
	}

	if err := h.reg.Register(req.IP, req.Port, req.SessionUUID); err != nil {
		h.log.Error().Err(err).Str("session", shortID(req.SessionUUID)).Msg("Register failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "registered",
		"ip":           req.IP,
		"port":         req.Port,
		"session_uuid": req.SessionUUID,
	})
}

func (h *registrar) unregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}
	if req.SessionUUID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "Missing required field: session_uuid",
		})
		return
	}

	removed := h.reg.Unregister(req.SessionUUID)
	if removed == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "Session not found: " + req.SessionUUID,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "unregistered",
		"session_uuid":  req.SessionUUID,
		"removed_count": removed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
