// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"time"
)

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]componentHealth `json:"components"`
}

// Health handles GET /health. The response is 200 even when a component is
// down; callers read the status field.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := make(map[string]componentHealth, 3)
	status := "ok"

	if err := h.store.Ping(ctx); err != nil {
		components["storage"] = componentHealth{Status: "unhealthy", Error: err.Error()}
		status = "degraded"
	} else {
		components["storage"] = componentHealth{Status: "ok"}
	}

	if _, err := h.keys.PublicKeys(ctx); err != nil {
		components["keys"] = componentHealth{Status: "unhealthy", Error: err.Error()}
		status = "degraded"
	} else {
		components["keys"] = componentHealth{Status: "ok"}
	}

	components["sessions"] = componentHealth{Status: "ok"}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	})
}
