package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kiss96803/dotnetclub/internal/auth"
	"github.com/kiss96803/dotnetclub/internal/models"
	"github.com/kiss96803/dotnetclub/internal/services"
	"github.com/rs/zerolog/hlog"
)

// EventHandler exposes the signed-in user's account activity.
type EventHandler struct {
	service services.EventServiceProvider
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(service services.EventServiceProvider) *EventHandler {
	return &EventHandler{service: service}
}

// GetMine returns the current user's recent account events as JSON.
func (h *EventHandler) GetMine(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20 // Default limit
	}

	events, err := h.service.GetUserEvents(r.Context(), user.ID, limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("user_id", user.ID).Msg("Failed to retrieve events")
		http.Error(w, "Failed to retrieve events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}
