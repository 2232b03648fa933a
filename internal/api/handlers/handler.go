package handlers

import (
	"net/http"

	"github.com/kiss96803/dotnetclub/internal/auth"
	"github.com/kiss96803/dotnetclub/internal/views"
	"github.com/rs/zerolog/hlog"
)

// pageData fills in the parts of views.Data every page needs.
func pageData(r *http.Request, title string) views.Data {
	data := views.Data{
		Title:     title,
		CSRFField: auth.AntiForgeryFormField,
		CSRFToken: auth.FormToken(r.Context()),
	}
	if user, ok := auth.UserFromContext(r.Context()); ok {
		data.User = &user
	}
	return data
}

func render(w http.ResponseWriter, r *http.Request, v *views.Renderer, status int, page string, data views.Data) {
	if err := v.Render(w, status, page, data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("page", page).Msg("Failed to render page")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
