package handlers

import (
	"errors"
	"net/http"

	"github.com/kiss96803/dotnetclub/internal/auth"
	"github.com/kiss96803/dotnetclub/internal/services"
	"github.com/kiss96803/dotnetclub/internal/views"
	"github.com/rs/zerolog/hlog"
)

const homeTopicLimit = 20

// TopicHandler serves the home page and topic creation.
type TopicHandler struct {
	service services.TopicServiceProvider
	views   *views.Renderer
}

// NewTopicHandler creates a new TopicHandler.
func NewTopicHandler(service services.TopicServiceProvider, v *views.Renderer) *TopicHandler {
	return &TopicHandler{service: service, views: v}
}

// Home lists the newest topics.
func (h *TopicHandler) Home(w http.ResponseWriter, r *http.Request) {
	topics, err := h.service.GetRecentTopics(r.Context(), homeTopicLimit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to retrieve topics")
		http.Error(w, "Failed to retrieve topics", http.StatusInternalServerError)
		return
	}
	data := pageData(r, "首页")
	data.Topics = topics
	render(w, r, h.views, http.StatusOK, views.PageHome, data)
}

// ShowCreate renders the new-topic form. Requires a signed-in user.
func (h *TopicHandler) ShowCreate(w http.ResponseWriter, r *http.Request) {
	render(w, r, h.views, http.StatusOK, views.PageTopicCreate, pageData(r, "发表新话题"))
}

// Create stores a topic for the signed-in user.
func (h *TopicHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, auth.SignInPath, http.StatusFound)
		return
	}

	_, err := h.service.CreateTopic(r.Context(), user.ID, r.PostFormValue("Title"), r.PostFormValue("Content"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidTopic) {
			data := pageData(r, "发表新话题")
			data.Error = err.Error()
			render(w, r, h.views, http.StatusOK, views.PageTopicCreate, data)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("user_id", user.ID).Msg("Failed to create topic")
		http.Error(w, "Failed to create topic", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}
