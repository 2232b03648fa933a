// Package views renders the server-side account pages.
package views

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/kiss96803/dotnetclub/internal/models"
)

//go:embed templates/*.html
var files embed.FS

// Page names.
const (
	PageHome        = "home.html"
	PageSignin      = "signin.html"
	PageRegister    = "register.html"
	PageTopicCreate = "topic_create.html"
)

// Data is what every page template receives.
type Data struct {
	Title     string
	User      *models.User // nil for anonymous visitors
	CSRFField string
	CSRFToken string
	Error     string
	UserName  string // echoed back into the form after a failed submit
	ReturnURL string
	Topics    []models.Topic
}

// Renderer holds the parsed page templates.
type Renderer struct {
	pages map[string]*template.Template
}

// New parses every page together with the shared layout.
func New() (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template)}
	for _, page := range []string{PageHome, PageSignin, PageRegister, PageTopicCreate} {
		t, err := template.ParseFS(files, "templates/layout.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", page, err)
		}
		r.pages[page] = t
	}
	return r, nil
}

// Render writes page with the given status. The template is executed into a
// buffer first so a failing template never produces a half-written 200.
func (r *Renderer) Render(w http.ResponseWriter, status int, page string, data Data) error {
	t, ok := r.pages[page]
	if !ok {
		return fmt.Errorf("unknown page %q", page)
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return fmt.Errorf("failed to render %s: %w", page, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
