package server

import (
	"net/http"
	"strings"

	"torweather/pkg/weather"
)

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		setSecurityHeaders(w)
		data := map[string]any{
			"Kinds":       weather.AllNotifs,
			"Fingerprint": strings.TrimSpace(r.URL.Query().Get("fingerprint")),
			"Email":       strings.TrimSpace(r.URL.Query().Get("email")),
		}
		if err := templates.ExecuteTemplate(w, "unsubscribe.tmpl", data); err != nil {
			s.logger.Error("Failed to render template", "template", "unsubscribe.tmpl", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	case http.MethodPost:
		s.handleUnsubscribePost(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUnsubscribePost(w http.ResponseWriter, r *http.Request) {
	// Rate limiting by IP to slow subscription enumeration
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	fingerprint := strings.TrimSpace(r.FormValue("fingerprint"))
	email := strings.TrimSpace(strings.ToLower(r.FormValue("email")))
	kindName := r.FormValue("kind")

	var err error
	if kindName == "" || kindName == "all" {
		err = s.manager.UnsubscribeAll(r.Context(), fingerprint, email)
	} else {
		var kind weather.Notif
		kind, err = weather.ParseNotif(kindName)
		if err != nil {
			http.Error(w, "Unknown notification type", http.StatusBadRequest)
			return
		}
		err = s.manager.UnsubscribeNotif(r.Context(), fingerprint, email, kind)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("Unsubscribed via web", "fingerprint", fingerprint, "kind", kindName, "ip", ip)

	setSecurityHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := templates.ExecuteTemplate(w, "unsubscribed.tmpl", nil); err != nil {
		s.logger.Error("Failed to render template", "template", "unsubscribed.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
