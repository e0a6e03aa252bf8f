package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"torweather/pkg/weather"
)

// graceUnits converts the form's grace-period unit into hours.
var graceUnits = map[string]int{
	"hours":  1,
	"days":   24,
	"weeks":  168,
	"months": 720,
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		setSecurityHeaders(w)
		data := map[string]any{
			"Kinds":       weather.AllNotifs,
			"Fingerprint": strings.TrimSpace(r.URL.Query().Get("fingerprint")),
		}
		if err := templates.ExecuteTemplate(w, "subscribe.tmpl", data); err != nil {
			s.logger.Error("Failed to render template", "template", "subscribe.tmpl", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	case http.MethodPost:
		s.handleSubscribePost(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubscribePost(w http.ResponseWriter, r *http.Request) {
	// Rate limiting by IP
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

	var kinds []weather.Notif
	for _, name := range r.Form["kind"] {
		kind, err := weather.ParseNotif(name)
		if err != nil {
			http.Error(w, "Unknown notification type", http.StatusBadRequest)
			return
		}
		kinds = append(kinds, kind)
	}

	duration, err := parseGracePeriod(r.FormValue("grace_value"), r.FormValue("grace_unit"))
	if err != nil {
		http.Error(w, "Invalid grace period", http.StatusBadRequest)
		return
	}

	sub, err := s.manager.Subscribe(r.Context(), fingerprint, []string{email}, kinds, duration)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("Subscription created via web",
		"fingerprint", sub.Fingerprint,
		"kinds", len(kinds),
		"ip", ip)

	setSecurityHeaders(w)
	w.WriteHeader(http.StatusOK)
	data := map[string]any{
		"Email":          email,
		"Fingerprint":    sub.Fingerprint,
		"UnsubscribeURL": s.unsubscribeURL(sub.Fingerprint),
	}
	if err := templates.ExecuteTemplate(w, "subscribed.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "subscribed.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// unsubscribeURL builds the absolute unsubscribe link shown on confirmation
// pages, so it keeps working when copied out of the browser.
func (s *Server) unsubscribeURL(fingerprint string) string {
	return s.baseURL + "/unsubscribe?fingerprint=" + url.QueryEscape(fingerprint)
}

// parseGracePeriod converts the value/unit form pair into hours. An empty
// value means the caller wants the default.
func parseGracePeriod(value, unit string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, errors.New("grace period must be a non-negative number")
	}
	mult, ok := graceUnits[unit]
	if !ok {
		mult = 1
	}
	return n * mult, nil
}
