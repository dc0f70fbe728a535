package server

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

const emailCookieName = "freegames_email"

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.visitors.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(strings.ToLower(r.FormValue("email")))
	if !isValidEmail(email) {
		http.Error(w, "Invalid email address", http.StatusBadRequest)
		return
	}

	_, err := s.store.LoadByEmail(r.Context(), email)
	switch {
	case err == nil:
		setEmailCookie(w, email)
		s.render(w, http.StatusOK, "already_subscribed.tmpl", map[string]string{"Email": email})
		return
	case !s.isNotFound(err):
		s.logger.Error("Failed to load subscriber", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	sub := s.store.NewSubscriber(email, time.Now())
	if err := s.store.Save(r.Context(), sub); err != nil {
		s.logger.Error("Failed to save subscriber", "error", err)
		http.Error(w, "Failed to create subscription", http.StatusInternalServerError)
		return
	}

	if err := s.emailer.SendWelcome(r.Context(), sub, ip, r.Header.Get("User-Agent")); err != nil {
		// The subscription stands even if the confirmation bounces.
		s.logger.Warn("Failed to send welcome email", "email", email, "error", err)
	}

	s.logger.Info("Subscriber created", "email", email, "ip", ip)
	setEmailCookie(w, email)
	s.render(w, http.StatusOK, "subscribed.tmpl", map[string]string{"Email": email})
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

func setEmailCookie(w http.ResponseWriter, email string) {
	http.SetCookie(w, &http.Cookie{
		Name:     emailCookieName,
		Value:    email,
		Path:     "/",
		MaxAge:   365 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearEmailCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     emailCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func emailCookie(r *http.Request) string {
	cookie, err := r.Cookie(emailCookieName)
	if err != nil {
		return ""
	}
	// Cookies are client-controlled.
	if !isValidEmail(cookie.Value) {
		return ""
	}
	return cookie.Value
}
