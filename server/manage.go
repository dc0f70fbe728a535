package server

import (
	"crypto/subtle"
	"net/http"
)

// handleUnsubscribe shows a confirmation page on GET and removes the
// subscriber on POST. The token comes from the digest footer link.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Rate limiting by IP to prevent token enumeration
	ip := clientIP(r)
	if !s.visitors.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	token := r.URL.Query().Get("token")
	if len(token) != 64 {
		http.Error(w, "Invalid or missing token", http.StatusBadRequest)
		return
	}

	sub, err := s.store.LoadByToken(r.Context(), token)
	if err != nil {
		if !s.isNotFound(err) {
			s.logger.Error("Failed to load subscriber", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		s.render(w, http.StatusNotFound, "not_found.tmpl", nil)
		return
	}

	if r.Method == http.MethodGet {
		s.render(w, http.StatusOK, "unsubscribe.tmpl", map[string]string{"Email": sub.Email, "Token": token})
		return
	}

	// The form body repeats the token so a cross-site POST to a guessed URL is not enough.
	if subtle.ConstantTimeCompare([]byte(r.PostFormValue("token")), []byte(token)) != 1 {
		http.Error(w, "Invalid token", http.StatusForbidden)
		return
	}

	if err := s.store.Delete(r.Context(), sub.Email); err != nil {
		s.logger.Error("Failed to delete subscriber", "error", err)
		http.Error(w, "Failed to unsubscribe", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Subscriber removed", "email", sub.Email, "ip", ip)
	clearEmailCookie(w)
	s.render(w, http.StatusOK, "unsubscribed.tmpl", nil)
}
