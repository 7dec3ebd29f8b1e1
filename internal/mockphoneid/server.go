// Package mockphoneid implements a minimal PhoneID-like API surface for
// tests and local runs: standard and live lookups, scripted failure
// sequences, and request capture.
package mockphoneid

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	Phone  string
	Live   bool
	UCID   string
	Body   []byte
}

// Server implements a minimal PhoneID-like lookup API.
type Server struct {
	mu    sync.Mutex
	calls []Call

	// scripts holds per-phone queues of status codes to serve; once a
	// queue is drained the last status repeats.
	scripts map[string][]int

	expectedAuthorization string
}

// New constructs a new mock server. Unscripted numbers answer 200.
func New() *Server {
	return &Server{
		scripts: make(map[string][]int),
	}
}

// Script queues the status codes served for a phone number, in order. The
// final status repeats for any further calls.
func (s *Server) Script(phone string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[phone] = append(s.scripts[phone], statuses...)
}

// RequireBasicAuth enforces that requests carry the Basic auth pair.
// If both values are empty, authorization is not enforced.
func (s *Server) RequireBasicAuth(customerID, apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(customerID) == "" && strings.TrimSpace(apiKey) == "" {
		s.expectedAuthorization = ""
		return
	}
	token := strings.TrimSpace(customerID) + ":" + strings.TrimSpace(apiKey)
	s.expectedAuthorization = "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/phoneid/", s.handlePhoneID)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) handlePhoneID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/phoneid/")
	live := false
	if p, ok := strings.CutPrefix(rest, "live/"); ok {
		live = true
		rest = p
	}
	phone := strings.Trim(rest, "/")

	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.calls = append(s.calls, Call{
		Method: r.Method,
		Path:   r.URL.Path,
		Phone:  phone,
		Live:   live,
		UCID:   r.URL.Query().Get("ucid"),
		Body:   body,
	})
	expectedAuth := s.expectedAuthorization
	status := s.nextStatusLocked(phone)
	s.mu.Unlock()

	if expectedAuth != "" && r.Header.Get("Authorization") != expectedAuth {
		writeJSON(w, http.StatusUnauthorized, statusBody(phone, "Invalid credentials"))
		return
	}

	wantMethod := http.MethodPost
	if live {
		wantMethod = http.MethodGet
	}
	if r.Method != wantMethod {
		writeJSON(w, http.StatusMethodNotAllowed, statusBody(phone, "Method not allowed"))
		return
	}
	if phone == "" {
		writeJSON(w, http.StatusNotFound, statusBody(phone, "Not found"))
		return
	}

	switch {
	case status >= 200 && status < 300:
		writeJSON(w, status, successBody(phone, live))
	case status == http.StatusTooManyRequests:
		writeJSON(w, status, statusBody(phone, "Rate limit exceeded"))
	case status >= 500:
		writeJSON(w, status, statusBody(phone, "Service temporarily unavailable"))
	default:
		writeJSON(w, status, statusBody(phone, "Invalid request"))
	}
}

// nextStatusLocked pops the next scripted status for phone; callers hold mu.
func (s *Server) nextStatusLocked(phone string) int {
	queue := s.scripts[phone]
	if len(queue) == 0 {
		return http.StatusOK
	}
	status := queue[0]
	if len(queue) > 1 {
		s.scripts[phone] = queue[1:]
	}
	return status
}

func successBody(phone string, live bool) map[string]any {
	body := map[string]any{
		"reference_id": fmt.Sprintf("ref-%s", phone),
		"status": map[string]any{
			"code":        300,
			"description": "Transaction successfully completed",
		},
		"numbering": map[string]any{
			"original": map[string]any{
				"complete_phone_number": phone,
			},
		},
	}
	if live {
		body["live"] = map[string]any{
			"subscriber_status": "ACTIVE",
		}
	}
	return body
}

func statusBody(phone, description string) map[string]any {
	return map[string]any{
		"reference_id": fmt.Sprintf("ref-%s", phone),
		"status": map[string]any{
			"description": description,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
