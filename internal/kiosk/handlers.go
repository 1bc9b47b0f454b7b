package kiosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zombor/fingerprint-kiosk/internal/enrollment"
	"github.com/zombor/fingerprint-kiosk/internal/scansession"
)

const sessionImagePath = "/api/session/image"

// corsError writes a JSON error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// sessionResponse is a snapshot with a link to the image bytes in place of the bytes
type sessionResponse struct {
	scansession.Snapshot
	ImageURL string `json:"image_url,omitempty"`
}

func newSessionResponse(snap scansession.Snapshot) sessionResponse {
	resp := sessionResponse{Snapshot: snap}
	if snap.Image != nil {
		resp.ImageURL = fmt.Sprintf("%s?id=%s", sessionImagePath, snap.Image.ID)
	}
	return resp
}

// enrollmentResponse is the draft together with its display summary
type enrollmentResponse struct {
	Draft    *enrollment.Draft        `json:"draft"`
	Progress enrollment.Progress      `json:"progress"`
	Capture  *enrollment.Capture      `json:"capture,omitempty"`
	Result   *enrollment.SubmitResult `json:"result,omitempty"`
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		corsError(w, "Not found", http.StatusNotFound)
		return
	}
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleGetSession returns the current scan state
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSessionResponse(s.session.Snapshot()))
}

// handleSessionStart begins a scan attempt
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	s.startScan(w, r, s.session.Start)
}

// handleSessionRetake discards the captured image and begins a new attempt
func (s *Server) handleSessionRetake(w http.ResponseWriter, r *http.Request) {
	s.startScan(w, r, s.session.Retake)
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request, start func(ctx context.Context) error) {
	// the device may already be scanning when the client goes away
	err := start(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, scansession.ErrClosed):
		corsError(w, "Scanner is shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, scansession.ErrTriggerFailed):
		writeJSON(w, http.StatusBadGateway, newSessionResponse(s.session.Snapshot()))
	case err != nil:
		slog.Error("Error starting scan", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, newSessionResponse(s.session.Snapshot()))
	}
}

// handleSessionCancel abandons the scan in progress
func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	s.session.Cancel()
	writeJSON(w, http.StatusOK, newSessionResponse(s.session.Snapshot()))
}

// handleSessionImage returns the captured image bytes
func (s *Server) handleSessionImage(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	if snap.Image == nil {
		corsError(w, "No image available", http.StatusNotFound)
		return
	}
	if id := r.URL.Query().Get("id"); id != "" && id != snap.Image.ID {
		corsError(w, "Image has been replaced", http.StatusGone)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", snap.Image.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(snap.Image.Data)
}

// handleSessionEvents streams snapshots as server-sent events
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		corsError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// A slow reader may miss intermediate snapshots; each event carries the
	// full latest state.
	updates := make(chan scansession.Snapshot, 16)
	unsubscribe := s.session.Subscribe(func(snap scansession.Snapshot) {
		select {
		case updates <- snap:
		default:
		}
	})
	defer unsubscribe()

	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(snap scansession.Snapshot) bool {
		data, err := json.Marshal(newSessionResponse(snap))
		if err != nil {
			slog.Error("Error encoding event", "error", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "event: session\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(s.session.Snapshot()) {
		return
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-updates:
			if !send(s.session.Snapshot()) {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeEnrollment(w http.ResponseWriter, code int, capture *enrollment.Capture, result *enrollment.SubmitResult) {
	draft, err := s.enrollment.Draft()
	if err != nil {
		slog.Error("Error loading draft", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	progress, err := s.enrollment.Progress()
	if err != nil {
		slog.Error("Error computing progress", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, code, enrollmentResponse{
		Draft:    draft,
		Progress: progress,
		Capture:  capture,
		Result:   result,
	})
}

// handleGetEnrollment returns the draft and its progress
func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	s.writeEnrollment(w, http.StatusOK, nil, nil)
}

// handleUpdateDetails validates and stores the user details
func (s *Server) handleUpdateDetails(w http.ResponseWriter, r *http.Request) {
	var details enrollment.UserDetails
	if err := json.NewDecoder(r.Body).Decode(&details); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	fieldErrs, err := s.enrollment.UpdateDetails(details)
	switch {
	case errors.Is(err, enrollment.ErrInvalidDetails):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  err.Error(),
			"fields": fieldErrs,
		})
		return
	case errors.Is(err, enrollment.ErrWrongStep):
		corsError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("Error updating details", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeEnrollment(w, http.StatusOK, nil, nil)
}

// handleAddCapture adds the session's captured image to the draft
func (s *Server) handleAddCapture(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	if snap.State != scansession.StateSuccess || snap.Image == nil {
		corsError(w, "No captured image", http.StatusConflict)
		return
	}

	capture, err := s.enrollment.AddCapture(snap.Image)
	switch {
	case errors.Is(err, enrollment.ErrSlotsFull), errors.Is(err, enrollment.ErrWrongStep), errors.Is(err, enrollment.ErrNoImage):
		corsError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("Error adding capture", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeEnrollment(w, http.StatusCreated, capture, nil)
}

// handleRemoveLastCapture discards the most recent capture
func (s *Server) handleRemoveLastCapture(w http.ResponseWriter, r *http.Request) {
	capture, err := s.enrollment.RemoveLast()
	switch {
	case errors.Is(err, enrollment.ErrNoCaptures), errors.Is(err, enrollment.ErrWrongStep):
		corsError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("Error removing capture", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeEnrollment(w, http.StatusOK, capture, nil)
}

// handleEnrollmentBack returns to the details form
func (s *Server) handleEnrollmentBack(w http.ResponseWriter, r *http.Request) {
	err := s.enrollment.Back()
	switch {
	case errors.Is(err, enrollment.ErrWrongStep):
		corsError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("Error going back", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeEnrollment(w, http.StatusOK, nil, nil)
}

// handleCompleteEnrollment submits the draft to the backend
func (s *Server) handleCompleteEnrollment(w http.ResponseWriter, r *http.Request) {
	result, err := s.enrollment.Complete(r.Context())
	switch {
	case errors.Is(err, enrollment.ErrIncomplete):
		corsError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, enrollment.ErrRejected):
		corsError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		slog.Error("Error completing enrollment", "error", err)
		corsError(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.writeEnrollment(w, http.StatusOK, nil, result)
}

// handleResetEnrollment discards the draft
func (s *Server) handleResetEnrollment(w http.ResponseWriter, r *http.Request) {
	if err := s.enrollment.Reset(); err != nil {
		slog.Error("Error resetting enrollment", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeEnrollment(w, http.StatusOK, nil, nil)
}

// authSessionResponse omits the bearer token
type authSessionResponse struct {
	User      enrollment.User `json:"user"`
	LoginTime time.Time       `json:"login_time"`
}

// handleLogin identifies the user behind the session's captured image
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	if snap.State != scansession.StateSuccess || snap.Image == nil {
		corsError(w, "No captured image", http.StatusConflict)
		return
	}

	session, err := s.enrollment.Login(r.Context(), snap.Image)
	switch {
	case errors.Is(err, enrollment.ErrRejected):
		corsError(w, err.Error(), http.StatusUnauthorized)
		return
	case err != nil:
		slog.Error("Error logging in", "error", err)
		corsError(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, authSessionResponse{User: session.User, LoginTime: session.LoginTime})
}

// handleLogout ends the login session
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	err := s.enrollment.Logout(r.Context())
	switch {
	case errors.Is(err, enrollment.ErrNoSession):
		corsError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		slog.Error("Error logging out", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthSession returns the logged-in user
func (s *Server) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.enrollment.CurrentSession()
	switch {
	case errors.Is(err, enrollment.ErrNoSession):
		corsError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		slog.Error("Error reading session", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, authSessionResponse{User: session.User, LoginTime: session.LoginTime})
}
