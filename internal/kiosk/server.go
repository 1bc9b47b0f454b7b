package kiosk

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/fingerprint-kiosk/internal/enrollment"
	"github.com/zombor/fingerprint-kiosk/internal/scansession"
)

// Server exposes the scan session and the enrollment workflow over HTTP
type Server struct {
	session    *scansession.Session
	enrollment *enrollment.Service
	basicAuth  BasicAuth
	mux        *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(session *scansession.Session, service *enrollment.Service, basicAuth BasicAuth) *Server {
	return NewServerWithMux(session, service, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(session *scansession.Session, service *enrollment.Service, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		session:    session,
		enrollment: service,
		basicAuth:  basicAuth,
		mux:        mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Fingerprint Kiosk"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /static/app.css", s.requireAuth(s.handleStaticCSS))
	s.mux.HandleFunc("GET /static/app.js", s.requireAuth(s.handleStaticJS))

	// Scan session
	s.mux.HandleFunc("GET /api/session/image", s.requireAuth(s.handleSessionImage))
	s.mux.HandleFunc("GET /api/session/events", s.requireAuth(s.handleSessionEvents))
	s.mux.HandleFunc("POST /api/session/start", s.requireAuth(s.handleSessionStart))
	s.mux.HandleFunc("POST /api/session/cancel", s.requireAuth(s.handleSessionCancel))
	s.mux.HandleFunc("POST /api/session/retake", s.requireAuth(s.handleSessionRetake))
	s.mux.HandleFunc("GET /api/session", s.requireAuth(s.handleGetSession))

	// Enrollment
	s.mux.HandleFunc("PUT /api/enrollment/details", s.requireAuth(s.handleUpdateDetails))
	s.mux.HandleFunc("DELETE /api/enrollment/captures/last", s.requireAuth(s.handleRemoveLastCapture))
	s.mux.HandleFunc("POST /api/enrollment/captures", s.requireAuth(s.handleAddCapture))
	s.mux.HandleFunc("POST /api/enrollment/back", s.requireAuth(s.handleEnrollmentBack))
	s.mux.HandleFunc("POST /api/enrollment/complete", s.requireAuth(s.handleCompleteEnrollment))
	s.mux.HandleFunc("POST /api/enrollment/reset", s.requireAuth(s.handleResetEnrollment))
	s.mux.HandleFunc("GET /api/enrollment", s.requireAuth(s.handleGetEnrollment))

	// Login session
	s.mux.HandleFunc("POST /api/auth/login", s.requireAuth(s.handleLogin))
	s.mux.HandleFunc("POST /api/auth/logout", s.requireAuth(s.handleLogout))
	s.mux.HandleFunc("GET /api/auth/session", s.requireAuth(s.handleAuthSession))

	// Static HTML interface (register last as it's the catch-all)
	s.mux.HandleFunc("GET /index.html", s.requireAuth(s.handleIndex))
	s.mux.HandleFunc("GET /", s.requireAuth(s.handleIndex))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler, applying CORS to every request including OPTIONS
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corsMiddleware(s.mux).ServeHTTP(w, r)
}
