package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/auth"
	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/consent"
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/signal"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

type HTTPServer struct {
	cfg      *config.Config
	server   *Server
	hub      *signal.Hub
	verifier auth.Verifier
	srv      *http.Server
}

// NewHTTPServer exposes the participant API. hub may be nil when the
// signaling relay is external.
func NewHTTPServer(cfg *config.Config, server *Server, hub *signal.Hub, verifier auth.Verifier) *HTTPServer {
	return &HTTPServer{
		cfg:      cfg,
		server:   server,
		hub:      hub,
		verifier: verifier,
	}
}

func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.server.Active()})
	})

	if s.hub != nil {
		r.Get("/ws/rooms/{roomId}", func(w http.ResponseWriter, r *http.Request) {
			s.hub.ServeRoom(w, r, chi.URLParam(r, "roomId"))
		})
	}

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(middleware.Timeout(s.cfg.Session.EndTimeout + s.cfg.Session.UploadTimeout + 5*time.Second))
		v1.Use(auth.Middleware(s.verifier))
		v1.Post("/appointments/{appointmentId}/session", s.handleStart)
		v1.Route("/sessions/{sessionId}", func(sr chi.Router) {
			sr.Get("/", s.handleStatus)
			sr.Post("/recording", s.handleRecording(true))
			sr.Delete("/recording", s.handleRecording(false))
			sr.Post("/tracks/{kind}/toggle", s.handleToggle)
			sr.Post("/end", s.handleEnd)
		})
	})

	return r
}

func (s *HTTPServer) Serve() error {
	addr := ":" + strconv.Itoa(s.cfg.HTTP.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("starting http server on %s", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	appointmentID := chi.URLParam(r, "appointmentId")

	h, err := s.server.Start(r.Context(), appointmentID, id.Role)
	switch {
	case errors.Is(err, ErrAlreadyStarted):
		writeAPIError(w, http.StatusConflict, "already_started", err.Error())
	case errors.Is(err, ErrStartFailed):
		writeJSON(w, http.StatusUnprocessableEntity, h.Status())
	case err != nil:
		writeAPIError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeJSON(w, http.StatusCreated, h.Status())
	}
}

// participant resolves the caller's controller for the session in the path.
func (s *HTTPServer) participant(w http.ResponseWriter, r *http.Request) (*Handle, bool) {
	id, _ := auth.IdentityFromContext(r.Context())
	h, ok := s.server.Lookup(chi.URLParam(r, "sessionId"), id.Role)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "no live session for this participant")
		return nil, false
	}
	return h, true
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	h, ok := s.participant(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Status())
}

type consentResponse struct {
	Outcome   string `json:"outcome"`
	Recording bool   `json:"recording"`
}

func (s *HTTPServer) handleRecording(grant bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := s.participant(w, r)
		if !ok {
			return
		}

		var outcome consent.Outcome
		var err error
		if grant {
			outcome, err = h.RequestRecording(r.Context())
		} else {
			outcome, err = h.DeclineRecording(r.Context())
		}
		if err != nil {
			writeAPIError(w, http.StatusConflict, "session_closed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, consentResponse{Outcome: outcome.String(), Recording: h.Status().Recording})
	}
}

func (s *HTTPServer) handleToggle(w http.ResponseWriter, r *http.Request) {
	h, ok := s.participant(w, r)
	if !ok {
		return
	}

	state, err := h.ToggleTrack(r.Context(), types.TrackKind(chi.URLParam(r, "kind")))
	switch {
	case errors.Is(err, ErrUnknownTrack):
		writeAPIError(w, http.StatusBadRequest, "invalid_track", err.Error())
	case err != nil:
		writeAPIError(w, http.StatusConflict, "session_closed", err.Error())
	default:
		writeJSON(w, http.StatusOK, state)
	}
}

func (s *HTTPServer) handleEnd(w http.ResponseWriter, r *http.Request) {
	h, ok := s.participant(w, r)
	if !ok {
		return
	}

	if _, err := h.End(r.Context()); err != nil && !errors.Is(err, ErrSessionClosed) {
		writeAPIError(w, http.StatusGatewayTimeout, "end_timeout", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Status())
}
