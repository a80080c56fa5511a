package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"voice-proxy-service/internal/app"
	"voice-proxy-service/internal/models"
	"voice-proxy-service/internal/service/client"
)

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Get("/voice-stream", voiceStream(application))
		r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]int{"active": application.Sessions.Len()})
		})
		r.Get("/sessions/{id}", sessionStatus(application))
	})

	return r
}

// sessionStatus reports the status and turn count of a live session.
func sessionStatus(application *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := application.Sessions.Get(chi.URLParam(r, "id"))
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     s.ID(),
			"status": s.Status().String(),
			"turns":  len(s.Turns()),
		})
	}
}

// voiceStream upgrades the request and runs one session over it. When a
// provider is not configured the client gets a single error frame instead.
func voiceStream(application *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With().
			Str("component", "voice-stream").
			Str("requestId", middleware.GetReqID(r.Context())).
			Logger()

		opts := application.ChannelOptions()
		opts.Logger = &logger
		ch, err := client.Upgrade(w, r, opts)
		if err != nil {
			logger.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		// The session ends on client disconnect or shutdown, not when the
		// handler's request context would otherwise be torn down.
		ctx := context.WithoutCancel(r.Context())

		if perr := application.Unavailable(); perr != nil {
			logger.Warn().Err(perr).Msg("Rejecting session, provider unavailable")
			_ = ch.Send(ctx, models.NewError(perr.Error()))
			_ = ch.Close()
			return
		}

		err = application.Serve(ctx, ch)
		var perr *app.ProviderError
		switch {
		case err == nil:
		case errors.As(err, &perr):
			logger.Warn().Err(err).Msg("Session rejected")
		default:
			logger.Warn().Err(err).Msg("Session ended with error")
		}
	}
}
