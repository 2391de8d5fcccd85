package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, log *zap.SugaredLogger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/events", handler.StreamEvents)

	r.Route("/participants", func(r chi.Router) {
		r.Post("/", handler.UpsertParticipant)
		r.Post("/{participantId}/location", handler.UpdateLocation)
	})
	r.Route("/requests", func(r chi.Router) {
		r.Post("/", handler.SubmitRequest)
		r.Get("/{id}", handler.GetRequest)
		r.Delete("/{id}", handler.CancelRequest)
	})
	r.Route("/offers", func(r chi.Router) {
		r.Post("/", handler.SubmitOffer)
		r.Get("/{id}", handler.GetOffer)
		r.Delete("/{id}", handler.CancelOffer)
	})
	r.Route("/transactions/{id}", func(r chi.Router) {
		r.Get("/", handler.GetTransaction)
		r.Get("/ledger", handler.GetLedger)
		r.Post("/complete", handler.CompleteTransaction)
		r.Post("/cancel", handler.CancelTransaction)
	})

	return &Server{Router: r}
}

func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Infow("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}
