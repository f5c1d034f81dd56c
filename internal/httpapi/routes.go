package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tictactoe-backend/internal/coordinator"
	"github.com/DoyleJ11/tictactoe-backend/internal/hub"
	"github.com/DoyleJ11/tictactoe-backend/internal/ws"
)

type Deps struct {
	Coordinator *coordinator.Coordinator
	Hub         *hub.Hub
	// PublicURL is the externally visible base URL used in share links.
	PublicURL string
	WS        ws.Options
	Logger    *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if d.WS.Logger == nil {
		d.WS.Logger = log.Named("ws")
	}
	h := &handlers{c: d.Coordinator, hub: d.Hub, publicURL: d.PublicURL, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(d.Coordinator, d.Hub, d.WS))

	r.Route("/games", func(r chi.Router) {
		r.Post("/", h.CreateGame)
		r.Route("/{gameID}", func(r chi.Router) {
			r.Get("/", h.GetGame)
			r.Get("/qr.png", h.QR)
			r.Get("/connections", h.Connections)
			r.Post("/join", h.Join)
			r.Post("/moves", h.Move)
			r.Post("/reset", h.Reset)
			r.Delete("/players/{playerID}", h.Leave)
		})
	})
	r.Post("/players/{playerID}/heartbeat", h.Heartbeat)
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("took", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
