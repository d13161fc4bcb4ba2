package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"genstudio/internal/http/handlers"
	"genstudio/internal/middleware"
)

// Options configures the cross-cutting middleware around the handlers.
type Options struct {
	Logger          zerolog.Logger
	CORSOrigins     []string
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
	Metrics         middleware.HTTPRecorder
	MetricsHandler  http.Handler
	SubmitRateLimit int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
	)
	if opts.Metrics != nil {
		r.Use(middleware.Metrics(opts.Metrics))
	}
	r.Use(
		middleware.CORS(opts.CORSOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	// Health
	r.Get("/v1/healthz", app.Health)
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	r.Route("/generate/{module}", func(r chi.Router) {
		r.With(middleware.RateLimit(opts.SubmitRateLimit, time.Minute, app.TooManyRequests)).Post("/", app.Generate)
		r.Get("/", app.GenerateStatus)
	})

	r.Route("/task/{taskId}", func(r chi.Router) {
		r.Get("/status", app.TaskStatus)
		r.Get("/events", app.TaskEvents)
	})

	r.Get("/images", app.ListImages)

	return r
}
