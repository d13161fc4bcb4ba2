package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/gallery"
	"genstudio/internal/middleware"
	"genstudio/internal/orchestrator"
	"genstudio/internal/paramset"
)

// EstimatedTime is the nominal generation time, in seconds, reported on submit.
const EstimatedTime = 5

// TaskReader loads tasks for status queries.
type TaskReader interface {
	Get(ctx context.Context, id string) (domain.Task, error)
	Ping(ctx context.Context) error
}

// Generator accepts new generation requests.
type Generator interface {
	Submit(ctx context.Context, in paramset.Input) (orchestrator.Submission, error)
}

// Subscriber is the read side of the event hub. Done is closed when the hub
// stops, which also ends every open event stream.
type Subscriber interface {
	Subscribe(ch chan []byte, topic string) bool
	Unsubscribe(ch chan []byte, topic string)
	Done() <-chan struct{}
}

// Deps groups the collaborators an App serves requests with.
type Deps struct {
	Tasks     TaskReader
	StoreName string
	Generator Generator
	Events    Subscriber
	Gallery   gallery.Sink
	Logger    zerolog.Logger

	KeepAlive    time.Duration
	MaxBodyBytes int64
	Now          func() time.Time
}

type App struct {
	tasks     TaskReader
	storeName string
	generator Generator
	events    Subscriber
	gallery   gallery.Sink
	logger    zerolog.Logger

	keepAlive    time.Duration
	maxBodyBytes int64
	now          func() time.Time
}

func NewApp(d Deps) *App {
	if d.Gallery == nil {
		d.Gallery = gallery.NopSink{}
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = 15 * time.Second
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 25 << 20
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &App{
		tasks:        d.Tasks,
		storeName:    d.StoreName,
		generator:    d.Generator,
		events:       d.Events,
		gallery:      d.Gallery,
		logger:       d.Logger.With().Str("component", "handlers").Logger(),
		keepAlive:    d.KeepAlive,
		maxBodyBytes: d.MaxBodyBytes,
		now:          d.Now,
	}
}

// envelope wraps every JSON response body.
type envelope struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"requestId"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) respond(w http.ResponseWriter, r *http.Request, code int, message string, data any) {
	rid := middleware.RequestIDFromContext(r.Context())
	if rid == "" {
		rid = uuid.NewString()
	}
	a.json(w, code, envelope{
		Code:      code,
		Message:   message,
		Data:      data,
		Timestamp: a.now().UnixMilli(),
		RequestID: rid,
	})
}

func (a *App) ok(w http.ResponseWriter, r *http.Request, data any) {
	a.respond(w, r, http.StatusOK, "OK", data)
}

func (a *App) error(w http.ResponseWriter, r *http.Request, code int, message string) {
	a.respond(w, r, code, message, nil)
}

// TooManyRequests answers requests rejected by the submit rate limiter.
func (a *App) TooManyRequests(w http.ResponseWriter, r *http.Request) {
	a.error(w, r, http.StatusTooManyRequests, "Too many requests")
}
