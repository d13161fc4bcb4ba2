package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"genstudio/internal/domain"
)

// TaskEvents streams status updates for one task as server-sent events and
// closes the stream once the task is terminal. Progress sent on one stream
// never decreases.
func (a *App) TaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	if _, err := a.tasks.Get(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, r, http.StatusNotFound, "Task not found")
			return
		}
		a.logger.Error().Err(err).Str("task_id", id).Msg("load task failed")
		a.error(w, r, http.StatusInternalServerError, "Failed to load task")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, r, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	var (
		msgCh   chan []byte
		hubDone <-chan struct{}
	)
	if a.events != nil {
		hubDone = a.events.Done()
		ch := make(chan []byte, 16)
		if a.events.Subscribe(ch, id) {
			msgCh = ch
			defer a.events.Unsubscribe(ch, id)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s := &stream{w: w, flusher: flusher, last: -1}

	// The first snapshot is read after subscribing so no update is lost in between.
	if done := a.resync(r, s, id); done {
		return
	}

	keepAlive := time.NewTicker(a.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-hubDone:
			return
		case msg := <-msgCh:
			var view domain.StatusView
			if err := json.Unmarshal(msg, &view); err != nil {
				a.logger.Warn().Err(err).Str("task_id", id).Msg("discarding malformed task event")
				continue
			}
			if done := s.send(view); done {
				return
			}
		case <-keepAlive.C:
			// Hub delivery is best effort, so the store is re-read on each beat.
			if done := a.resync(r, s, id); done {
				return
			}
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (a *App) resync(r *http.Request, s *stream, id string) bool {
	task, err := a.tasks.Get(r.Context(), id)
	if err != nil {
		if r.Context().Err() == nil {
			a.logger.Warn().Err(err).Str("task_id", id).Msg("refresh task for event stream failed")
		}
		return errors.Is(err, domain.ErrNotFound)
	}
	return s.send(task.View())
}

type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	last    int
	logs    int
	sent    []byte
}

// send writes view unless it repeats or predates the previous event, which
// holds when progress is lower or the log is shorter. It reports whether the
// stream has reached a terminal status.
func (s *stream) send(view domain.StatusView) bool {
	terminal := view.Status.Terminal()
	if !terminal && (view.Progress < s.last || len(view.Logs) < s.logs) {
		return false
	}
	payload, err := json.Marshal(view)
	if err != nil {
		return false
	}
	if !bytes.Equal(payload, s.sent) {
		fmt.Fprintf(s.w, "data: %s\n\n", payload)
		s.flusher.Flush()
		s.sent = payload
		s.last = view.Progress
		s.logs = len(view.Logs)
	}
	return terminal
}
