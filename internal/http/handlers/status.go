package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"genstudio/internal/domain"
)

// TaskStatus serves GET /task/{taskId}/status.
func (a *App) TaskStatus(w http.ResponseWriter, r *http.Request) {
	a.writeStatus(w, r, chi.URLParam(r, "taskId"))
}

// GenerateStatus serves the query-string variant GET /generate/{module}?taskId=.
func (a *App) GenerateStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("taskId"))
	if id == "" {
		a.error(w, r, http.StatusBadRequest, "Missing taskId parameter")
		return
	}
	a.writeStatus(w, r, id)
}

func (a *App) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	task, err := a.tasks.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, r, http.StatusNotFound, "Task not found")
			return
		}
		a.logger.Error().Err(err).Str("task_id", id).Msg("load task failed")
		a.error(w, r, http.StatusInternalServerError, "Failed to load task")
		return
	}
	a.ok(w, r, task.View())
}
