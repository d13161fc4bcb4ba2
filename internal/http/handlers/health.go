package handlers

import (
	"context"
	"net/http"
	"time"
)

// Health reports whether the task store answers.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.tasks.Ping(ctx); err != nil {
		a.logger.Warn().Err(err).Str("store", a.storeName).Msg("health check failed")
		a.json(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": a.storeName})
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok", "store": a.storeName})
}
