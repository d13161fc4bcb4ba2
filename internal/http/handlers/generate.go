package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"genstudio/internal/domain"
	"genstudio/internal/middleware"
	"genstudio/internal/paramset"
)

type generateResponse struct {
	TaskID        string                      `json:"taskId"`
	EstimatedTime int                         `json:"estimatedTime"`
	Images        []string                    `json:"images"`
	UsedPrompt    string                      `json:"usedPrompt"`
	Parameters    domain.GenerationParameters `json:"parameters"`
}

// Generate accepts a module request and returns the new task id at once.
// Bodies that cannot be read or parsed fall back to the module defaults.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	module := domain.ParseModule(chi.URLParam(r, "module"))

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.logger.Warn().Str("module", string(module)).Int64("limit", tooLarge.Limit).Msg("request body too large, using defaults")
		} else {
			a.logger.Warn().Err(err).Str("module", string(module)).Msg("read request body failed, using defaults")
		}
		raw = nil
	}

	in := paramset.DecodeInput(module, raw, middleware.LocaleFromContext(r.Context()))
	sub, err := a.generator.Submit(r.Context(), in)
	if err != nil {
		a.logger.Error().Err(err).Str("module", string(module)).Msg("submit generation failed")
		a.error(w, r, http.StatusInternalServerError, "Failed to create task")
		return
	}

	a.ok(w, r, generateResponse{
		TaskID:        sub.Task.ID,
		EstimatedTime: EstimatedTime,
		Images:        []string{},
		UsedPrompt:    sub.Parameters.Prompt,
		Parameters:    sub.Parameters,
	})
}
