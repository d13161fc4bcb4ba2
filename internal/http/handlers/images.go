package handlers

import (
	"net/http"
	"strconv"

	"genstudio/internal/gallery"
)

type imagesResponse struct {
	Images  []gallery.Image `json:"images"`
	Total   int             `json:"total"`
	HasMore bool            `json:"hasMore"`
}

// ListImages returns recent gallery rows, newest first.
func (a *App) ListImages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, offset = gallery.Page(limit, offset)

	images, err := a.gallery.Recent(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error().Err(err).Msg("list gallery images failed")
		a.error(w, r, http.StatusInternalServerError, "Failed to fetch images")
		return
	}
	if images == nil {
		images = []gallery.Image{}
	}
	a.ok(w, r, imagesResponse{
		Images:  images,
		Total:   len(images),
		HasMore: len(images) == limit,
	})
}
