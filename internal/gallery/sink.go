// Package gallery hands completed, non-placeholder images to the relational
// store and lists them back for the public feed.
package gallery

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
	"genstudio/internal/providers/image"
	"genstudio/internal/sqlinline"
)

const titleRunes = 50

// Image is one public gallery row.
type Image struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	Module     string    `json:"module"`
	Title      string    `json:"title"`
	Prompt     string    `json:"prompt"`
	ImageURL   string    `json:"imageUrl"`
	LikesCount int       `json:"likesCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Sink receives completed tasks and serves recent images.
type Sink interface {
	Save(ctx context.Context, task domain.Task) (int, error)
	Recent(ctx context.Context, limit, offset int) ([]Image, error)
}

// PGSink writes through the marker-checked SQL runner.
type PGSink struct {
	sql    infra.SQLExecutor
	logger zerolog.Logger

	insertImage string
	listImages  string
}

// NewPGSink binds the queries to table, quoted as an identifier.
func NewPGSink(sql infra.SQLExecutor, table string, logger zerolog.Logger) *PGSink {
	if strings.TrimSpace(table) == "" {
		table = "images"
	}
	quoted := pq.QuoteIdentifier(table)
	return &PGSink{
		sql:         sql,
		logger:      logger.With().Str("component", "gallery").Logger(),
		insertImage: strings.ReplaceAll(sqlinline.QInsertGalleryImage, sqlinline.GalleryTableToken, quoted),
		listImages:  strings.ReplaceAll(sqlinline.QListGalleryImages, sqlinline.GalleryTableToken, quoted),
	}
}

// Save inserts one row per persistable image and bumps the module's daily
// usage counter. It returns how many rows were written.
func (s *PGSink) Save(ctx context.Context, task domain.Task) (int, error) {
	if task.Status != domain.TaskStatusCompleted || task.Result == nil {
		return 0, nil
	}
	urls := Persistable(task.Result.Images)
	if len(urls) == 0 {
		return 0, nil
	}
	title := Title(task.Result.UsedPrompt)
	saved := 0
	for _, u := range urls {
		if _, err := s.sql.Exec(ctx, s.insertImage, task.ID, string(task.Module), title, task.Result.UsedPrompt, u); err != nil {
			return saved, fmt.Errorf("insert gallery image: %w", err)
		}
		saved++
	}
	if _, err := s.sql.Exec(ctx, sqlinline.QUpsertUsageStat, string(task.Module), saved); err != nil {
		return saved, fmt.Errorf("update usage stats: %w", err)
	}
	s.logger.Info().Str("task_id", task.ID).Int("images", saved).Msg("gallery updated")
	return saved, nil
}

func (s *PGSink) Recent(ctx context.Context, limit, offset int) ([]Image, error) {
	limit, offset = Page(limit, offset)
	rows, err := s.sql.Query(ctx, s.listImages, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list gallery images: %w", err)
	}
	defer rows.Close()

	out := make([]Image, 0, limit)
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.TaskID, &img.Module, &img.Title, &img.Prompt, &img.ImageURL, &img.LikesCount, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan gallery image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// NopSink is used when no database is configured.
type NopSink struct{}

func (NopSink) Save(context.Context, domain.Task) (int, error) { return 0, nil }

func (NopSink) Recent(context.Context, int, int) ([]Image, error) { return []Image{}, nil }

// Persistable keeps real http(s) URLs and drops placeholders and duplicates.
func Persistable(images []string) []string {
	seen := make(map[string]struct{}, len(images))
	out := make([]string, 0, len(images))
	for _, u := range images {
		u = strings.TrimSpace(u)
		lower := strings.ToLower(u)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			continue
		}
		if image.IsPlaceholder(u) {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Title is the first 50 characters of the prompt.
func Title(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "Generated image"
	}
	if utf8.RuneCountInString(prompt) <= titleRunes {
		return prompt
	}
	return string([]rune(prompt)[:titleRunes])
}

// Page clamps list parameters: limit 1..100 (default 20), offset ≥ 0.
func Page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

var (
	_ Sink = (*PGSink)(nil)
	_ Sink = NopSink{}
)
