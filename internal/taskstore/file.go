package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/domain"
)

// FileStore keeps one JSON file per task under dir with an in-memory cache in
// front. The store-wide lock only guards the cache map; reads and writes of a
// task hold that task's own mutex.
type FileStore struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cache  map[string]*fileEntry
	closed bool
}

type fileEntry struct {
	mu   sync.Mutex
	task domain.Task
}

// NewFileStore creates dir if needed. Existing task files are loaded lazily.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("task store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task store directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "taskstore").Str("backend", "file").Logger(),
		now:    time.Now,
		cache:  make(map[string]*fileEntry),
	}, nil
}

func (s *FileStore) Create(ctx context.Context, task domain.Task) error {
	if err := checkID(task.ID); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if _, ok := s.cache[task.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", task.ID, ErrDuplicateTask)
	}
	if _, err := os.Stat(s.path(task.ID)); err == nil {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", task.ID, ErrDuplicateTask)
	}
	e := &fileEntry{task: task.Clone()}
	e.mu.Lock()
	s.cache[task.ID] = e
	s.mu.Unlock()

	defer e.mu.Unlock()
	s.persist(e.task)
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (domain.Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

func (s *FileStore) Update(ctx context.Context, id string, fn Mutator) (domain.Task, error) {
	e, err := s.entry(id)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next, changed, err := apply(e.task, fn, s.now)
	if err != nil || !changed {
		return next, err
	}
	e.task = next
	s.persist(next)
	return next.Clone(), nil
}

func (s *FileStore) ListActive(ctx context.Context) ([]domain.Task, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read task store directory: %w", err)
	}
	seen := make(map[string]struct{}, len(dirents))
	var out []domain.Task
	collect := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		task, err := s.Get(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("task_id", id).Msg("skip unreadable task")
			return
		}
		if !task.Status.Terminal() {
			out = append(out, task)
		}
	}
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		collect(strings.TrimSuffix(name, ".json"))
	}
	// tasks whose file write failed still live in the cache
	for _, id := range s.cachedIDs() {
		collect(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.dir)
	return err
}

// Close stops the store. Every accepted write has already been flushed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// entry returns the cached entry for id, loading it from disk on a miss.
func (s *FileStore) entry(id string) (*fileEntry, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.cache[id]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}
	if ok {
		return e, nil
	}

	task, err := s.read(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache[id]; ok {
		return e, nil
	}
	e = &fileEntry{task: task}
	s.cache[id] = e
	return e, nil
}

func (s *FileStore) read(id string) (domain.Task, error) {
	raw, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("read task %s: %w", id, err)
	}
	var task domain.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return domain.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	if task.Logs == nil {
		task.Logs = []string{}
	}
	return task, nil
}

// persist writes through a temp file and rename so readers never see a torn
// record. A failed write is logged and the cached copy stays authoritative.
func (s *FileStore) persist(task domain.Task) {
	if err := s.write(task); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("persist task failed; keeping in-memory state")
	}
}

func (s *FileStore) write(task domain.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, task.ID+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(task.ID))
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *FileStore) cachedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, id)
	}
	return ids
}

var _ Store = (*FileStore)(nil)
