package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"whiskd/internal/fileutil"
)

// Store abstracts persistence for tasks. The default implementation is a
// file-backed checkpoint; a Redis-backed store is available for deployments
// that already run one.
type Store interface {
	List(ctx context.Context) ([]*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	Add(ctx context.Context, t *Task) error
	Update(ctx context.Context, id string, u Update) (*Task, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// fileStore keeps all tasks in memory and checkpoints the full list to a
// single JSON file on every mutation.
type fileStore struct {
	mu    sync.Mutex
	path  string
	tasks map[string]*Task
	order []string
	seq   int
}

// NewFileStore loads the checkpoint under dataDir if one exists. Tasks left
// in the running state by a previous process are marked as errored.
func NewFileStore(dataDir string) (Store, error) { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	if err := fileutil.EnsureDir(dataDir); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	s := &fileStore{
		path:  filepath.Join(dataDir, "queue_checkpoint.json"),
		tasks: make(map[string]*Task),
	}
	if err := s.loadCheckpoint(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) loadCheckpoint() error {
	b, err := os.ReadFile(s.path) //nolint:gosec // path is controlled by application
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	var loaded []*Task
	if err := json.Unmarshal(b, &loaded); err != nil {
		return fmt.Errorf("parse checkpoint: %w", err)
	}
	dirty := false
	for _, t := range loaded {
		if t.ID == "" {
			continue
		}
		if t.Status == StatusRunning {
			t.Status = StatusError
			t.ErrorMessage = "Interrupted by restart"
			dirty = true
		}
		s.tasks[t.ID] = t
		s.order = append(s.order, t.ID)
		if t.Seq > s.seq {
			s.seq = t.Seq
		}
	}
	if dirty {
		return s.persistLocked()
	}
	return nil
}

// persistLocked writes the checkpoint. Caller must hold s.mu (or be in the
// single-threaded constructor).
func (s *fileStore) persistLocked() error {
	list := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.tasks[id])
	}
	return fileutil.WriteJSONAtomic(s.path, list) //nolint:wrapcheck
}

func (s *fileStore) List(ctx context.Context) ([]*Task, error) { //nolint:revive // context reserved for future use
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		c := *s.tasks[id]
		list = append(list, &c)
	}
	return list, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (*Task, error) { //nolint:revive // context reserved for future use
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	c := *t
	return &c, nil
}

func (s *fileStore) Add(ctx context.Context, t *Task) error { //nolint:revive // context reserved for future use
	if t.Prompt == "" {
		return ErrEmptyPrompt
	}
	if t.ImagesPerPrompt < 1 {
		t.ImagesPerPrompt = 1
	}
	if t.ImagesPerPrompt > 4 {
		return ErrTooManyImages
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t.Seq = s.seq
	c := *t
	s.tasks[t.ID] = &c
	s.order = append(s.order, t.ID)
	return s.persistLocked()
}

func (s *fileStore) Update(ctx context.Context, id string, u Update) (*Task, error) { //nolint:revive // context reserved for future use
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	u.apply(t)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	c := *t
	return &c, nil
}

func (s *fileStore) Delete(ctx context.Context, id string) error { //nolint:revive // context reserved for future use
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.persistLocked()
}

func (s *fileStore) Clear(ctx context.Context) error { //nolint:revive // context reserved for future use
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*Task)
	s.order = nil
	return s.persistLocked()
}
