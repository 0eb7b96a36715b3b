package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

// TransferStore indexes transfer tasks in memory. Transfer state is
// deliberately not durable; a restart forgets it. The store hands out deep
// copies so callers can read snapshots without holding the engine's locks.
type TransferStore struct {
	mu    sync.RWMutex
	tasks map[string]*types.TransferTask
}

// NewTransferStore creates an empty in-memory transfer index.
func NewTransferStore() *TransferStore {
	return &TransferStore{
		tasks: make(map[string]*types.TransferTask),
	}
}

// Create inserts a task. The id must be unique.
func (s *TransferStore) Create(task *types.TransferTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return errdefs.E(errdefs.KindValidationError, "transfer task %s already exists", task.ID)
	}
	s.tasks[task.ID] = cloneTransferTask(task)
	return nil
}

// Get returns a copy of the task.
func (s *TransferStore) Get(id string) (*types.TransferTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, errdefs.E(errdefs.KindNotFound, "transfer task not found: %s", id)
	}
	return cloneTransferTask(task), nil
}

// List returns copies of the user's tasks, newest first.
func (s *TransferStore) List(userID string) []*types.TransferTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TransferTask
	for _, task := range s.tasks {
		if task.UserID == userID {
			out = append(out, cloneTransferTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// CountByStatus groups the stored tasks by status.
func (s *TransferStore) CountByStatus() map[types.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.TaskStatus]int)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts
}

// Update replaces the stored task.
func (s *TransferStore) Update(task *types.TransferTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return errdefs.E(errdefs.KindNotFound, "transfer task not found: %s", task.ID)
	}
	s.tasks[task.ID] = cloneTransferTask(task)
	return nil
}

// Delete removes a task from the index.
func (s *TransferStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return errdefs.E(errdefs.KindNotFound, "transfer task not found: %s", id)
	}
	delete(s.tasks, id)
	return nil
}

func cloneTransferTask(t *types.TransferTask) *types.TransferTask {
	c := *t
	c.ConnectionIDs = append([]string(nil), t.ConnectionIDs...)
	c.SourceItems = append([]types.SourceItem(nil), t.SourceItems...)
	c.StartedAt = cloneTime(t.StartedAt)
	c.EndedAt = cloneTime(t.EndedAt)
	c.SubTasks = make([]types.TransferSubTask, len(t.SubTasks))
	for i := range t.SubTasks {
		sub := t.SubTasks[i]
		sub.StartedAt = cloneTime(sub.StartedAt)
		sub.EndedAt = cloneTime(sub.EndedAt)
		c.SubTasks[i] = sub
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
