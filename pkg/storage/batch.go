package storage

import (
	"context"

	"gorm.io/gorm"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

// CreateBatchTask inserts the task and all its sub-tasks in one transaction
// so a crash never leaves a task without its units.
func (s *GORMStore) CreateBatchTask(ctx context.Context, task *types.BatchTask) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(task).Error
	})
}

func (s *GORMStore) GetBatchTask(ctx context.Context, id string) (*types.BatchTask, error) {
	var task types.BatchTask
	err := s.db.WithContext(ctx).
		Preload("SubTasks", func(db *gorm.DB) *gorm.DB {
			return db.Order("batch_subtasks.position")
		}).
		Where("id = ?", id).
		First(&task).Error
	if err != nil {
		return nil, convertNotFoundError(err, "batch task", id)
	}
	return &task, nil
}

func (s *GORMStore) ListBatchTasks(ctx context.Context, userID string) ([]*types.BatchTask, error) {
	var tasks []*types.BatchTask
	err := s.db.WithContext(ctx).
		Preload("SubTasks", func(db *gorm.DB) *gorm.DB {
			return db.Order("batch_subtasks.position")
		}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListUnfinishedBatchTasks returns tasks whose aggregate status is not
// terminal. Used by the startup recovery sweep.
func (s *GORMStore) ListUnfinishedBatchTasks(ctx context.Context) ([]*types.BatchTask, error) {
	var tasks []*types.BatchTask
	err := s.db.WithContext(ctx).
		Preload("SubTasks", func(db *gorm.DB) *gorm.DB {
			return db.Order("batch_subtasks.position")
		}).
		Where("status IN ?", []types.TaskStatus{
			types.TaskStatusQueued,
			types.TaskStatusInProgress,
			types.TaskStatusCancelling,
		}).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// CountBatchTasksByStatus groups all batch tasks by status.
func (s *GORMStore) CountBatchTasksByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	var rows []struct {
		Status types.TaskStatus
		N      int
	}
	err := s.db.WithContext(ctx).
		Model(&types.BatchTask{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[types.TaskStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

// UpdateBatchTask rewrites the task row. Sub-task rows are written through
// UpdateBatchSubTask; associations are deliberately not saved here.
func (s *GORMStore) UpdateBatchTask(ctx context.Context, task *types.BatchTask) error {
	result := s.db.WithContext(ctx).
		Model(&types.BatchTask{}).
		Where("id = ?", task.ID).
		Select("Status", "Progress", "TotalSubTasks", "Completed", "Failed", "Cancelled",
			"StartedAt", "EndedAt").
		Updates(task)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errdefs.E(errdefs.KindNotFound, "batch task not found: %s", task.ID)
	}
	return nil
}

func (s *GORMStore) UpdateBatchSubTask(ctx context.Context, sub *types.BatchSubTask) error {
	result := s.db.WithContext(ctx).
		Model(&types.BatchSubTask{}).
		Where("id = ?", sub.ID).
		Select("Status", "Progress", "ExitCode", "Output", "Message", "StartedAt", "EndedAt").
		Updates(sub)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errdefs.E(errdefs.KindNotFound, "batch sub-task not found: %s", sub.ID)
	}
	return nil
}

// DeleteBatchTask removes a task and its sub-tasks.
func (s *GORMStore) DeleteBatchTask(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task types.BatchTask
		if err := tx.Where("id = ?", id).First(&task).Error; err != nil {
			return convertNotFoundError(err, "batch task", id)
		}
		if err := tx.Where("task_id = ?", id).Delete(&types.BatchSubTask{}).Error; err != nil {
			return err
		}
		return tx.Delete(&task).Error
	})
}
