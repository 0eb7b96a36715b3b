package batch

import (
	"github.com/nexushq/nexus/pkg/types"
)

// Aggregate derives the parent task's status, overall progress, and
// outcome counts from its sub-tasks. It is a pure function: the same
// sub-task states always produce the same aggregate, and callers apply
// the result atomically so no intermediate mix is ever observable.
//
// Status promotion: completed iff every sub-task completed, failed iff
// every sub-task failed, partially-completed for any other all-terminal
// mix with at least one completion, cancelled for all-terminal mixes
// without one, and in-progress while any sub-task is still live.
// Overall progress is the integer mean of sub-task progress, clamped to
// [0,100].
func Aggregate(subs []types.BatchSubTask) (types.TaskStatus, int, types.TaskCounts) {
	counts := types.TaskCounts{TotalSubTasks: len(subs)}
	if len(subs) == 0 {
		return types.TaskStatusCompleted, 100, counts
	}

	var progressSum int
	allTerminal := true
	for i := range subs {
		sub := &subs[i]
		progressSum += sub.Progress

		switch sub.Status {
		case types.SubTaskStatusCompleted:
			counts.Completed++
		case types.SubTaskStatusFailed:
			counts.Failed++
		case types.SubTaskStatusCancelled:
			counts.Cancelled++
		default:
			allTerminal = false
		}
	}

	progress := progressSum / len(subs)
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	var status types.TaskStatus
	switch {
	case !allTerminal:
		status = types.TaskStatusInProgress
	case counts.Completed == len(subs):
		status = types.TaskStatusCompleted
	case counts.Failed == len(subs):
		status = types.TaskStatusFailed
	case counts.Completed > 0:
		status = types.TaskStatusPartiallyCompleted
	default:
		status = types.TaskStatusCancelled
	}

	return status, progress, counts
}
