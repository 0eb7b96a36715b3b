package transfer

import "github.com/nexushq/nexus/pkg/types"

// Aggregate derives the task-level status, overall progress, and outcome
// counts from the sub-task slice. It is a pure function; callers hold
// whatever lock guards the slice.
//
// Overall progress is the integer mean of sub-task progress. A completed
// sub-task counts as 100; failed and cancelled sub-tasks keep their last
// known progress.
func Aggregate(subs []types.TransferSubTask) (types.TaskStatus, int, types.TaskCounts) {
	counts := types.TaskCounts{TotalSubTasks: len(subs)}
	if len(subs) == 0 {
		return types.TaskStatusCompleted, 100, counts
	}

	allTerminal := true
	progressSum := 0
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
	} else if progress > 100 {
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
