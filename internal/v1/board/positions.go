package board

import (
	"context"
	"fmt"
	"sort"

	"github.com/flowboard/flowboard/internal/v1/types"
)

// columnOf returns the non-archived tasks of a column ordered by position
// ascending, newest first among equal positions. Tasks listed in skip are
// excluded.
func columnOf(tasks []*types.Task, status types.StatusType, skip types.TaskIDType) []*types.Task {
	col := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.IsArchived || t.Status != status || t.ID == skip {
			continue
		}
		col = append(col, t)
	}
	sort.SliceStable(col, func(i, j int) bool {
		if col[i].Position != col[j].Position {
			return col[i].Position < col[j].Position
		}
		return col[i].CreatedAt.After(col[j].CreatedAt)
	})
	return col
}

// clampPosition bounds a requested insertion slot to [0, n] where n is the
// column size without the moving task. Out-of-range requests land at the
// nearest end instead of failing.
func clampPosition(pos, n int) int {
	if pos < 0 {
		return 0
	}
	if pos > n {
		return n
	}
	return pos
}

// renumberColumn writes positions 0..n-1 onto ordering. Every task whose
// position actually changes has its version bumped and is persisted; tasks
// already in place are left untouched. The moving task (if any) is expected to
// be persisted by the caller and is reported but not written here.
func (s *Service) renumberColumn(ctx context.Context, ordering []*types.Task, moving types.TaskIDType, actor types.UserIDType) ([]ReorderedTask, error) {
	var reordered []ReorderedTask
	now := s.now()
	for i, t := range ordering {
		if t.Position == i {
			continue
		}
		t.Position = i
		if t.ID == moving {
			continue
		}
		t.Version++
		t.LastModifiedAt = now
		t.LastModifiedBy = actor
		if err := s.store.Update(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to renumber task %s: %w", t.ID, err)
		}
		reordered = append(reordered, ReorderedTask{TaskID: t.ID, Position: i, Version: t.Version})
	}
	return reordered, nil
}

// nextPosition returns the append slot at the end of a column.
func nextPosition(tasks []*types.Task, status types.StatusType) int {
	n := 0
	for _, t := range tasks {
		if !t.IsArchived && t.Status == status {
			n++
		}
	}
	return n
}
