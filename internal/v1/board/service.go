// Package board implements the Task Service: board queries and every task
// mutation, with optimistic concurrency enforced through per-task version
// checks.
package board

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowboard/flowboard/internal/v1/activity"
	"github.com/flowboard/flowboard/internal/v1/assign"
	"github.com/flowboard/flowboard/internal/v1/config"
	"github.com/flowboard/flowboard/internal/v1/conflict"
	"github.com/flowboard/flowboard/internal/v1/errs"
	"github.com/flowboard/flowboard/internal/v1/logging"
	"github.com/flowboard/flowboard/internal/v1/metrics"
	"github.com/flowboard/flowboard/internal/v1/types"
)

// Service owns all task mutations. Each mutation takes the task's keyed lock,
// so version read, validation, and persist happen atomically per task.
// Mutations that touch column ordering (create, move, archive, delete, and
// status changes through a patch) additionally serialise on orderMu, acquired
// before any task lock. Title writes take orderMu too: the uniqueness scan is
// list-check-then-persist, so every path that writes a title must hold the
// same lock as CreateTask or two near-simultaneous writers could both pass
// the scan.
type Service struct {
	store     types.TaskStore
	users     types.UserDirectory
	conflicts *conflict.Controller
	engine    *assign.Engine
	recorder  *activity.Recorder
	cfg       *config.Config

	validate *validator.Validate
	locks    *keyedMutex
	orderMu  sync.Mutex

	now   func() time.Time
	newID func() types.TaskIDType
}

// NewService wires the Task Service.
func NewService(store types.TaskStore, users types.UserDirectory, conflicts *conflict.Controller, engine *assign.Engine, recorder *activity.Recorder, cfg *config.Config) *Service {
	return &Service{
		store:     store,
		users:     users,
		conflicts: conflicts,
		engine:    engine,
		recorder:  recorder,
		cfg:       cfg,
		validate:  validator.New(),
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() types.TaskIDType { return types.TaskIDType(uuid.New().String()) },
	}
}

// observe records the per-command counters and latency histogram.
func observe(command string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CommandsTotal.WithLabelValues(command, status).Inc()
	metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// Filter narrows a board query. Zero values match everything.
type Filter struct {
	Status     types.StatusType
	AssignedTo types.UserIDType
	Priority   types.PriorityType
}

// ListTasks returns the visible board grouped by column, each column ordered
// by position ascending and newest first among equals. Archived tasks never
// appear.
func (s *Service) ListTasks(ctx context.Context, f Filter) (map[types.StatusType][]*types.Task, error) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, errs.From(err)
	}

	grouped := map[types.StatusType][]*types.Task{
		types.StatusTodo:       {},
		types.StatusInProgress: {},
		types.StatusDone:       {},
	}
	for _, t := range tasks {
		if t.IsArchived {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		grouped[t.Status] = append(grouped[t.Status], t)
	}
	for status := range grouped {
		grouped[status] = columnOf(grouped[status], status, "")
	}
	return grouped, nil
}

// GetTask returns one visible task. Archived tasks read as not found.
func (s *Service) GetTask(ctx context.Context, id types.TaskIDType) (*types.Task, error) {
	return s.getVisible(ctx, id)
}

func (s *Service) getVisible(ctx context.Context, id types.TaskIDType) (*types.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, errs.From(err)
	}
	if t.IsArchived {
		return nil, errs.Newf(errs.CodeNotFound, "task %q not found", string(id))
	}
	return t, nil
}

// CreateInput is the payload for CreateTask. Status and Priority default to
// todo and medium when omitted.
type CreateInput struct {
	Title       string             `json:"title" validate:"required"`
	Description string             `json:"description"`
	Status      types.StatusType   `json:"status" validate:"omitempty,oneof=todo in-progress done"`
	Priority    types.PriorityType `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	AssignedTo  types.UserIDType   `json:"assignedTo"`
	DueDate     *time.Time         `json:"dueDate"`
	Tags        []string           `json:"tags"`
}

// CreateTask validates the input, places the task at the end of its column,
// and persists it at version 1.
func (s *Service) CreateTask(ctx context.Context, actor types.UserIDType, in CreateInput) (task *types.Task, events []types.Event, err error) {
	start := s.now()
	defer func() { observe("task.create", start, err) }()

	if err = s.structErr(in); err != nil {
		return nil, nil, err
	}
	if in.Status == "" {
		in.Status = types.StatusTodo
	}
	if in.Priority == "" {
		in.Priority = types.PriorityMedium
	}
	if err = s.checkDescription(in.Description); err != nil {
		return nil, nil, err
	}
	if err = s.checkDueDate(in.DueDate); err != nil {
		return nil, nil, err
	}
	tags, err := s.normalizeTags(in.Tags)
	if err != nil {
		return nil, nil, err
	}
	if in.AssignedTo != "" {
		if err = s.checkAssignee(ctx, in.AssignedTo); err != nil {
			return nil, nil, err
		}
	}

	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	if err = s.checkTitle(ctx, in.Title, ""); err != nil {
		return nil, nil, err
	}
	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, nil, errs.From(err)
	}

	now := s.now()
	task = &types.Task{
		ID:             s.newID(),
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		Status:         in.Status,
		Priority:       in.Priority,
		AssignedTo:     in.AssignedTo,
		CreatedBy:      actor,
		DueDate:        in.DueDate,
		Tags:           tags,
		Position:       nextPosition(tasks, in.Status),
		Version:        1,
		CreatedAt:      now,
		LastModifiedAt: now,
		LastModifiedBy: actor,
	}
	if err = s.store.Insert(ctx, task); err != nil {
		return nil, nil, errs.From(err)
	}

	logging.Info(ctx, "Task created",
		zap.String("task_id", string(task.ID)),
		zap.String("actor", string(actor)),
		zap.String("status", string(task.Status)),
	)
	s.recordActivity(ctx, &types.ActivityRecord{
		Action:   activity.ActionTaskCreated,
		Actor:    actor,
		Target:   task.Title,
		Category: types.CategoryTask,
		Severity: types.SeverityLow,
		After:    task.Clone(),
	})

	events = []types.Event{taskEvent(types.FrameTaskCreated, actor, task.ID, TaskCreatedData{Task: task.Clone()})}
	return task, events, nil
}

// UpdateTask applies a partial update after the version check. A mismatch
// between knownVersion and the stored version registers a conflict and fails
// with its descriptor; the client change is kept so a later merge can replay
// it.
func (s *Service) UpdateTask(ctx context.Context, actor types.UserIDType, id types.TaskIDType, knownVersion int64, patch types.TaskPatch) (task *types.Task, events []types.Event, err error) {
	start := s.now()
	defer func() { observe("task.update", start, err) }()

	if patch.Status != nil || patch.Title != nil {
		s.orderMu.Lock()
		defer s.orderMu.Unlock()
	}
	s.locks.lock(id)
	defer s.locks.unlock(id)

	cur, err := s.getVisible(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err = s.versionCheck(ctx, cur, knownVersion, actor, &patch); err != nil {
		return nil, nil, err
	}
	return s.applyPatchLocked(ctx, actor, cur, patch)
}

// versionCheck registers a conflict when the client's known version does not
// match the stored one.
func (s *Service) versionCheck(ctx context.Context, cur *types.Task, knownVersion int64, actor types.UserIDType, patch *types.TaskPatch) error {
	if knownVersion == cur.Version {
		return nil
	}
	desc := s.conflicts.Register(cur, knownVersion, patch)
	s.recordActivity(ctx, &types.ActivityRecord{
		Action:     activity.ActionConflictDetected,
		Actor:      actor,
		Target:     cur.Title,
		Category:   types.CategoryTask,
		Severity:   types.SeverityHigh,
		ConflictID: desc.ConflictID,
	})
	return errs.ConflictError(desc)
}

// applyPatchLocked validates and applies patch to cur, bumps the version once,
// and persists. The caller holds the task lock, plus orderMu when the patch
// can change the status.
func (s *Service) applyPatchLocked(ctx context.Context, actor types.UserIDType, cur *types.Task, patch types.TaskPatch) (*types.Task, []types.Event, error) {
	if patch.IsEmpty() {
		return cur, nil, nil
	}
	before := cur.Clone()

	if patch.Title != nil {
		trimmed := strings.TrimSpace(*patch.Title)
		if err := s.checkTitle(ctx, trimmed, cur.ID); err != nil {
			return nil, nil, err
		}
		cur.Title = trimmed
	}
	if patch.Description != nil {
		if err := s.checkDescription(*patch.Description); err != nil {
			return nil, nil, err
		}
		cur.Description = *patch.Description
	}
	if patch.Priority != nil {
		if !types.ValidPriority(*patch.Priority) {
			return nil, nil, errs.Validation(errs.FieldError{Field: "priority", Reason: "unknown priority"})
		}
		cur.Priority = *patch.Priority
	}
	if patch.AssignedTo != nil {
		if *patch.AssignedTo != "" {
			if err := s.checkAssignee(ctx, *patch.AssignedTo); err != nil {
				return nil, nil, err
			}
		}
		cur.AssignedTo = *patch.AssignedTo
	}
	if patch.DueDate != nil {
		changed := cur.DueDate == nil || !patch.DueDate.Equal(*cur.DueDate)
		if changed {
			if err := s.checkDueDate(patch.DueDate); err != nil {
				return nil, nil, err
			}
		}
		cur.DueDate = patch.DueDate
	}
	if patch.Tags != nil {
		tags, err := s.normalizeTags(*patch.Tags)
		if err != nil {
			return nil, nil, err
		}
		cur.Tags = tags
	}

	var moved *TaskMovedData
	if patch.Status != nil {
		if !types.ValidStatus(*patch.Status) {
			return nil, nil, errs.Validation(errs.FieldError{Field: "status", Reason: "unknown status"})
		}
		if *patch.Status != cur.Status {
			tasks, err := s.store.List(ctx)
			if err != nil {
				return nil, nil, errs.From(err)
			}
			from := PositionRef{Status: cur.Status, Position: cur.Position}
			source := columnOf(tasks, cur.Status, cur.ID)
			cur.Status = *patch.Status
			cur.Position = nextPosition(tasks, cur.Status)
			reordered, err := s.renumberColumn(ctx, source, "", actor)
			if err != nil {
				return nil, nil, errs.From(err)
			}
			moved = &TaskMovedData{
				From:      from,
				To:        PositionRef{Status: cur.Status, Position: cur.Position},
				Reordered: reordered,
			}
		}
	}

	cur.Version++
	cur.LastModifiedAt = s.now()
	cur.LastModifiedBy = actor
	if err := s.store.Update(ctx, cur); err != nil {
		return nil, nil, errs.From(err)
	}

	s.recordActivity(ctx, &types.ActivityRecord{
		Action:   activity.ActionTaskUpdated,
		Actor:    actor,
		Target:   cur.Title,
		Category: types.CategoryTask,
		Severity: types.SeverityLow,
		Before:   before,
		After:    cur.Clone(),
	})

	beforeDelta, afterDelta := patchDelta(before, cur)
	events := []types.Event{taskEvent(types.FrameTaskUpdated, actor, cur.ID, TaskUpdatedData{
		Task:   cur.Clone(),
		Before: beforeDelta,
		After:  afterDelta,
	})}
	if moved != nil {
		moved.Task = cur.Clone()
		events = append(events, taskEvent(types.FrameTaskMoved, actor, cur.ID, *moved))
	}
	return cur, events, nil
}

// MoveTask relocates a task to a column slot. The requested slot is clamped
// into range; only tasks whose position actually changes are renumbered, and
// each of those has its version bumped exactly once.
func (s *Service) MoveTask(ctx context.Context, actor types.UserIDType, id types.TaskIDType, knownVersion int64, toStatus types.StatusType, toPosition int) (task *types.Task, events []types.Event, err error) {
	start := s.now()
	defer func() { observe("task.move", start, err) }()

	if !types.ValidStatus(toStatus) {
		return nil, nil, errs.Validation(errs.FieldError{Field: "toStatus", Reason: "unknown status"})
	}

	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	s.locks.lock(id)
	defer s.locks.unlock(id)

	cur, err := s.getVisible(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err = s.versionCheck(ctx, cur, knownVersion, actor, &types.TaskPatch{Status: &toStatus}); err != nil {
		return nil, nil, err
	}

	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, nil, errs.From(err)
	}

	from := PositionRef{Status: cur.Status, Position: cur.Position}
	sameColumn := toStatus == cur.Status

	target := columnOf(tasks, toStatus, cur.ID)
	slot := clampPosition(toPosition, len(target))
	ordering := make([]*types.Task, 0, len(target)+1)
	ordering = append(ordering, target[:slot]...)
	ordering = append(ordering, cur)
	ordering = append(ordering, target[slot:]...)

	cur.Status = toStatus
	reordered, err := s.renumberColumn(ctx, ordering, cur.ID, actor)
	if err != nil {
		return nil, nil, errs.From(err)
	}
	if !sameColumn {
		sourceReordered, err := s.renumberColumn(ctx, columnOf(tasks, from.Status, cur.ID), "", actor)
		if err != nil {
			return nil, nil, errs.From(err)
		}
		reordered = append(reordered, sourceReordered...)
	}

	cur.Version++
	cur.LastModifiedAt = s.now()
	cur.LastModifiedBy = actor
	if err = s.store.Update(ctx, cur); err != nil {
		return nil, nil, errs.From(err)
	}

	s.recordActivity(ctx, &types.ActivityRecord{
		Action:   activity.ActionTaskMoved,
		Actor:    actor,
		Target:   cur.Title,
		Category: types.CategoryTask,
		Severity: types.SeverityLow,
		After:    cur.Clone(),
	})

	events = []types.Event{taskEvent(types.FrameTaskMoved, actor, cur.ID, TaskMovedData{
		Task:      cur.Clone(),
		From:      from,
		To:        PositionRef{Status: cur.Status, Position: cur.Position},
		Reordered: reordered,
	})}
	return cur, events, nil
}

// AssignTask sets or clears the assignee. An empty assignee clears; clearing
// an already-unassigned task is a no-op that does not bump the version.
func (s *Service) AssignTask(ctx context.Context, actor types.UserIDType, id types.TaskIDType, knownVersion int64, assignee types.UserIDType) (*types.Task, []types.Event, error) {
	return s.assign(ctx, actor, id, knownVersion, assignee, false)
}

// SmartAssignTask picks the active user with the fewest open tasks (ties
// broken uniformly at random) and assigns them.
func (s *Service) SmartAssignTask(ctx context.Context, actor types.UserIDType, id types.TaskIDType, knownVersion int64) (*types.Task, []types.Event, error) {
	pick, err := s.engine.Pick(ctx)
	if err != nil {
		return nil, nil, errs.From(err)
	}
	return s.assign(ctx, actor, id, knownVersion, pick, true)
}

func (s *Service) assign(ctx context.Context, actor types.UserIDType, id types.TaskIDType, knownVersion int64, assignee types.UserIDType, smart bool) (task *types.Task, events []types.Event, err error) {
	command := "task.assign"
	if smart {
		command = "task.smart_assign"
	}
	start := s.now()
	defer func() { observe(command, start, err) }()

	if assignee != "" {
		if err = s.checkAssignee(ctx, assignee); err != nil {
			return nil, nil, err
		}
	}

	s.locks.lock(id)
	defer s.locks.unlock(id)

	cur, err := s.getVisible(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err = s.versionCheck(ctx, cur, knownVersion, actor, &types.TaskPatch{AssignedTo: &assignee}); err != nil {
		return nil, nil, err
	}
	if cur.AssignedTo == assignee {
		return cur, nil, nil
	}

	cur.AssignedTo = assignee
	cur.Version++
	cur.LastModifiedAt = s.now()
	cur.LastModifiedBy = actor
	if err = s.store.Update(ctx, cur); err != nil {
		return nil, nil, errs.From(err)
	}

	action := activity.ActionTaskAssigned
	kind := types.FrameTaskAssigned
	var data any = TaskAssignedData{Task: cur.Clone(), AssignedTo: assignee, SmartAssigned: smart}
	switch {
	case assignee == "":
		action = activity.ActionTaskUnassigned
		kind = types.FrameTaskUnassigned
		data = TaskUnassignedData{Task: cur.Clone()}
	case smart:
		action = activity.ActionSmartAssigned
	}

	s.recordActivity(ctx, &types.ActivityRecord{
		Action:   action,
		Actor:    actor,
		Target:   cur.Title,
		Category: types.CategoryTask,
		Severity: types.SeverityLow,
		After:    cur.Clone(),
	})

	events = []types.Event{taskEvent(kind, actor, cur.ID, data)}
	return cur, events, nil
}

// AddComment appends to the task's comment thread. Comments are orthogonal to
// the conflict-checked fields, so the version is not bumped and no version
// check applies.
func (s *Service) AddComment(ctx context.Context, actor types.UserIDType, id types.TaskIDType, text string) (comment *types.Comment, events []types.Event, err error) {
	start := s.now()
	defer func() { observe("task.comment", start, err) }()

	if err = s.checkComment(text); err != nil {
		return nil, nil, err
	}

	s.locks.lock(id)
	defer s.locks.unlock(id)

	cur, err := s.getVisible(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	c := types.Comment{Author: actor, Text: strings.TrimSpace(text), CreatedAt: s.now()}
	cur.Comments = append(cur.Comments, c)
	if err = s.store.Update(ctx, cur); err != nil {
		return nil, nil, errs.From(err)
	}

	s.recordActivity(ctx, &types.ActivityRecord{
		Action:   activity.ActionTaskCommented,
		Actor:    actor,
		Target:   cur.Title,
		Category: types.CategoryTask,
		Severity: types.SeverityLow,
	})

	events = []types.Event{taskEvent(types.FrameTaskCommented, actor, cur.ID, TaskCommentedData{
		TaskID:       cur.ID,
		Comment:      c,
		CommentCount: len(cur.Comments),
	})}
	return &c, events, nil
}

// ArchiveTask hides a task from the board. Only the creator or an admin may
// archive; the column closes the gap behind it.
func (s *Service) ArchiveTask(ctx context.Context, actor types.UserIDType, id types.TaskIDType) (task *types.Task, events []types.Event, err error) {
	start := s.now()
	defer func() { observe("task.archive", start, err) }()

	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	s.locks.lock(id)
	defer s.locks.unlock(id)

	cur, err := s.getVisible(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err = s.authorizeOwner(ctx, actor, cur); err != nil {
		return nil, nil, err
	}

	now := s.now()
	cur.IsArchived = true
	cur.ArchivedAt = &now
	cur.ArchivedBy = actor
	cur.Version++
	cur.LastModifiedAt = now
	cur.LastModifiedBy = actor
	if err = s.store.Update(ctx, cur); err != nil {
		return nil, nil, errs.From(err)
	}

	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, nil, errs.From(err)
	}
	if _, err = s.renumberColumn(ctx, columnOf(tasks, cur.Status, cur.ID), "", actor); err != nil {
		return nil, nil, errs.From(err)
	}

	s.recordActivity(ctx, &types.ActivityRecord{
		Action:   activity.ActionTaskArchived,
		Actor:    actor,
		Target:   cur.Title,
		Category: types.CategoryTask,
		Severity: types.SeverityMedium,
		Before:   cur.Clone(),
	})

	events = []types.Event{taskEvent(types.FrameTaskArchived, actor, cur.ID, TaskArchivedData{
		TaskID:     cur.ID,
		ArchivedBy: actor,
		Version:    cur.Version,
	})}
	return cur, events, nil
}

// DeleteTask removes a task permanently. Only the creator or an admin may
// delete, and only tasks that are still visible on the board.
func (s *Service) DeleteTask(ctx context.Context, actor types.UserIDType, id types.TaskIDType) (events []types.Event, err error) {
	start := s.now()
	defer func() { observe("task.delete", start, err) }()

	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	s.locks.lock(id)
	defer s.locks.unlock(id)

	cur, err := s.getVisible(ctx, id)
	if err != nil {
		return nil, err
	}
	if err = s.authorizeOwner(ctx, actor, cur); err != nil {
		return nil, err
	}

	if err = s.store.Delete(ctx, cur.ID); err != nil {
		return nil, errs.From(err)
	}

	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, errs.From(err)
	}
	if _, err = s.renumberColumn(ctx, columnOf(tasks, cur.Status, cur.ID), "", actor); err != nil {
		return nil, errs.From(err)
	}

	logging.Info(ctx, "Task deleted",
		zap.String("task_id", string(cur.ID)),
		zap.String("actor", string(actor)),
	)
	s.recordActivity(ctx, &types.ActivityRecord{
		Action:   activity.ActionTaskDeleted,
		Actor:    actor,
		Target:   cur.Title,
		Category: types.CategoryTask,
		Severity: types.SeverityMedium,
		Before:   cur.Clone(),
	})

	events = []types.Event{taskEvent(types.FrameTaskDeleted, actor, cur.ID, TaskDeletedData{
		TaskID:    cur.ID,
		DeletedBy: actor,
	})}
	return events, nil
}

// authorizeOwner allows the task creator and admins through.
func (s *Service) authorizeOwner(ctx context.Context, actor types.UserIDType, t *types.Task) error {
	if actor == t.CreatedBy {
		return nil
	}
	u, err := s.users.Get(ctx, actor)
	if err == nil && u.IsAdmin() {
		return nil
	}
	return errs.New(errs.CodeForbidden, "only the creator or an admin may do that")
}

// ResolveConflict settles a pending conflict with the chosen strategy.
// take-theirs and take-mine both leave the server state untouched and reply
// with it; take-mine only records the intent, after which the client resends
// its change with knownVersion set to the current version. merge applies the
// field-wise combination server-side. The conflict stays pending if the
// merged change fails validation.
func (s *Service) ResolveConflict(ctx context.Context, actor types.UserIDType, id types.TaskIDType, conflictID string, strategy types.ResolutionStrategy) (task *types.Task, events []types.Event, err error) {
	start := s.now()
	defer func() { observe("conflict.resolve", start, err) }()

	if !types.ValidStrategy(strategy) {
		return nil, nil, errs.Validation(errs.FieldError{Field: "strategy", Reason: "unknown strategy"})
	}
	desc, patch, ok := s.conflicts.Lookup(id, conflictID)
	if !ok {
		return nil, nil, errs.Newf(errs.CodeUnknownConflict, "no pending conflict %q for task %q", conflictID, string(id))
	}

	replay := strategy == types.ResolveMerge && patch != nil && (patch.Status != nil || patch.Title != nil)
	if replay {
		s.orderMu.Lock()
		defer s.orderMu.Unlock()
	}
	s.locks.lock(id)
	defer s.locks.unlock(id)

	cur, err := s.getVisible(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	task = cur
	switch strategy {
	case types.ResolveTakeTheirs:
		// Server state wins; nothing to write.
	case types.ResolveTakeMine:
		// Intent only. The client resends against the current version, so a
		// server-side replay here would push the version past what the
		// descriptor told them and trigger a second, spurious conflict.
	case types.ResolveMerge:
		merged := conflict.MergePatch(desc.ServerTask, cur, patch)
		if !merged.IsEmpty() {
			task, events, err = s.applyPatchLocked(ctx, actor, cur, *merged)
		}
	}
	if err != nil {
		return nil, nil, err
	}

	s.conflicts.Settle(conflictID)
	if s.recorder != nil {
		s.recorder.MarkResolved(conflictID, strategy)
	}
	metrics.ConflictsResolved.WithLabelValues(string(strategy)).Inc()
	logging.Info(ctx, "Conflict resolved",
		zap.String("task_id", string(id)),
		zap.String("conflict_id", conflictID),
		zap.String("strategy", string(strategy)),
	)
	s.recordActivity(ctx, &types.ActivityRecord{
		Action:     activity.ActionConflictResolved,
		Actor:      actor,
		Target:     task.Title,
		Category:   types.CategoryTask,
		Severity:   types.SeverityMedium,
		ConflictID: conflictID,
		IsResolved: true,
	})

	events = append(events, taskEvent(types.FrameConflictResolved, actor, id, ConflictResolvedData{
		TaskID:     id,
		ConflictID: conflictID,
		Strategy:   strategy,
		ResolvedBy: actor,
		Task:       task.Clone(),
	}))
	return task, events, nil
}

// recordActivity forwards to the recorder when one is wired.
func (s *Service) recordActivity(ctx context.Context, rec *types.ActivityRecord) {
	if s.recorder != nil {
		s.recorder.Record(ctx, rec)
	}
}

// structErr translates validator failures into the client-facing taxonomy.
func (s *Service) structErr(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]errs.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, errs.FieldError{
				Field:  strings.ToLower(fe.Field()),
				Reason: "failed " + fe.Tag() + " validation",
			})
		}
		return errs.Validation(fields...)
	}
	return errs.Internal(err)
}

// patchDelta reports the fields that differ between two task snapshots, as
// before and after maps keyed by JSON field name.
func patchDelta(before, after *types.Task) (map[string]any, map[string]any) {
	b := map[string]any{}
	a := map[string]any{}
	if before.Title != after.Title {
		b["title"], a["title"] = before.Title, after.Title
	}
	if before.Description != after.Description {
		b["description"], a["description"] = before.Description, after.Description
	}
	if before.Status != after.Status {
		b["status"], a["status"] = before.Status, after.Status
	}
	if before.Priority != after.Priority {
		b["priority"], a["priority"] = before.Priority, after.Priority
	}
	if before.AssignedTo != after.AssignedTo {
		b["assignedTo"], a["assignedTo"] = before.AssignedTo, after.AssignedTo
	}
	if !equalTime(before.DueDate, after.DueDate) {
		b["dueDate"], a["dueDate"] = before.DueDate, after.DueDate
	}
	if !equalTags(before.Tags, after.Tags) {
		b["tags"], a["tags"] = before.Tags, after.Tags
	}
	if before.Position != after.Position {
		b["position"], a["position"] = before.Position, after.Position
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, a
}

func equalTime(x, y *time.Time) bool {
	if x == nil || y == nil {
		return x == y
	}
	return x.Equal(*y)
}

func equalTags(x, y []string) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
