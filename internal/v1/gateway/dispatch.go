package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/flowboard/flowboard/internal/v1/board"
	"github.com/flowboard/flowboard/internal/v1/errs"
	"github.com/flowboard/flowboard/internal/v1/types"
)

// Command payloads.

type taskUpdateCmd struct {
	TaskID  types.TaskIDType `json:"taskId"`
	Version int64            `json:"version"`
	Patch   types.TaskPatch  `json:"patch"`
}

type taskMoveCmd struct {
	TaskID     types.TaskIDType `json:"taskId"`
	Version    int64            `json:"version"`
	ToStatus   types.StatusType `json:"toStatus"`
	ToPosition int              `json:"toPosition"`
}

type taskAssignCmd struct {
	TaskID     types.TaskIDType `json:"taskId"`
	Version    int64            `json:"version"`
	AssignedTo types.UserIDType `json:"assignedTo"`
}

type taskCommentCmd struct {
	TaskID types.TaskIDType `json:"taskId"`
	Text   string           `json:"text"`
}

type taskIDCmd struct {
	TaskID  types.TaskIDType `json:"taskId"`
	Version int64            `json:"version"`
}

type conflictResolveCmd struct {
	TaskID     types.TaskIDType         `json:"taskId"`
	ConflictID string                   `json:"conflictId"`
	Strategy   types.ResolutionStrategy `json:"strategy"`
}

type roomCmd struct {
	Room types.RoomKeyType `json:"room"`
}

// EditStartedData announces an advisory edit lock to a task's room.
type EditStartedData struct {
	TaskID      types.TaskIDType `json:"taskId"`
	EditorID    types.UserIDType `json:"editorId"`
	DisplayName string           `json:"displayName,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
}

// EditEndedData announces that an advisory edit lock was released.
type EditEndedData struct {
	TaskID   types.TaskIDType `json:"taskId"`
	EditorID types.UserIDType `json:"editorId"`
	Reason   string           `json:"reason,omitempty"`
}

// handleFrame routes one inbound frame. Command frames are acknowledged on
// the originating session before their broadcasts are dispatched, so the
// originator always sees its ack first.
func (h *Hub) handleFrame(ctx context.Context, s *Session, frame *types.Frame) {
	switch frame.Type {
	case types.FrameRoomJoin:
		h.handleRoomJoin(ctx, s, frame)
	case types.FrameRoomLeave:
		var cmd roomCmd
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "room", Reason: "invalid payload"}))
			return
		}
		h.router.Leave(s, cmd.Room)
		h.sendAck(s, frame.ID, nil)

	case types.FrameEditStart:
		h.handleEditStart(ctx, s, frame)
	case types.FrameEditEnd:
		h.handleEditEnd(ctx, s, frame)
	case types.FrameTyping, types.FrameCursor:
		h.relayEphemeral(s, frame)

	case types.FrameCmdTaskCreate:
		var in board.CreateInput
		if err := json.Unmarshal(frame.Data, &in); err != nil {
			h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "data", Reason: "invalid payload"}))
			return
		}
		task, events, err := h.boards.CreateTask(ctx, s.userID, in)
		h.finishCommand(s, frame.ID, task, events, err)

	case types.FrameCmdTaskUpdate:
		var cmd taskUpdateCmd
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "data", Reason: "invalid payload"}))
			return
		}
		task, events, err := h.boards.UpdateTask(ctx, s.userID, cmd.TaskID, cmd.Version, cmd.Patch)
		h.finishCommand(s, frame.ID, task, events, err)

	case types.FrameCmdTaskMove:
		var cmd taskMoveCmd
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "data", Reason: "invalid payload"}))
			return
		}
		task, events, err := h.boards.MoveTask(ctx, s.userID, cmd.TaskID, cmd.Version, cmd.ToStatus, cmd.ToPosition)
		h.finishCommand(s, frame.ID, task, events, err)

	case types.FrameCmdTaskAssign:
		var cmd taskAssignCmd
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "data", Reason: "invalid payload"}))
			return
		}
		task, events, err := h.boards.AssignTask(ctx, s.userID, cmd.TaskID, cmd.Version, cmd.AssignedTo)
		h.finishCommand(s, frame.ID, task, events, err)

	case types.FrameCmdTaskSmartAssign:
		var cmd taskIDCmd
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "data", Reason: "invalid payload"}))
			return
		}
		task, events, err := h.boards.SmartAssignTask(ctx, s.userID, cmd.TaskID, cmd.Version)
		var result any
		if err == nil {
			result = map[string]any{"task": task, "assignee": task.AssignedTo}
		}
		h.finishCommand(s, frame.ID, result, events, err)

	case types.FrameCmdTaskComment:
		var cmd taskCommentCmd
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "data", Reason: "invalid payload"}))
			return
		}
		comment, events, err := h.boards.AddComment(ctx, s.userID, cmd.TaskID, cmd.Text)
		h.finishCommand(s, frame.ID, comment, events, err)

	case types.FrameCmdTaskArchive:
		var cmd taskIDCmd
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "data", Reason: "invalid payload"}))
			return
		}
		task, events, err := h.boards.ArchiveTask(ctx, s.userID, cmd.TaskID)
		h.finishCommand(s, frame.ID, task, events, err)

	case types.FrameCmdTaskDelete:
		var cmd taskIDCmd
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "data", Reason: "invalid payload"}))
			return
		}
		events, err := h.boards.DeleteTask(ctx, s.userID, cmd.TaskID)
		h.finishCommand(s, frame.ID, map[string]any{"taskId": cmd.TaskID}, events, err)

	case types.FrameConflictResolve:
		var cmd conflictResolveCmd
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "data", Reason: "invalid payload"}))
			return
		}
		task, events, err := h.boards.ResolveConflict(ctx, s.userID, cmd.TaskID, cmd.ConflictID, cmd.Strategy)
		h.finishCommand(s, frame.ID, task, events, err)

	default:
		h.sendError(s, frame.ID, errs.Newf(errs.CodeValidation, "unknown frame type %q", frame.Type))
	}
}

// finishCommand implements the ordering guarantee: the ack (or error) is
// queued on the originating session first, then the command's events fan out.
func (h *Hub) finishCommand(s *Session, id string, result any, events []types.Event, err error) {
	if err != nil {
		h.sendError(s, id, err)
		return
	}
	h.sendAck(s, id, result)
	h.dispatcher.Dispatch(events)
}

func (h *Hub) sendAck(s *Session, id string, data any) {
	frame := types.EncodeFrame(types.FrameAck, id, data)
	if frame != nil {
		s.Send(frame)
	}
}

// sendError answers a failed command on the originating session. A version
// conflict additionally notifies the task's room so other viewers see the
// contention.
func (h *Hub) sendError(s *Session, id string, err error) {
	e := errs.From(err)
	frame := types.EncodeFrame(types.FrameError, id, types.ErrorData{
		Code:     string(e.Code),
		Message:  e.Message,
		Conflict: e.Conflict,
	})
	if frame != nil {
		s.Send(frame)
	}
	if e.Conflict != nil {
		h.dispatcher.DispatchConflict(e.Conflict)
	}
}

// handleRoomJoin validates the requested room key before subscribing. Tasks
// must exist and be visible; user rooms are restricted to one's own.
func (h *Hub) handleRoomJoin(ctx context.Context, s *Session, frame *types.Frame) {
	var cmd roomCmd
	if err := json.Unmarshal(frame.Data, &cmd); err != nil {
		h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "room", Reason: "invalid payload"}))
		return
	}

	room := cmd.Room
	switch {
	case room == types.RoomBoard || room == types.RoomActivity:
	case strings.HasPrefix(string(room), "task:"):
		taskID := types.TaskIDType(strings.TrimPrefix(string(room), "task:"))
		if _, err := h.boards.GetTask(ctx, taskID); err != nil {
			h.sendError(s, frame.ID, err)
			return
		}
	case room == types.UserRoom(s.userID):
	default:
		h.sendError(s, frame.ID, errs.Newf(errs.CodeForbidden, "cannot join room %q", string(room)))
		return
	}

	h.router.Join(s, room)
	h.sendAck(s, frame.ID, map[string]any{"room": room})
}

func (h *Hub) handleEditStart(ctx context.Context, s *Session, frame *types.Frame) {
	var cmd taskIDCmd
	if err := json.Unmarshal(frame.Data, &cmd); err != nil {
		h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "taskId", Reason: "invalid payload"}))
		return
	}
	if _, err := h.boards.GetTask(ctx, cmd.TaskID); err != nil {
		h.sendError(s, frame.ID, err)
		return
	}

	existing, contended := h.conflicts.StartEdit(cmd.TaskID, s.userID)
	if contended {
		// Advisory only: tell the requester who holds it, change nothing.
		h.sendAck(s, frame.ID, nil)
		data := EditStartedData{TaskID: existing.TaskID, EditorID: existing.EditorID, StartedAt: existing.StartedAt}
		if f := types.EncodeFrame(types.FrameEditContended, "", data); f != nil {
			s.Send(f)
		}
		return
	}

	h.sendAck(s, frame.ID, nil)
	data := EditStartedData{
		TaskID:      cmd.TaskID,
		EditorID:    s.userID,
		DisplayName: s.displayName,
		StartedAt:   existing.StartedAt,
	}
	f := types.EncodeFrame(types.FrameEditStarted, "", data)
	h.router.Broadcast(types.TaskRoom(cmd.TaskID), f, "")
	h.router.Broadcast(types.RoomBoard, f, "")
}

func (h *Hub) handleEditEnd(ctx context.Context, s *Session, frame *types.Frame) {
	var cmd taskIDCmd
	if err := json.Unmarshal(frame.Data, &cmd); err != nil {
		h.sendError(s, frame.ID, errs.Validation(errs.FieldError{Field: "taskId", Reason: "invalid payload"}))
		return
	}

	released := h.conflicts.EndEdit(cmd.TaskID, s.userID)
	h.sendAck(s, frame.ID, map[string]any{"released": released})
	if !released {
		return
	}

	f := types.EncodeFrame(types.FrameEditEnded, "", EditEndedData{TaskID: cmd.TaskID, EditorID: s.userID})
	h.router.Broadcast(types.TaskRoom(cmd.TaskID), f, "")
	h.router.Broadcast(types.RoomBoard, f, "")
}

// relayEphemeral forwards typing and cursor frames to the task's room with
// the sender stamped in, excluding the sender. No ack, no persistence.
func (h *Hub) relayEphemeral(s *Session, frame *types.Frame) {
	var payload map[string]any
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return
	}
	rawTask, ok := payload["taskId"].(string)
	if !ok || rawTask == "" {
		return
	}
	payload["userId"] = string(s.userID)
	payload["displayName"] = s.displayName

	f := types.EncodeFrame(frame.Type, "", payload)
	if f == nil {
		return
	}
	h.router.Broadcast(types.TaskRoom(types.TaskIDType(rawTask)), f, s.id)
}
