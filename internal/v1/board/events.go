package board

import (
	"github.com/flowboard/flowboard/internal/v1/types"
)

// Event payloads. Every payload carries enough state for a client to update
// its local board without a follow-up fetch.

// TaskCreatedData is the payload of task.created.
type TaskCreatedData struct {
	Task *types.Task `json:"task"`
}

// TaskUpdatedData is the payload of task.updated. Before and After hold only
// the fields the mutation changed.
type TaskUpdatedData struct {
	Task   *types.Task    `json:"task"`
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// PositionRef names a slot on the board.
type PositionRef struct {
	Status   types.StatusType `json:"status"`
	Position int              `json:"position"`
}

// ReorderedTask reports a sibling whose position (and therefore version)
// changed as part of a move.
type ReorderedTask struct {
	TaskID   types.TaskIDType `json:"taskId"`
	Position int              `json:"position"`
	Version  int64            `json:"version"`
}

// TaskMovedData is the payload of task.moved.
type TaskMovedData struct {
	Task      *types.Task     `json:"task"`
	From      PositionRef     `json:"from"`
	To        PositionRef     `json:"to"`
	Reordered []ReorderedTask `json:"reordered,omitempty"`
}

// TaskAssignedData is the payload of task.assigned.
type TaskAssignedData struct {
	Task          *types.Task      `json:"task"`
	AssignedTo    types.UserIDType `json:"assignedTo"`
	SmartAssigned bool             `json:"smartAssigned,omitempty"`
}

// TaskUnassignedData is the payload of task.unassigned.
type TaskUnassignedData struct {
	Task *types.Task `json:"task"`
}

// TaskCommentedData is the payload of task.commented. Comments never bump the
// task version, so the payload carries the comment rather than a new task
// snapshot.
type TaskCommentedData struct {
	TaskID       types.TaskIDType `json:"taskId"`
	Comment      types.Comment    `json:"comment"`
	CommentCount int              `json:"commentCount"`
}

// TaskArchivedData is the payload of task.archived.
type TaskArchivedData struct {
	TaskID     types.TaskIDType `json:"taskId"`
	ArchivedBy types.UserIDType `json:"archivedBy"`
	Version    int64            `json:"version"`
}

// TaskDeletedData is the payload of task.deleted.
type TaskDeletedData struct {
	TaskID    types.TaskIDType `json:"taskId"`
	DeletedBy types.UserIDType `json:"deletedBy"`
}

// ConflictResolvedData is the payload of conflict.resolved.
type ConflictResolvedData struct {
	TaskID     types.TaskIDType         `json:"taskId"`
	ConflictID string                   `json:"conflictId"`
	Strategy   types.ResolutionStrategy `json:"strategy"`
	ResolvedBy types.UserIDType         `json:"resolvedBy"`
	Task       *types.Task              `json:"task"`
}

// taskEvent builds an event that fans out to the board room and the task's own
// room.
func taskEvent(kind string, actor types.UserIDType, taskID types.TaskIDType, data any) types.Event {
	return types.Event{
		Type:   kind,
		TaskID: taskID,
		Actor:  actor,
		Rooms:  []types.RoomKeyType{types.RoomBoard, types.TaskRoom(taskID)},
		Data:   data,
	}
}

// Dispatcher fans domain events out through the room router. The caller is
// responsible for acknowledging the originating command first, so the
// originator's own queue sees the ack before the broadcast.
type Dispatcher struct {
	router types.Router
}

// NewDispatcher creates a Dispatcher over the router.
func NewDispatcher(router types.Router) *Dispatcher {
	return &Dispatcher{router: router}
}

// Dispatch encodes each event once and broadcasts it to all of its rooms.
func (d *Dispatcher) Dispatch(events []types.Event) {
	if d == nil || d.router == nil {
		return
	}
	for _, ev := range events {
		frame := types.EncodeFrame(ev.Type, "", ev.Data)
		if frame == nil {
			continue
		}
		for _, room := range ev.Rooms {
			d.router.Broadcast(room, frame, "")
		}
	}
}

// DispatchConflict notifies the task's room that a version conflict was
// detected. The failing command itself is answered with an error frame on the
// originating session only.
func (d *Dispatcher) DispatchConflict(desc *types.ConflictDescriptor) {
	if d == nil || d.router == nil || desc == nil {
		return
	}
	frame := types.EncodeFrame(types.FrameConflictDetected, "", desc)
	if frame == nil {
		return
	}
	d.router.Broadcast(types.TaskRoom(desc.TaskID), frame, "")
}
