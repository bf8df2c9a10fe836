package types

import "encoding/json"

// Frame is the wire envelope for every message in both directions:
// {"type": "<kind>", "id": "<optional correlation id>", "data": {...}}.
// Server-initiated frames omit id.
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound frame kinds accepted by the Session Gateway.
const (
	FrameRoomJoin        = "room.join"
	FrameRoomLeave       = "room.leave"
	FrameEditStart       = "edit.start"
	FrameEditEnd         = "edit.end"
	FrameTyping          = "typing"
	FrameCursor          = "cursor"
	FrameConflictResolve = "conflict.resolve"

	FrameCmdTaskCreate      = "task.create"
	FrameCmdTaskUpdate      = "task.update"
	FrameCmdTaskMove        = "task.move"
	FrameCmdTaskAssign      = "task.assign"
	FrameCmdTaskSmartAssign = "task.smart_assign"
	FrameCmdTaskComment     = "task.comment"
	FrameCmdTaskArchive     = "task.archive"
	FrameCmdTaskDelete      = "task.delete"
)

// FrameAck acknowledges a command frame. Its id echoes the command's id and it
// is always queued to the originator before the command's broadcasts.
const FrameAck = "ack"

// Outbound frame kinds.
const (
	FrameTaskCreated    = "task.created"
	FrameTaskUpdated    = "task.updated"
	FrameTaskMoved      = "task.moved"
	FrameTaskAssigned   = "task.assigned"
	FrameTaskUnassigned = "task.unassigned"
	FrameTaskCommented  = "task.commented"
	FrameTaskArchived   = "task.archived"
	FrameTaskDeleted    = "task.deleted"

	FrameEditStarted   = "edit.started"
	FrameEditEnded     = "edit.ended"
	FrameEditContended = "edit.contended"

	FrameUsersUpdated      = "users.updated"
	FrameActivityNew       = "activity.new"
	FrameConflictDetected  = "conflict.detected"
	FrameConflictResolved  = "conflict.resolved"
	FrameError             = "error"
)

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code     string              `json:"code"`
	Message  string              `json:"message"`
	Conflict *ConflictDescriptor `json:"conflict,omitempty"`
}

// EncodeFrame marshals a complete outbound frame. Marshal failures are a
// programming error; callers treat a nil return as "do not send".
func EncodeFrame(kind, id string, data any) []byte {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil
		}
		raw = b
	}
	b, err := json.Marshal(Frame{Type: kind, ID: id, Data: raw})
	if err != nil {
		return nil
	}
	return b
}
