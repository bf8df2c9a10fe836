package types

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/flowboard/flowboard/internal/v1/auth"
)

// --- Core Domain Types ---

// UserIDType represents a stable, unique identifier for a user.
type UserIDType string

// TaskIDType represents a unique identifier for a task on the board.
type TaskIDType string

// SessionIDType represents a unique identifier for one live client connection.
type SessionIDType string

// RoomKeyType names a fan-out room ("board", "activity", "task:<id>", "user:<id>").
type RoomKeyType string

// StatusType is a board column.
type StatusType string

// PriorityType is a task priority.
type PriorityType string

// RoleType defines the user roles known to the board.
type RoleType string

// Status constants define the three board columns.
const (
	StatusTodo       StatusType = "todo"
	StatusInProgress StatusType = "in-progress"
	StatusDone       StatusType = "done"
)

// Priority constants, ordered from least to most urgent.
const (
	PriorityLow    PriorityType = "low"
	PriorityMedium PriorityType = "medium"
	PriorityHigh   PriorityType = "high"
	PriorityUrgent PriorityType = "urgent"
)

// Role constants.
const (
	RoleTypeMember RoleType = "member"
	RoleTypeAdmin  RoleType = "admin"
)

// Well-known singleton rooms.
const (
	RoomBoard    RoomKeyType = "board"
	RoomActivity RoomKeyType = "activity"
)

// TaskRoom returns the room key for a single task's subscribers.
func TaskRoom(id TaskIDType) RoomKeyType {
	return RoomKeyType("task:" + string(id))
}

// UserRoom returns the room key for direct-to-user delivery.
func UserRoom(id UserIDType) RoomKeyType {
	return RoomKeyType("user:" + string(id))
}

// ValidStatus reports whether s names one of the three columns.
func ValidStatus(s StatusType) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p PriorityType) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// User is a member of the board. Users are created externally and are
// read-only to this core.
type User struct {
	ID          UserIDType `json:"userId"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"email,omitempty"`
	Role        RoleType   `json:"role"`
	IsActive    bool       `json:"isActive"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleTypeAdmin
}

// Comment is a single entry in a task's ordered comment thread.
type Comment struct {
	Author    UserIDType `json:"author"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Task is the authoritative record for one unit of work on the board.
// Version increases on every successful state-changing mutation; comments are
// orthogonal to conflict-checked fields and do not bump it.
type Task struct {
	ID             TaskIDType   `json:"taskId"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Status         StatusType   `json:"status"`
	Priority       PriorityType `json:"priority"`
	AssignedTo     UserIDType   `json:"assignedTo,omitempty"`
	CreatedBy      UserIDType   `json:"createdBy"`
	DueDate        *time.Time   `json:"dueDate,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	Position       int          `json:"position"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastModifiedAt time.Time    `json:"lastModifiedAt"`
	LastModifiedBy UserIDType   `json:"lastModifiedBy"`
	IsArchived     bool         `json:"isArchived,omitempty"`
	ArchivedAt     *time.Time   `json:"archivedAt,omitempty"`
	ArchivedBy     UserIDType   `json:"archivedBy,omitempty"`
	Comments       []Comment    `json:"comments,omitempty"`
}

// Clone returns a deep copy so callers can never mutate stored state through
// a returned pointer.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DueDate != nil {
		due := *t.DueDate
		cp.DueDate = &due
	}
	if t.ArchivedAt != nil {
		at := *t.ArchivedAt
		cp.ArchivedAt = &at
	}
	if t.Tags != nil {
		cp.Tags = append([]string(nil), t.Tags...)
	}
	if t.Comments != nil {
		cp.Comments = append([]Comment(nil), t.Comments...)
	}
	return &cp
}

// TitleFold normalises a title for case-insensitive uniqueness checks.
func TitleFold(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// TaskPatch is a partial update to a task's conflict-checked fields. Nil
// means "leave unchanged"; for AssignedTo an empty string clears the assignee.
type TaskPatch struct {
	Title       *string       `json:"title,omitempty"`
	Description *string       `json:"description,omitempty"`
	Status      *StatusType   `json:"status,omitempty"`
	Priority    *PriorityType `json:"priority,omitempty"`
	AssignedTo  *UserIDType   `json:"assignedTo,omitempty"`
	DueDate     *time.Time    `json:"dueDate,omitempty"`
	Tags        *[]string     `json:"tags,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *TaskPatch) IsEmpty() bool {
	if p == nil {
		return true
	}
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.AssignedTo == nil && p.DueDate == nil && p.Tags == nil
}

// --- Conflict Types ---

// ConflictDescriptor is attached to a Conflict failure so the client can drive
// resolution. ServerTask is the server state at detection time and doubles as
// the merge base.
type ConflictDescriptor struct {
	ConflictID     string     `json:"conflictId"`
	TaskID         TaskIDType `json:"taskId"`
	ClientVersion  int64      `json:"clientVersion"`
	ServerVersion  int64      `json:"serverVersion"`
	ServerTask     *Task      `json:"serverTask"`
	LastModifiedBy UserIDType `json:"lastModifiedBy"`
}

// ResolutionStrategy selects how a detected conflict is resolved.
type ResolutionStrategy string

const (
	ResolveMerge      ResolutionStrategy = "merge"
	ResolveTakeMine   ResolutionStrategy = "take-mine"
	ResolveTakeTheirs ResolutionStrategy = "take-theirs"
)

// ValidStrategy reports whether s is a known resolution strategy.
func ValidStrategy(s ResolutionStrategy) bool {
	switch s {
	case ResolveMerge, ResolveTakeMine, ResolveTakeTheirs:
		return true
	}
	return false
}

// EditSession is the advisory "being edited by X" marker for a task.
// It is ephemeral and never persisted.
type EditSession struct {
	TaskID    TaskIDType `json:"taskId"`
	EditorID  UserIDType `json:"editorId"`
	StartedAt time.Time  `json:"startedAt"`
}

// --- Activity Types ---

// ActivityCategory groups activity records.
type ActivityCategory string

// ActivitySeverity ranks activity records for retention decisions.
type ActivitySeverity string

const (
	CategoryTask     ActivityCategory = "task"
	CategoryUser     ActivityCategory = "user"
	CategorySystem   ActivityCategory = "system"
	CategorySecurity ActivityCategory = "security"

	SeverityLow      ActivitySeverity = "low"
	SeverityMedium   ActivitySeverity = "medium"
	SeverityHigh     ActivitySeverity = "high"
	SeverityCritical ActivitySeverity = "critical"
)

// ActivityRecord is an immutable, append-only record of a mutation or auth
// event.
type ActivityRecord struct {
	ID          string           `json:"id"`
	Action      string           `json:"action"`
	Actor       UserIDType       `json:"actor"`
	Target      string           `json:"target,omitempty"`
	TargetKind  string           `json:"targetKind,omitempty"`
	Description string           `json:"description"`
	Before      *Task            `json:"before,omitempty"`
	After       *Task            `json:"after,omitempty"`
	Category    ActivityCategory `json:"category"`
	Severity    ActivitySeverity `json:"severity"`
	ConflictID  string           `json:"conflictId,omitempty"`
	IsResolved  bool             `json:"isResolved"`
	CreatedAt   time.Time        `json:"createdAt"`
	IP          string           `json:"ip,omitempty"`
	UserAgent   string           `json:"userAgent,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *ActivityRecord) Clone() *ActivityRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Before = r.Before.Clone()
	cp.After = r.After.Clone()
	return &cp
}

// --- Domain Events ---

// Event is a derived domain event produced by a successful mutation.
// Rooms lists every room the event fans out to.
type Event struct {
	Type   string        `json:"type"`
	TaskID TaskIDType    `json:"taskId,omitempty"`
	Actor  UserIDType    `json:"actor,omitempty"`
	Rooms  []RoomKeyType `json:"-"`
	Data   any           `json:"data"`
}

// --- External Collaborator Contracts ---

// ErrTaskNotFound is returned by TaskStore implementations when no record
// exists for the requested id.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore is the persistence contract. Implementations must provide
// linearisable single-record reads and writes keyed by task id; cross-record
// consistency is the Task Service's job.
type TaskStore interface {
	Insert(ctx context.Context, task *Task) error
	Get(ctx context.Context, id TaskIDType) (*Task, error)
	Update(ctx context.Context, task *Task) error
	Delete(ctx context.Context, id TaskIDType) error
	// List returns every task, archived included. Callers filter.
	List(ctx context.Context) ([]*Task, error)
}

// UserDirectory exposes the externally-managed user base, read-only.
type UserDirectory interface {
	Get(ctx context.Context, id UserIDType) (*User, error)
	ListActive(ctx context.Context) ([]*User, error)
}

// ActivitySink is the append-only activity log collaborator. Append failures
// must never fail the mutation that produced the record.
type ActivitySink interface {
	Append(ctx context.Context, rec *ActivityRecord) error
	// Prune removes records created before the cutoff whose severity is in
	// severities, returning the number removed.
	Prune(ctx context.Context, before time.Time, severities []ActivitySeverity) (int, error)
}

// Uploader turns an opaque blob into a URL.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// TokenValidator defines the credential verifier contract (token → principal).
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// --- Session and Router Contracts ---

// SessionInterface is the behaviour the router and services need from a live
// connection, without depending on the gateway package.
type SessionInterface interface {
	GetID() SessionIDType
	GetUserID() UserIDType
	GetDisplayName() string
	// Send enqueues a pre-serialised frame on the session's bounded outbound
	// queue. It never blocks; false means the queue was full.
	Send(frame []byte) bool
	// Close terminates the connection with a close reason.
	Close(reason string)
}

// Router is the fan-out contract (C2). Injected into services so they remain
// testable without a live socket layer.
type Router interface {
	Join(s SessionInterface, room RoomKeyType)
	Leave(s SessionInterface, room RoomKeyType)
	// Broadcast delivers frame to every member of room except the session with
	// id except (empty string means no exclusion). Non-blocking per member.
	Broadcast(room RoomKeyType, frame []byte, except SessionIDType)
	Members(room RoomKeyType) []SessionInterface
	// DropSession removes the session from every room it belongs to.
	DropSession(id SessionIDType)
}
