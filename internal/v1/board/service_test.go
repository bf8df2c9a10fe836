package board

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowboard/flowboard/internal/v1/assign"
	"github.com/flowboard/flowboard/internal/v1/config"
	"github.com/flowboard/flowboard/internal/v1/conflict"
	"github.com/flowboard/flowboard/internal/v1/errs"
	"github.com/flowboard/flowboard/internal/v1/store"
	"github.com/flowboard/flowboard/internal/v1/types"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxTitleLen:        200,
		MaxDescLen:         1000,
		MaxTags:            10,
		MaxTagLen:          50,
		MaxCommentLen:      500,
		ReservedTitles:     config.DefaultReservedTitles,
		OutboundQueueDepth: 16,
		ActivityRingSize:   20,
	}
}

type testEnv struct {
	svc       *Service
	store     *store.MemoryTaskStore
	users     *store.MemoryUserDirectory
	conflicts *conflict.Controller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	users := store.NewMemoryUserDirectory(
		&types.User{ID: "alice", DisplayName: "Alice", Role: types.RoleTypeAdmin, IsActive: true},
		&types.User{ID: "bob", DisplayName: "Bob", Role: types.RoleTypeMember, IsActive: true},
		&types.User{ID: "carol", DisplayName: "Carol", Role: types.RoleTypeMember, IsActive: true},
		&types.User{ID: "dan", DisplayName: "Dan", Role: types.RoleTypeMember, IsActive: false},
	)
	taskStore := store.NewMemoryTaskStore()
	conflicts := conflict.NewController()
	engine := assign.NewEngine(users, taskStore)
	svc := NewService(taskStore, users, conflicts, engine, nil, testConfig())
	return &testEnv{svc: svc, store: taskStore, users: users, conflicts: conflicts}
}

func mustCreate(t *testing.T, env *testEnv, actor types.UserIDType, in CreateInput) *types.Task {
	t.Helper()
	task, _, err := env.svc.CreateTask(context.Background(), actor, in)
	require.NoError(t, err)
	return task
}

func strPtr(s string) *string                        { return &s }
func statusPtr(s types.StatusType) *types.StatusType { return &s }
func prioPtr(p types.PriorityType) *types.PriorityType {
	return &p
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)

	task := mustCreate(t, env, "alice", CreateInput{Title: "Ship release"})

	assert.Equal(t, "Ship release", task.Title)
	assert.Equal(t, types.StatusTodo, task.Status)
	assert.Equal(t, types.PriorityMedium, task.Priority)
	assert.Equal(t, int64(1), task.Version)
	assert.Equal(t, 0, task.Position)
	assert.Equal(t, types.UserIDType("alice"), task.CreatedBy)

	second := mustCreate(t, env, "alice", CreateInput{Title: "Write docs"})
	assert.Equal(t, 1, second.Position)
}

func TestCreateTaskEmitsCreatedEvent(t *testing.T) {
	env := newTestEnv(t)

	task, events, err := env.svc.CreateTask(context.Background(), "alice", CreateInput{Title: "Ship release"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.FrameTaskCreated, events[0].Type)
	assert.Contains(t, events[0].Rooms, types.RoomBoard)
	assert.Contains(t, events[0].Rooms, types.TaskRoom(task.ID))
}

func TestCreateTaskDuplicateTitleCaseFolded(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "alice", CreateInput{Title: "Ship release"})

	_, _, err := env.svc.CreateTask(context.Background(), "bob", CreateInput{Title: "ship release"})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeDuplicateTitle))
}

func TestCreateTaskReservedTitles(t *testing.T) {
	env := newTestEnv(t)

	for _, title := range []string{"Todo", "In Progress", "done", "  DONE  "} {
		_, _, err := env.svc.CreateTask(context.Background(), "alice", CreateInput{Title: title})
		require.Error(t, err, "title %q should be reserved", title)
		assert.True(t, errs.IsCode(err, errs.CodeReservedTitle), "title %q", title)
	}
}

func TestCreateTaskTitleLengthBoundary(t *testing.T) {
	env := newTestEnv(t)

	exact := strings.Repeat("a", 200)
	_, _, err := env.svc.CreateTask(context.Background(), "alice", CreateInput{Title: exact})
	require.NoError(t, err)

	over := strings.Repeat("b", 201)
	_, _, err = env.svc.CreateTask(context.Background(), "alice", CreateInput{Title: over})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeValidation))
}

func TestCreateTaskAssigneeMustBeActive(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.svc.CreateTask(context.Background(), "alice", CreateInput{Title: "T1", AssignedTo: "dan"})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidAssignee))

	_, _, err = env.svc.CreateTask(context.Background(), "alice", CreateInput{Title: "T1", AssignedTo: "nobody"})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidAssignee))
}

func TestCreateTaskDueDateMustBeFuture(t *testing.T) {
	env := newTestEnv(t)

	past := time.Now().UTC().Add(-time.Hour)
	_, _, err := env.svc.CreateTask(context.Background(), "alice", CreateInput{Title: "T1", DueDate: &past})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeValidation))

	future := time.Now().UTC().Add(time.Hour)
	_, _, err = env.svc.CreateTask(context.Background(), "alice", CreateInput{Title: "T2", DueDate: &future})
	require.NoError(t, err)
}

func TestCreateTaskMissingTitle(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.svc.CreateTask(context.Background(), "alice", CreateInput{})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeValidation))
}

func TestUpdateTaskBumpsVersionAndReportsDelta(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "Ship release"})

	updated, events, err := env.svc.UpdateTask(context.Background(), "bob", task.ID, 1, types.TaskPatch{
		Priority:    prioPtr(types.PriorityHigh),
		Description: strPtr("cut the branch"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, types.PriorityHigh, updated.Priority)
	assert.Equal(t, types.UserIDType("bob"), updated.LastModifiedBy)

	require.Len(t, events, 1)
	data := events[0].Data.(TaskUpdatedData)
	assert.Equal(t, types.PriorityMedium, data.Before["priority"])
	assert.Equal(t, types.PriorityHigh, data.After["priority"])
}

func TestUpdateTaskEmptyPatchIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "Ship release"})

	updated, events, err := env.svc.UpdateTask(context.Background(), "alice", task.ID, 1, types.TaskPatch{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.Empty(t, events)
}

func TestUpdateTaskStaleVersionRegistersConflict(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "Ship release"})

	_, _, err := env.svc.UpdateTask(context.Background(), "bob", task.ID, 1, types.TaskPatch{
		Description: strPtr("server side"),
	})
	require.NoError(t, err)

	_, _, err = env.svc.UpdateTask(context.Background(), "carol", task.ID, 1, types.TaskPatch{
		Priority: prioPtr(types.PriorityUrgent),
	})
	require.Error(t, err)
	e := errs.From(err)
	require.Equal(t, errs.CodeConflict, e.Code)
	require.NotNil(t, e.Conflict)
	assert.Equal(t, int64(1), e.Conflict.ClientVersion)
	assert.Equal(t, int64(2), e.Conflict.ServerVersion)
	assert.Equal(t, types.UserIDType("bob"), e.Conflict.LastModifiedBy)
	assert.Equal(t, "server side", e.Conflict.ServerTask.Description)

	// The losing change is retained for a later merge.
	desc, patch, ok := env.conflicts.Lookup(task.ID, e.Conflict.ConflictID)
	require.True(t, ok)
	assert.Equal(t, e.Conflict.ConflictID, desc.ConflictID)
	require.NotNil(t, patch.Priority)
	assert.Equal(t, types.PriorityUrgent, *patch.Priority)

	// The failed write changed nothing.
	cur, err := env.svc.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.Version)
	assert.Equal(t, types.PriorityMedium, cur.Priority)
}

func TestUpdateTaskStatusChangeMovesToEndOfTargetColumn(t *testing.T) {
	env := newTestEnv(t)
	t1 := mustCreate(t, env, "alice", CreateInput{Title: "T1"})
	mustCreate(t, env, "alice", CreateInput{Title: "T2", Status: types.StatusInProgress})

	updated, events, err := env.svc.UpdateTask(context.Background(), "alice", t1.ID, 1, types.TaskPatch{
		Status: statusPtr(types.StatusInProgress),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, updated.Status)
	assert.Equal(t, 1, updated.Position)
	assert.Equal(t, int64(2), updated.Version)

	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}
	assert.Contains(t, kinds, types.FrameTaskUpdated)
	assert.Contains(t, kinds, types.FrameTaskMoved)
}

func TestMoveTaskToFrontBumpsEveryRenumberedSibling(t *testing.T) {
	env := newTestEnv(t)
	t1 := mustCreate(t, env, "alice", CreateInput{Title: "T1"})
	t2 := mustCreate(t, env, "alice", CreateInput{Title: "T2"})
	t3 := mustCreate(t, env, "alice", CreateInput{Title: "T3"})

	moved, events, err := env.svc.MoveTask(context.Background(), "alice", t3.ID, 1, types.StatusTodo, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, moved.Position)
	assert.Equal(t, int64(2), moved.Version)

	got1, err := env.svc.GetTask(context.Background(), t1.ID)
	require.NoError(t, err)
	got2, err := env.svc.GetTask(context.Background(), t2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got1.Position)
	assert.Equal(t, int64(2), got1.Version)
	assert.Equal(t, 2, got2.Position)
	assert.Equal(t, int64(2), got2.Version)

	require.Len(t, events, 1)
	data := events[0].Data.(TaskMovedData)
	assert.Len(t, data.Reordered, 2)
}

func TestMoveTaskOnlyAffectedSiblingsBump(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "alice", CreateInput{Title: "T1"})
	t2 := mustCreate(t, env, "alice", CreateInput{Title: "T2"})
	t3 := mustCreate(t, env, "alice", CreateInput{Title: "T3"})

	// Swap the last two: T1 stays at position 0, untouched.
	_, _, err := env.svc.MoveTask(context.Background(), "alice", t3.ID, 1, types.StatusTodo, 1)
	require.NoError(t, err)

	cols, err := env.svc.ListTasks(context.Background(), Filter{})
	require.NoError(t, err)
	todo := cols[types.StatusTodo]
	require.Len(t, todo, 3)
	assert.Equal(t, "T1", todo[0].Title)
	assert.Equal(t, int64(1), todo[0].Version)
	assert.Equal(t, "T3", todo[1].Title)
	assert.Equal(t, "T2", todo[2].Title)
	assert.Equal(t, int64(2), todo[2].Version)
	_ = t2
}

func TestMoveTaskClampsRequestedPosition(t *testing.T) {
	env := newTestEnv(t)
	t1 := mustCreate(t, env, "alice", CreateInput{Title: "T1"})
	mustCreate(t, env, "alice", CreateInput{Title: "T2"})

	moved, _, err := env.svc.MoveTask(context.Background(), "alice", t1.ID, 1, types.StatusTodo, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, moved.Position)

	moved, _, err = env.svc.MoveTask(context.Background(), "alice", t1.ID, moved.Version, types.StatusTodo, -5)
	require.NoError(t, err)
	assert.Equal(t, 0, moved.Position)
}

func TestMoveTaskAcrossColumnsRenumbersSource(t *testing.T) {
	env := newTestEnv(t)
	t1 := mustCreate(t, env, "alice", CreateInput{Title: "T1"})
	t2 := mustCreate(t, env, "alice", CreateInput{Title: "T2"})

	moved, _, err := env.svc.MoveTask(context.Background(), "alice", t1.ID, 1, types.StatusDone, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, moved.Status)
	assert.Equal(t, 0, moved.Position)

	got2, err := env.svc.GetTask(context.Background(), t2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got2.Position)
	assert.Equal(t, int64(2), got2.Version)
}

func TestMoveTaskStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	t1 := mustCreate(t, env, "alice", CreateInput{Title: "T1"})

	_, _, err := env.svc.MoveTask(context.Background(), "alice", t1.ID, 7, types.StatusDone, 0)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeConflict))
}

func TestAssignTaskSetAndClear(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "T1"})

	assigned, events, err := env.svc.AssignTask(context.Background(), "alice", task.ID, 1, "bob")
	require.NoError(t, err)
	assert.Equal(t, types.UserIDType("bob"), assigned.AssignedTo)
	assert.Equal(t, int64(2), assigned.Version)
	require.Len(t, events, 1)
	assert.Equal(t, types.FrameTaskAssigned, events[0].Type)

	cleared, events, err := env.svc.AssignTask(context.Background(), "alice", task.ID, 2, "")
	require.NoError(t, err)
	assert.Empty(t, cleared.AssignedTo)
	assert.Equal(t, int64(3), cleared.Version)
	require.Len(t, events, 1)
	assert.Equal(t, types.FrameTaskUnassigned, events[0].Type)

	// Clearing an unassigned task changes nothing.
	same, events, err := env.svc.AssignTask(context.Background(), "alice", task.ID, 3, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), same.Version)
	assert.Empty(t, events)
}

func TestSmartAssignPicksLeastLoaded(t *testing.T) {
	env := newTestEnv(t)
	// alice and bob each carry open work; carol is free.
	mustCreate(t, env, "alice", CreateInput{Title: "A1", AssignedTo: "alice"})
	mustCreate(t, env, "alice", CreateInput{Title: "B1", AssignedTo: "bob", Status: types.StatusInProgress})
	target := mustCreate(t, env, "alice", CreateInput{Title: "New work"})

	assigned, events, err := env.svc.SmartAssignTask(context.Background(), "alice", target.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, types.UserIDType("carol"), assigned.AssignedTo)
	require.Len(t, events, 1)
	data := events[0].Data.(TaskAssignedData)
	assert.True(t, data.SmartAssigned)
}

func TestSmartAssignIgnoresDoneAndArchivedLoad(t *testing.T) {
	env := newTestEnv(t)
	// carol's only work is done; it must not count against her.
	mustCreate(t, env, "alice", CreateInput{Title: "C-done", AssignedTo: "carol", Status: types.StatusDone})
	mustCreate(t, env, "alice", CreateInput{Title: "A1", AssignedTo: "alice"})
	mustCreate(t, env, "alice", CreateInput{Title: "B1", AssignedTo: "bob"})
	target := mustCreate(t, env, "alice", CreateInput{Title: "New work"})

	assigned, _, err := env.svc.SmartAssignTask(context.Background(), "alice", target.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, types.UserIDType("carol"), assigned.AssignedTo)
}

func TestAddCommentDoesNotBumpVersion(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "T1"})

	comment, events, err := env.svc.AddComment(context.Background(), "bob", task.ID, "  looks good  ")
	require.NoError(t, err)
	assert.Equal(t, "looks good", comment.Text)
	assert.Equal(t, types.UserIDType("bob"), comment.Author)

	cur, err := env.svc.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Version)
	require.Len(t, cur.Comments, 1)

	require.Len(t, events, 1)
	assert.Equal(t, types.FrameTaskCommented, events[0].Type)
	data := events[0].Data.(TaskCommentedData)
	assert.Equal(t, 1, data.CommentCount)
}

func TestAddCommentValidation(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "T1"})

	_, _, err := env.svc.AddComment(context.Background(), "bob", task.ID, "   ")
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeValidation))

	_, _, err = env.svc.AddComment(context.Background(), "bob", task.ID, strings.Repeat("x", 501))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeValidation))
}

func TestArchiveAuthorization(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "bob", CreateInput{Title: "T1"})

	// carol is neither the creator nor an admin.
	_, _, err := env.svc.ArchiveTask(context.Background(), "carol", task.ID)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeForbidden))

	// alice is an admin.
	archived, events, err := env.svc.ArchiveTask(context.Background(), "alice", task.ID)
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)
	assert.Equal(t, types.UserIDType("alice"), archived.ArchivedBy)
	assert.Equal(t, int64(2), archived.Version)
	require.Len(t, events, 1)
	assert.Equal(t, types.FrameTaskArchived, events[0].Type)
}

func TestArchivedTasksAreInvisible(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "bob", CreateInput{Title: "T1"})
	other := mustCreate(t, env, "bob", CreateInput{Title: "T2"})

	_, _, err := env.svc.ArchiveTask(context.Background(), "bob", task.ID)
	require.NoError(t, err)

	_, err = env.svc.GetTask(context.Background(), task.ID)
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))

	cols, err := env.svc.ListTasks(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, cols[types.StatusTodo], 1)
	assert.Equal(t, other.ID, cols[types.StatusTodo][0].ID)
	// The survivor closed the gap.
	assert.Equal(t, 0, cols[types.StatusTodo][0].Position)

	_, _, err = env.svc.UpdateTask(context.Background(), "bob", task.ID, 2, types.TaskPatch{Title: strPtr("x")})
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))

	// The archived task's title is free for reuse.
	_, _, err = env.svc.CreateTask(context.Background(), "bob", CreateInput{Title: "T1"})
	require.NoError(t, err)
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "bob", CreateInput{Title: "T1"})
	other := mustCreate(t, env, "bob", CreateInput{Title: "T2"})

	_, err := env.svc.DeleteTask(context.Background(), "carol", task.ID)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeForbidden))

	events, err := env.svc.DeleteTask(context.Background(), "bob", task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.FrameTaskDeleted, events[0].Type)

	_, err = env.svc.GetTask(context.Background(), task.ID)
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))

	got, err := env.svc.GetTask(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Position)
}

func TestDeleteArchivedTaskIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "bob", CreateInput{Title: "T1"})
	_, _, err := env.svc.ArchiveTask(context.Background(), "bob", task.ID)
	require.NoError(t, err)

	_, err = env.svc.DeleteTask(context.Background(), "bob", task.ID)
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestListTasksFilters(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "alice", CreateInput{Title: "T1", AssignedTo: "bob"})
	mustCreate(t, env, "alice", CreateInput{Title: "T2", Priority: types.PriorityHigh})
	mustCreate(t, env, "alice", CreateInput{Title: "T3", Status: types.StatusDone})

	cols, err := env.svc.ListTasks(context.Background(), Filter{AssignedTo: "bob"})
	require.NoError(t, err)
	require.Len(t, cols[types.StatusTodo], 1)
	assert.Equal(t, "T1", cols[types.StatusTodo][0].Title)
	assert.Empty(t, cols[types.StatusDone])

	cols, err = env.svc.ListTasks(context.Background(), Filter{Priority: types.PriorityHigh})
	require.NoError(t, err)
	require.Len(t, cols[types.StatusTodo], 1)
	assert.Equal(t, "T2", cols[types.StatusTodo][0].Title)
}

func TestResolveConflictUnknown(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "T1"})

	_, _, err := env.svc.ResolveConflict(context.Background(), "alice", task.ID, "nope", types.ResolveMerge)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeUnknownConflict))
}

func TestResolveConflictTakeTheirs(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "T1"})

	_, _, err := env.svc.UpdateTask(context.Background(), "bob", task.ID, 1, types.TaskPatch{Description: strPtr("server wins")})
	require.NoError(t, err)

	_, _, err = env.svc.UpdateTask(context.Background(), "carol", task.ID, 1, types.TaskPatch{Description: strPtr("client loses")})
	e := errs.From(err)
	require.Equal(t, errs.CodeConflict, e.Code)

	resolved, events, err := env.svc.ResolveConflict(context.Background(), "carol", task.ID, e.Conflict.ConflictID, types.ResolveTakeTheirs)
	require.NoError(t, err)
	assert.Equal(t, "server wins", resolved.Description)
	assert.Equal(t, int64(2), resolved.Version)
	require.Len(t, events, 1)
	assert.Equal(t, types.FrameConflictResolved, events[0].Type)

	_, _, ok := env.conflicts.Lookup(task.ID, e.Conflict.ConflictID)
	assert.False(t, ok)
}

func TestResolveConflictTakeMine(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "T1"})

	_, _, err := env.svc.UpdateTask(context.Background(), "bob", task.ID, 1, types.TaskPatch{Description: strPtr("server side")})
	require.NoError(t, err)

	_, _, err = env.svc.UpdateTask(context.Background(), "carol", task.ID, 1, types.TaskPatch{
		Description: strPtr("my side"),
		Priority:    prioPtr(types.PriorityUrgent),
	})
	e := errs.From(err)
	require.Equal(t, errs.CodeConflict, e.Code)

	// take-mine records intent only: the reply is the untouched server state
	// and the version stays where the descriptor said it was.
	resolved, events, err := env.svc.ResolveConflict(context.Background(), "carol", task.ID, e.Conflict.ConflictID, types.ResolveTakeMine)
	require.NoError(t, err)
	assert.Equal(t, "server side", resolved.Description)
	assert.Equal(t, int64(2), resolved.Version)

	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}
	assert.NotContains(t, kinds, types.FrameTaskUpdated)
	assert.Contains(t, kinds, types.FrameConflictResolved)

	_, _, ok := env.conflicts.Lookup(task.ID, e.Conflict.ConflictID)
	assert.False(t, ok, "conflict is settled")

	// The client now resends against the current version and wins cleanly.
	after, _, err := env.svc.UpdateTask(context.Background(), "carol", task.ID, resolved.Version, types.TaskPatch{
		Description: strPtr("my side"),
		Priority:    prioPtr(types.PriorityUrgent),
	})
	require.NoError(t, err)
	assert.Equal(t, "my side", after.Description)
	assert.Equal(t, types.PriorityUrgent, after.Priority)
	assert.Equal(t, int64(3), after.Version)
}

func TestResolveConflictMergeCombinesBothSides(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "T1", Description: "draft"})

	// bob lands first; carol's concurrent edit loses.
	_, _, err := env.svc.UpdateTask(context.Background(), "bob", task.ID, 1, types.TaskPatch{Description: strPtr("server text")})
	require.NoError(t, err)

	_, _, err = env.svc.UpdateTask(context.Background(), "carol", task.ID, 1, types.TaskPatch{
		Description: strPtr("client text"),
		Priority:    prioPtr(types.PriorityHigh),
	})
	e := errs.From(err)
	require.Equal(t, errs.CodeConflict, e.Code)

	// The server side moves again before carol resolves.
	_, _, err = env.svc.UpdateTask(context.Background(), "bob", task.ID, 2, types.TaskPatch{Description: strPtr("server text v2")})
	require.NoError(t, err)

	resolved, _, err := env.svc.ResolveConflict(context.Background(), "carol", task.ID, e.Conflict.ConflictID, types.ResolveMerge)
	require.NoError(t, err)
	assert.Equal(t, int64(4), resolved.Version)
	assert.Equal(t, types.PriorityHigh, resolved.Priority)
	assert.Equal(t, "server text v2"+conflict.DescriptionSeparator+"client text", resolved.Description)
}

func TestResolveConflictMergeClientOnlyField(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "T1"})

	_, _, err := env.svc.UpdateTask(context.Background(), "bob", task.ID, 1, types.TaskPatch{Description: strPtr("server text")})
	require.NoError(t, err)

	_, _, err = env.svc.UpdateTask(context.Background(), "carol", task.ID, 1, types.TaskPatch{Priority: prioPtr(types.PriorityHigh)})
	e := errs.From(err)
	require.Equal(t, errs.CodeConflict, e.Code)

	resolved, _, err := env.svc.ResolveConflict(context.Background(), "carol", task.ID, e.Conflict.ConflictID, types.ResolveMerge)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, resolved.Priority)
	assert.Equal(t, "server text", resolved.Description)
	assert.Equal(t, int64(3), resolved.Version)
}

func TestClampPosition(t *testing.T) {
	assert.Equal(t, 0, clampPosition(-1, 5))
	assert.Equal(t, 0, clampPosition(0, 5))
	assert.Equal(t, 3, clampPosition(3, 5))
	assert.Equal(t, 5, clampPosition(9, 5))
	assert.Equal(t, 0, clampPosition(2, 0))
}

func TestConcurrentUpdatesOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, "alice", CreateInput{Title: "Ship release"})

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for _, patch := range []types.TaskPatch{
		{Description: strPtr("first writer")},
		{Priority: prioPtr(types.PriorityHigh)},
	} {
		wg.Add(1)
		go func(p types.TaskPatch) {
			defer wg.Done()
			_, _, err := env.svc.UpdateTask(context.Background(), "bob", task.ID, 1, p)
			errCh <- err
		}(patch)
	}
	wg.Wait()
	close(errCh)

	wins := 0
	var losses []*errs.Error
	for err := range errCh {
		if err == nil {
			wins++
			continue
		}
		losses = append(losses, errs.From(err))
	}
	require.Equal(t, 1, wins, "exactly one writer lands")
	require.Len(t, losses, 1)

	cur, err := env.svc.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.Version)

	e := losses[0]
	require.Equal(t, errs.CodeConflict, e.Code)
	require.NotNil(t, e.Conflict)
	assert.Equal(t, cur.Version, e.Conflict.ServerVersion, "descriptor reports the winner's version")
	assert.Equal(t, int64(1), e.Conflict.ClientVersion)
}

// gatedStore parks the next armed Insert so a test can hold a create mid-write.
type gatedStore struct {
	types.TaskStore
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Insert(ctx context.Context, task *types.Task) error {
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	g.mu.Unlock()
	if armed {
		close(g.entered)
		<-g.release
	}
	return g.TaskStore.Insert(ctx, task)
}

func TestTitleUniquenessSerializedAcrossWriters(t *testing.T) {
	users := store.NewMemoryUserDirectory(
		&types.User{ID: "alice", DisplayName: "Alice", Role: types.RoleTypeAdmin, IsActive: true},
	)
	gate := &gatedStore{
		TaskStore: store.NewMemoryTaskStore(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	svc := NewService(gate, users, conflict.NewController(), assign.NewEngine(users, gate), nil, testConfig())

	seeded, _, err := svc.CreateTask(context.Background(), "alice", CreateInput{Title: "Old name"})
	require.NoError(t, err)

	gate.mu.Lock()
	gate.armed = true
	gate.mu.Unlock()

	createErr := make(chan error, 1)
	go func() {
		_, _, err := svc.CreateTask(context.Background(), "alice", CreateInput{Title: "Ship release"})
		createErr <- err
	}()
	<-gate.entered

	// The create is parked inside Insert, past its uniqueness scan. A rename
	// to the same folded title must queue behind it, not sneak through the
	// scan while the create is still unpersisted.
	renameErr := make(chan error, 1)
	go func() {
		_, _, err := svc.UpdateTask(context.Background(), "alice", seeded.ID, 1, types.TaskPatch{Title: strPtr("ship release")})
		renameErr <- err
	}()
	time.Sleep(100 * time.Millisecond)
	close(gate.release)

	require.NoError(t, <-createErr)
	assert.True(t, errs.IsCode(<-renameErr, errs.CodeDuplicateTitle))

	tasks, err := gate.List(context.Background())
	require.NoError(t, err)
	holders := 0
	for _, task := range tasks {
		if !task.IsArchived && types.TitleFold(task.Title) == types.TitleFold("Ship release") {
			holders++
		}
	}
	assert.Equal(t, 1, holders, "one non-archived task per folded title")
}
