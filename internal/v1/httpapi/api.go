// Package httpapi exposes the REST surface. Every mutation shares the Task
// Service with the WebSocket gateway, so HTTP writes fan out to connected
// clients exactly like socket commands do.
package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/flowboard/flowboard/internal/v1/activity"
	"github.com/flowboard/flowboard/internal/v1/auth"
	"github.com/flowboard/flowboard/internal/v1/board"
	"github.com/flowboard/flowboard/internal/v1/config"
	"github.com/flowboard/flowboard/internal/v1/errs"
	"github.com/flowboard/flowboard/internal/v1/ratelimit"
	"github.com/flowboard/flowboard/internal/v1/types"
)

// maxUploadBytes bounds attachment uploads.
const maxUploadBytes = 10 << 20

// API bundles the handlers for /api/v1.
type API struct {
	boards     *board.Service
	recorder   *activity.Recorder
	users      types.UserDirectory
	uploader   types.Uploader
	dispatcher *board.Dispatcher
	validator  types.TokenValidator
	cfg        *config.Config
}

// NewAPI wires the REST handlers.
func NewAPI(boards *board.Service, recorder *activity.Recorder, users types.UserDirectory, uploader types.Uploader, dispatcher *board.Dispatcher, validator types.TokenValidator, cfg *config.Config) *API {
	return &API{
		boards:     boards,
		recorder:   recorder,
		users:      users,
		uploader:   uploader,
		dispatcher: dispatcher,
		validator:  validator,
		cfg:        cfg,
	}
}

// RegisterRoutes mounts the API under /api/v1.
func (a *API) RegisterRoutes(r gin.IRouter, limiter *ratelimit.RateLimiter) {
	v1 := r.Group("/api/v1")
	v1.Use(a.AuthMiddleware())
	if limiter != nil {
		v1.Use(limiter.GlobalMiddleware())
	}

	tasks := v1.Group("/tasks")
	if limiter != nil {
		tasks.Use(limiter.TasksMiddleware())
	}
	tasks.GET("", a.listTasks)
	tasks.POST("", a.createTask)
	tasks.GET("/:id", a.getTask)
	tasks.PATCH("/:id", a.updateTask)
	tasks.DELETE("/:id", a.deleteTask)
	tasks.POST("/:id/move", a.moveTask)
	tasks.POST("/:id/assign", a.assignTask)
	tasks.POST("/:id/smart-assign", a.smartAssignTask)
	tasks.POST("/:id/comments", a.addComment)
	tasks.POST("/:id/archive", a.archiveTask)
	tasks.POST("/:id/conflicts/:conflictId/resolve", a.resolveConflict)

	v1.GET("/users", a.listUsers)
	v1.GET("/activities", a.listActivities)
	v1.POST("/activities/prune", a.pruneActivities)
	v1.POST("/uploads", a.upload)
}

// AuthMiddleware validates the bearer token and stashes the claims.
func (a *API) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := a.validator.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

func actorFrom(c *gin.Context) types.UserIDType {
	claims, _ := c.Get("claims")
	return types.UserIDType(claims.(*auth.CustomClaims).Subject)
}

// fail writes the typed failure taxonomy as {code, message, fields?, conflict?}.
func fail(c *gin.Context, err error) {
	e := errs.From(err)
	c.JSON(errs.HTTPStatus(e.Code), e)
}

// respond dispatches the mutation's events before the HTTP response is
// written, so room members never learn about a change later than the caller.
func (a *API) respond(c *gin.Context, status int, body any, events []types.Event) {
	a.dispatcher.Dispatch(events)
	c.JSON(status, body)
}

func (a *API) listTasks(c *gin.Context) {
	f := board.Filter{
		Status:     types.StatusType(c.Query("status")),
		AssignedTo: types.UserIDType(c.Query("assignedTo")),
		Priority:   types.PriorityType(c.Query("priority")),
	}
	grouped, err := a.boards.ListTasks(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"columns": grouped})
}

func (a *API) getTask(c *gin.Context) {
	task, err := a.boards.GetTask(c.Request.Context(), types.TaskIDType(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (a *API) createTask(c *gin.Context) {
	var in board.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, errs.Validation(errs.FieldError{Field: "body", Reason: "invalid JSON"}))
		return
	}
	task, events, err := a.boards.CreateTask(c.Request.Context(), actorFrom(c), in)
	if err != nil {
		fail(c, err)
		return
	}
	a.respond(c, http.StatusCreated, gin.H{"task": task}, events)
}

type updateRequest struct {
	Version int64           `json:"version"`
	Patch   types.TaskPatch `json:"patch"`
}

func (a *API) updateTask(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.Validation(errs.FieldError{Field: "body", Reason: "invalid JSON"}))
		return
	}
	task, events, err := a.boards.UpdateTask(c.Request.Context(), actorFrom(c), types.TaskIDType(c.Param("id")), req.Version, req.Patch)
	if err != nil {
		fail(c, err)
		return
	}
	a.respond(c, http.StatusOK, gin.H{"task": task}, events)
}

type moveRequest struct {
	Version    int64            `json:"version"`
	ToStatus   types.StatusType `json:"toStatus"`
	ToPosition int              `json:"toPosition"`
}

func (a *API) moveTask(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.Validation(errs.FieldError{Field: "body", Reason: "invalid JSON"}))
		return
	}
	task, events, err := a.boards.MoveTask(c.Request.Context(), actorFrom(c), types.TaskIDType(c.Param("id")), req.Version, req.ToStatus, req.ToPosition)
	if err != nil {
		fail(c, err)
		return
	}
	a.respond(c, http.StatusOK, gin.H{"task": task}, events)
}

type assignRequest struct {
	Version    int64            `json:"version"`
	AssignedTo types.UserIDType `json:"assignedTo"`
}

func (a *API) assignTask(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.Validation(errs.FieldError{Field: "body", Reason: "invalid JSON"}))
		return
	}
	task, events, err := a.boards.AssignTask(c.Request.Context(), actorFrom(c), types.TaskIDType(c.Param("id")), req.Version, req.AssignedTo)
	if err != nil {
		fail(c, err)
		return
	}
	a.respond(c, http.StatusOK, gin.H{"task": task}, events)
}

func (a *API) smartAssignTask(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.Validation(errs.FieldError{Field: "body", Reason: "invalid JSON"}))
		return
	}
	task, events, err := a.boards.SmartAssignTask(c.Request.Context(), actorFrom(c), types.TaskIDType(c.Param("id")), req.Version)
	if err != nil {
		fail(c, err)
		return
	}
	a.respond(c, http.StatusOK, gin.H{"task": task, "assignee": task.AssignedTo}, events)
}

type commentRequest struct {
	Text string `json:"text"`
}

func (a *API) addComment(c *gin.Context) {
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.Validation(errs.FieldError{Field: "body", Reason: "invalid JSON"}))
		return
	}
	comment, events, err := a.boards.AddComment(c.Request.Context(), actorFrom(c), types.TaskIDType(c.Param("id")), req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	a.respond(c, http.StatusCreated, gin.H{"comment": comment}, events)
}

func (a *API) archiveTask(c *gin.Context) {
	task, events, err := a.boards.ArchiveTask(c.Request.Context(), actorFrom(c), types.TaskIDType(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	a.respond(c, http.StatusOK, gin.H{"task": task}, events)
}

func (a *API) deleteTask(c *gin.Context) {
	events, err := a.boards.DeleteTask(c.Request.Context(), actorFrom(c), types.TaskIDType(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	a.respond(c, http.StatusOK, gin.H{"deleted": true}, events)
}

type resolveRequest struct {
	Strategy types.ResolutionStrategy `json:"strategy"`
}

func (a *API) resolveConflict(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.Validation(errs.FieldError{Field: "body", Reason: "invalid JSON"}))
		return
	}
	task, events, err := a.boards.ResolveConflict(c.Request.Context(), actorFrom(c), types.TaskIDType(c.Param("id")), c.Param("conflictId"), req.Strategy)
	if err != nil {
		fail(c, err)
		return
	}
	a.respond(c, http.StatusOK, gin.H{"task": task}, events)
}

func (a *API) listUsers(c *gin.Context) {
	users, err := a.users.ListActive(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (a *API) listActivities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"activities": a.recorder.Recent()})
}

// pruneActivities removes low and medium severity records past the retention
// window. Admin only.
func (a *API) pruneActivities(c *gin.Context) {
	actor := actorFrom(c)
	u, err := a.users.Get(c.Request.Context(), actor)
	if err != nil || !u.IsAdmin() {
		fail(c, errs.New(errs.CodeForbidden, "admin role required"))
		return
	}

	removed, err := a.recorder.Prune(c.Request.Context(), a.cfg.ActivityRetentionDays)
	if err != nil {
		fail(c, err)
		return
	}
	a.recorder.Record(c.Request.Context(), &types.ActivityRecord{
		Action:   activity.ActionActivityPruned,
		Actor:    actor,
		Category: types.CategorySystem,
		Severity: types.SeverityMedium,
	})
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (a *API) upload(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		fail(c, errs.Validation(errs.FieldError{Field: "name", Reason: "must not be empty"}))
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
	if err != nil || len(data) == 0 {
		fail(c, errs.Validation(errs.FieldError{Field: "body", Reason: "empty or unreadable upload"}))
		return
	}
	if len(data) > maxUploadBytes {
		fail(c, errs.Validation(errs.FieldError{Field: "body", Reason: "upload too large"}))
		return
	}
	url, err := a.uploader.Upload(c.Request.Context(), name, data)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": url})
}
