// Package conflict implements optimistic-concurrency conflict detection,
// the pending-conflict registry used for resolution, and the advisory
// per-task edit-session locks.
package conflict

import (
	"context"
	"sync"
	"time"

	"github.com/flowboard/flowboard/internal/v1/logging"
	"github.com/flowboard/flowboard/internal/v1/metrics"
	"github.com/flowboard/flowboard/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pendingTTL bounds how long a detected conflict stays resolvable.
const pendingTTL = 10 * time.Minute

type pending struct {
	desc       *types.ConflictDescriptor
	patch      *types.TaskPatch
	detectedAt time.Time
}

// Controller tracks detected conflicts until they are resolved and holds the
// advisory edit-session locks. It is safe for concurrent use.
type Controller struct {
	mu        sync.Mutex
	conflicts map[string]*pending
	edits     map[types.TaskIDType]*types.EditSession
	now       func() time.Time
}

// NewController creates an empty Controller.
func NewController() *Controller {
	return &Controller{
		conflicts: make(map[string]*pending),
		edits:     make(map[types.TaskIDType]*types.EditSession),
		now:       time.Now,
	}
}

// Register records a version mismatch and returns the descriptor handed to
// the client. current is the server state at detection time and becomes the
// merge base; patch is the client change that lost, kept so a later merge can
// replay it.
func (c *Controller) Register(current *types.Task, knownVersion int64, patch *types.TaskPatch) *types.ConflictDescriptor {
	desc := &types.ConflictDescriptor{
		ConflictID:     uuid.New().String(),
		TaskID:         current.ID,
		ClientVersion:  knownVersion,
		ServerVersion:  current.Version,
		ServerTask:     current.Clone(),
		LastModifiedBy: current.LastModifiedBy,
	}

	c.mu.Lock()
	c.expireLocked()
	c.conflicts[desc.ConflictID] = &pending{desc: desc, patch: patch, detectedAt: c.now()}
	c.mu.Unlock()

	metrics.ConflictsDetected.Inc()
	logging.Info(context.Background(), "Conflict detected",
		zap.String("task_id", string(current.ID)),
		zap.String("conflict_id", desc.ConflictID),
		zap.Int64("client_version", knownVersion),
		zap.Int64("server_version", current.Version),
	)
	return desc
}

// Lookup returns the descriptor and losing patch for a pending conflict.
// The conflict must belong to the given task.
func (c *Controller) Lookup(taskID types.TaskIDType, conflictID string) (*types.ConflictDescriptor, *types.TaskPatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.conflicts[conflictID]
	if !ok || p.desc.TaskID != taskID {
		return nil, nil, false
	}
	return p.desc, p.patch, true
}

// Settle removes a conflict from the registry once resolution is recorded.
func (c *Controller) Settle(conflictID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conflicts, conflictID)
}

// expireLocked drops pending conflicts older than pendingTTL.
func (c *Controller) expireLocked() {
	cutoff := c.now().Add(-pendingTTL)
	for id, p := range c.conflicts {
		if p.detectedAt.Before(cutoff) {
			delete(c.conflicts, id)
		}
	}
}

// --- Edit sessions (advisory, never enforced at the mutation path) ---

// StartEdit marks the task as being edited by editor. If another user already
// holds the edit session, that session is returned with contended=true and
// the lock is left untouched. Restarting one's own edit session refreshes it.
func (c *Controller) StartEdit(taskID types.TaskIDType, editor types.UserIDType) (*types.EditSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.edits[taskID]; ok && existing.EditorID != editor {
		return existing, true
	}

	es := &types.EditSession{TaskID: taskID, EditorID: editor, StartedAt: c.now()}
	c.edits[taskID] = es
	return es, false
}

// EndEdit clears the edit session if editor holds it.
func (c *Controller) EndEdit(taskID types.TaskIDType, editor types.UserIDType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.edits[taskID]
	if !ok || existing.EditorID != editor {
		return false
	}
	delete(c.edits, taskID)
	return true
}

// ClearEditor drops every edit session held by editor (used on disconnect)
// and returns the affected task ids.
func (c *Controller) ClearEditor(editor types.UserIDType) []types.TaskIDType {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cleared []types.TaskIDType
	for taskID, es := range c.edits {
		if es.EditorID == editor {
			delete(c.edits, taskID)
			cleared = append(cleared, taskID)
		}
	}
	return cleared
}

// EditSession returns the current edit session for the task, if any.
func (c *Controller) EditSession(taskID types.TaskIDType) *types.EditSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	es, ok := c.edits[taskID]
	if !ok {
		return nil
	}
	cp := *es
	return &cp
}
