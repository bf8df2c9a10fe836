package activity

import "fmt"

// Action names for every recorded event. Auth actions come from the session
// gateway; the rest from the task service and conflict controller.
const (
	ActionTaskCreated      = "task_created"
	ActionTaskUpdated      = "task_updated"
	ActionTaskMoved        = "task_moved"
	ActionTaskAssigned     = "task_assigned"
	ActionTaskUnassigned   = "task_unassigned"
	ActionTaskCommented    = "task_commented"
	ActionTaskArchived     = "task_archived"
	ActionTaskDeleted      = "task_deleted"
	ActionSmartAssigned    = "smart_assigned"
	ActionConflictDetected = "conflict_detected"
	ActionConflictResolved = "conflict_resolved"
	ActionLogin            = "login"
	ActionLogout           = "logout"
	ActionRegistered       = "registered"
	ActionPasswordChanged  = "password_changed"
	ActionActivityPruned   = "activity_pruned"
)

// descriptionTemplates maps an action to its description format. The rendered
// text is stored on the record so downstream consumers never need the table.
var descriptionTemplates = map[string]string{
	ActionTaskCreated:      "%s created task %q",
	ActionTaskUpdated:      "%s updated task %q",
	ActionTaskMoved:        "%s moved task %q",
	ActionTaskAssigned:     "%s assigned task %q",
	ActionTaskUnassigned:   "%s unassigned task %q",
	ActionTaskCommented:    "%s commented on task %q",
	ActionTaskArchived:     "%s archived task %q",
	ActionTaskDeleted:      "%s deleted task %q",
	ActionSmartAssigned:    "%s smart-assigned task %q",
	ActionConflictDetected: "%s hit a version conflict on task %q",
	ActionConflictResolved: "%s resolved a conflict on task %q",
	ActionLogin:            "%s logged in%.0s",
	ActionLogout:           "%s logged out%.0s",
	ActionRegistered:       "%s registered%.0s",
	ActionPasswordChanged:  "%s changed their password%.0s",
	ActionActivityPruned:   "%s pruned old activity records%.0s",
}

// Describe renders the description for an action.
func Describe(action, actor, target string) string {
	tmpl, ok := descriptionTemplates[action]
	if !ok {
		return fmt.Sprintf("%s performed %s", actor, action)
	}
	return fmt.Sprintf(tmpl, actor, target)
}
