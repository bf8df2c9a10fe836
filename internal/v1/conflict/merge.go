package conflict

import (
	"slices"

	"github.com/flowboard/flowboard/internal/v1/types"
)

// DescriptionSeparator joins both sides of a description when server and
// client edited it concurrently.
const DescriptionSeparator = "\n---\n"

// MergePatch computes the field-wise merge of a losing client patch against
// the current server state, relative to the conflict base (server state at
// detection time). The result is a fresh patch to apply with
// knownVersion = current.Version.
//
// Rules, per field:
//   - only one side changed it relative to the base: take that side
//   - both changed a scalar: prefer the client
//   - both changed tags: take the union
//   - both changed description and both are non-empty and differ: keep both,
//     server first, joined by DescriptionSeparator
func MergePatch(base, current *types.Task, patch *types.TaskPatch) *types.TaskPatch {
	merged := &types.TaskPatch{}
	if patch == nil {
		return merged
	}

	if patch.Title != nil && *patch.Title != current.Title {
		merged.Title = patch.Title
	}
	if patch.Status != nil && *patch.Status != current.Status {
		merged.Status = patch.Status
	}
	if patch.Priority != nil && *patch.Priority != current.Priority {
		merged.Priority = patch.Priority
	}
	if patch.AssignedTo != nil && *patch.AssignedTo != current.AssignedTo {
		merged.AssignedTo = patch.AssignedTo
	}
	if patch.DueDate != nil {
		if current.DueDate == nil || !patch.DueDate.Equal(*current.DueDate) {
			merged.DueDate = patch.DueDate
		}
	}

	if patch.Description != nil {
		clientDesc := *patch.Description
		serverChanged := current.Description != base.Description
		switch {
		case !serverChanged && clientDesc != current.Description:
			merged.Description = &clientDesc
		case serverChanged && clientDesc != current.Description:
			if current.Description != "" && clientDesc != "" {
				joined := current.Description + DescriptionSeparator + clientDesc
				merged.Description = &joined
			} else if clientDesc != "" {
				merged.Description = &clientDesc
			}
			// Client cleared while server wrote: the server text wins.
		}
	}

	if patch.Tags != nil {
		clientTags := *patch.Tags
		serverChanged := !slices.Equal(current.Tags, base.Tags)
		if serverChanged {
			union := unionTags(current.Tags, clientTags)
			merged.Tags = &union
		} else if !slices.Equal(clientTags, current.Tags) {
			merged.Tags = &clientTags
		}
	}

	return merged
}

// unionTags merges two tag lists preserving first-seen order.
func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, lists := range [][]string{a, b} {
		for _, tag := range lists {
			if !seen[tag] {
				seen[tag] = true
				out = append(out, tag)
			}
		}
	}
	return out
}
