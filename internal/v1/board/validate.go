package board

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/flowboard/flowboard/internal/v1/errs"
	"github.com/flowboard/flowboard/internal/v1/types"
)

// checkTitle enforces the title rules: non-empty after trimming, within the
// configured length, not a reserved column name, and unique among non-archived
// tasks under case folding. self is excluded from the uniqueness scan so a
// task can keep its own title on update.
func (s *Service) checkTitle(ctx context.Context, title string, self types.TaskIDType) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return errs.Validation(errs.FieldError{Field: "title", Reason: "must not be empty"})
	}
	if utf8.RuneCountInString(trimmed) > s.cfg.MaxTitleLen {
		return errs.Validation(errs.FieldError{
			Field:  "title",
			Reason: fmt.Sprintf("must be at most %d characters", s.cfg.MaxTitleLen),
		})
	}
	if s.cfg.IsReservedTitle(trimmed) {
		return errs.Newf(errs.CodeReservedTitle, "title %q matches a column name", trimmed)
	}

	tasks, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks for title check: %w", err)
	}
	folded := types.TitleFold(trimmed)
	for _, t := range tasks {
		if t.ID == self || t.IsArchived {
			continue
		}
		if types.TitleFold(t.Title) == folded {
			return errs.Newf(errs.CodeDuplicateTitle, "a task titled %q already exists", t.Title)
		}
	}
	return nil
}

func (s *Service) checkDescription(desc string) error {
	if utf8.RuneCountInString(desc) > s.cfg.MaxDescLen {
		return errs.Validation(errs.FieldError{
			Field:  "description",
			Reason: fmt.Sprintf("must be at most %d characters", s.cfg.MaxDescLen),
		})
	}
	return nil
}

// normalizeTags trims, drops empties, and de-duplicates while preserving
// first-seen order, then enforces the configured limits.
func (s *Service) normalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		if utf8.RuneCountInString(tag) > s.cfg.MaxTagLen {
			return nil, errs.Validation(errs.FieldError{
				Field:  "tags",
				Reason: fmt.Sprintf("tag %q exceeds %d characters", tag, s.cfg.MaxTagLen),
			})
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) > s.cfg.MaxTags {
		return nil, errs.Validation(errs.FieldError{
			Field:  "tags",
			Reason: fmt.Sprintf("at most %d tags allowed", s.cfg.MaxTags),
		})
	}
	return out, nil
}

// checkDueDate rejects a newly written due date that is not in the future.
// Existing due dates are allowed to drift into the past.
func (s *Service) checkDueDate(due *time.Time) error {
	if due == nil {
		return nil
	}
	if !due.After(s.now()) {
		return errs.Validation(errs.FieldError{Field: "dueDate", Reason: "must be in the future"})
	}
	return nil
}

// checkAssignee requires the assignee to exist and be active.
func (s *Service) checkAssignee(ctx context.Context, id types.UserIDType) error {
	u, err := s.users.Get(ctx, id)
	if err != nil || u == nil {
		return errs.Newf(errs.CodeInvalidAssignee, "unknown user %q", string(id))
	}
	if !u.IsActive {
		return errs.Newf(errs.CodeInvalidAssignee, "user %q is not active", string(id))
	}
	return nil
}

func (s *Service) checkComment(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return errs.Validation(errs.FieldError{Field: "text", Reason: "must not be empty"})
	}
	if utf8.RuneCountInString(trimmed) > s.cfg.MaxCommentLen {
		return errs.Validation(errs.FieldError{
			Field:  "text",
			Reason: fmt.Sprintf("must be at most %d characters", s.cfg.MaxCommentLen),
		})
	}
	return nil
}
