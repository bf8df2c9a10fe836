// Package assign implements the Smart-Assign policy: pick the active user
// with the fewest open tasks, breaking ties uniformly at random.
package assign

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/flowboard/flowboard/internal/v1/errs"
	"github.com/flowboard/flowboard/internal/v1/types"
)

// Engine computes smart-assign choices. The choice is advisory: the caller
// realises it through a normal assign operation that still goes through the
// version check.
type Engine struct {
	users types.UserDirectory
	store types.TaskStore
	intn  func(int) int
}

// NewEngine creates an Engine over the given directory and store.
func NewEngine(users types.UserDirectory, store types.TaskStore) *Engine {
	return &Engine{users: users, store: store, intn: rand.IntN}
}

// Pick returns the userId with the minimum active load. Load counts
// non-archived tasks assigned to the user in the todo or in-progress columns.
// Ties break by uniform random choice; if no active user exists the result is
// a NoEligibleUser failure.
func (e *Engine) Pick(ctx context.Context) (types.UserIDType, error) {
	active, err := e.users.ListActive(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list active users: %w", err)
	}
	if len(active) == 0 {
		return "", errs.New(errs.CodeNoEligibleUser, "no active user to assign")
	}

	tasks, err := e.store.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list tasks: %w", err)
	}

	loads := make(map[types.UserIDType]int, len(active))
	for _, u := range active {
		loads[u.ID] = 0
	}
	for _, t := range tasks {
		if t.IsArchived || t.AssignedTo == "" {
			continue
		}
		if t.Status != types.StatusTodo && t.Status != types.StatusInProgress {
			continue
		}
		if _, eligible := loads[t.AssignedTo]; eligible {
			loads[t.AssignedTo]++
		}
	}

	minLoad := -1
	var candidates []types.UserIDType
	for _, u := range active {
		load := loads[u.ID]
		switch {
		case minLoad < 0 || load < minLoad:
			minLoad = load
			candidates = candidates[:0]
			candidates = append(candidates, u.ID)
		case load == minLoad:
			candidates = append(candidates, u.ID)
		}
	}

	return candidates[e.intn(len(candidates))], nil
}
