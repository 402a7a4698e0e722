package orchestrator

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// readyTasks returns the tasks whose dependencies have all completed, in
// dispatch order: priority ascending, then submission order
func readyTasks(tasks []*domain.ConcurrentTask, completed map[string]bool) []*domain.ConcurrentTask {
	var ready []*domain.ConcurrentTask
	for _, task := range tasks {
		if task.IsReady(completed) {
			ready = append(ready, task)
		}
	}
	slices.SortFunc(ready, func(a, b *domain.ConcurrentTask) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.Seq, b.Seq))
	})
	return ready
}

// blockedByDependency returns the first dependency of task that ended
// without completing, if any
func blockedByDependency(task *domain.ConcurrentTask, byID map[string]*domain.ConcurrentTask) (*domain.ConcurrentTask, bool) {
	for _, dep := range task.Dependencies {
		d, ok := byID[dep]
		if ok && d.Status.IsTerminal() && d.Status != domain.TaskCompleted {
			return d, true
		}
	}
	return nil, false
}

// topologicalOrder returns task IDs in dependency order, failing when a
// dependency is unknown or the graph has a cycle
func topologicalOrder(specs []domain.TaskSpec) ([]string, error) {
	inDegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string)
	for _, s := range specs {
		inDegree[s.TaskID] = 0
	}
	for i, s := range specs {
		for _, dep := range s.Dependencies {
			if _, ok := inDegree[dep]; !ok {
				return nil, &domain.ValidationError{
					Field:  fmt.Sprintf("tasks[%d].dependencies", i),
					Reason: fmt.Sprintf("unknown task %q", dep),
				}
			}
			if dep == s.TaskID {
				return nil, &domain.ValidationError{
					Field:  fmt.Sprintf("tasks[%d].dependencies", i),
					Reason: fmt.Sprintf("task %q depends on itself", dep),
				}
			}
			inDegree[s.TaskID]++
			dependents[dep] = append(dependents[dep], s.TaskID)
		}
	}

	var queue []string
	for _, s := range specs {
		if inDegree[s.TaskID] == 0 {
			queue = append(queue, s.TaskID)
		}
	}

	var result []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)

		for _, depID := range dependents[id] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if len(result) < len(specs) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		slices.Sort(cyclic)
		return nil, &domain.ValidationError{
			Field:  "dependencies",
			Reason: "cycle between " + strings.Join(cyclic, ", "),
		}
	}
	return result, nil
}
