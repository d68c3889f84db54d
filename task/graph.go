package task

import "fmt"

// DependencyGraph is the reverse-index dep_of described in spec.md §9: a
// map from a task id to the ids of tasks that list it in DependsOn. It is
// derivable from persisted data and is rebuilt on demand rather than
// persisted itself.
//
// Adapted from the teacher's task-dispatcher DependencyGraph (Kahn's
// algorithm cycle check over an in-degree map), generalized from "ready to
// execute" to "DAG-valid at creation time".
type DependencyGraph struct {
	ids        map[string]bool
	dependents map[string][]string
}

// NewDependencyGraph indexes tasks and validates that the dependency graph
// of the set is acyclic (spec.md §3 invariant). It does not validate
// cross-project references — callers must pre-filter to a single project.
func NewDependencyGraph(tasks []*Task) (*DependencyGraph, error) {
	g := &DependencyGraph{
		ids:        make(map[string]bool, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	for _, t := range tasks {
		g.ids[t.ID] = true
	}

	inDegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		inDegree[t.ID] = 0
	}
	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			if !g.ids[depID] {
				return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, depID)
			}
			inDegree[t.ID]++
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	if err := detectCycle(tasks, inDegree); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycle runs Kahn's algorithm: repeatedly remove zero-in-degree
// nodes; if any remain when the queue empties, a cycle exists.
func detectCycle(tasks []*Task, inDegree map[string]int) error {
	degree := make(map[string]int, len(inDegree))
	for id, d := range inDegree {
		degree[id] = d
	}

	dependents := make(map[string][]string)
	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			dependents[depID] = append(dependents[depID], t.ID)
		}
	}

	var queue []string
	for id, d := range degree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, depID := range dependents[id] {
			degree[depID]--
			if degree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if processed != len(tasks) {
		return fmt.Errorf("circular dependency detected: %d tasks could not be ordered", len(tasks)-processed)
	}
	return nil
}

// Dependents returns the ids of tasks that list taskID in their DependsOn.
func (g *DependencyGraph) Dependents(taskID string) []string {
	return g.dependents[taskID]
}
