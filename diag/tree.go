// Package diag builds diagnostic views of running process instances: the
// execution tree with each execution's pending jobs attached. Intended for
// operator tooling and test debugging.
package diag

import (
	"context"
	"fmt"
	"sort"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
)

// ExecutionTree is one node of a process instance's execution tree.
type ExecutionTree struct {
	Execution *core.Execution
	Jobs      []*core.Job
	Children  []*ExecutionTree
}

// BuildExecutionTree loads all executions and jobs of a process instance and
// links them into a tree rooted at the instance's root execution.
func BuildExecutionTree(ctx context.Context, b backend.Backend, processInstanceID string) (*ExecutionTree, error) {
	tx, err := b.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	executions, err := tx.GetInstanceExecutions(ctx, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("getting executions of instance %s: %w", processInstanceID, err)
	}

	if len(executions) == 0 {
		return nil, backend.ErrExecutionNotFound
	}

	jobs, err := tx.GetInstanceJobs(ctx, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("getting jobs of instance %s: %w", processInstanceID, err)
	}

	jobsByExecution := map[string][]*core.Job{}
	for _, j := range jobs {
		jobsByExecution[j.ExecutionID] = append(jobsByExecution[j.ExecutionID], j)
	}

	nodes := map[string]*ExecutionTree{}
	for _, e := range executions {
		nodes[e.ID] = &ExecutionTree{
			Execution: e,
			Jobs:      jobsByExecution[e.ID],
		}
	}

	var root *ExecutionTree
	for _, e := range executions {
		node := nodes[e.ID]
		if e.Root() {
			root = node
			continue
		}

		parent, ok := nodes[e.ParentID]
		if !ok {
			return nil, fmt.Errorf("execution %s references unknown parent %s", e.ID, e.ParentID)
		}

		parent.Children = append(parent.Children, node)
	}

	if root == nil {
		return nil, fmt.Errorf("instance %s has no root execution", processInstanceID)
	}

	for _, node := range nodes {
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].Execution.ID < node.Children[j].Execution.ID
		})
	}

	return root, nil
}
