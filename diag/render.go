package diag

import (
	"fmt"
	"strings"
)

// Render prints the tree as indented text, one execution per line with its
// pending jobs below it.
func Render(tree *ExecutionTree) string {
	var sb strings.Builder
	renderNode(&sb, tree, 0)

	return sb.String()
}

func renderNode(sb *strings.Builder, node *ExecutionTree, depth int) {
	indent := strings.Repeat("  ", depth)

	e := node.Execution
	fmt.Fprintf(sb, "%s%s", indent, e.ID)
	if e.ActivityID != "" {
		fmt.Fprintf(sb, " at %s", e.ActivityID)
	}
	fmt.Fprintf(sb, " [%s]", executionState(node))
	sb.WriteString("\n")

	for _, j := range node.Jobs {
		fmt.Fprintf(sb, "%s  job %s %s due %s retries %d", indent, j.ID, j.HandlerType, j.DueDate.Format("2006-01-02T15:04:05Z07:00"), j.Retries)
		if j.LockOwner != "" {
			fmt.Fprintf(sb, " locked by %s", j.LockOwner)
		}
		if j.DeadLettered() {
			sb.WriteString(" dead-lettered")
		}
		sb.WriteString("\n")
	}

	for _, child := range node.Children {
		renderNode(sb, child, depth+1)
	}
}

func executionState(node *ExecutionTree) string {
	e := node.Execution

	var flags []string
	switch {
	case e.IsEnded:
		flags = append(flags, "ended")
	case e.IsActive:
		flags = append(flags, "active")
	default:
		flags = append(flags, "inactive")
	}

	if e.IsScope {
		flags = append(flags, "scope")
	}

	if e.IsConcurrent {
		flags = append(flags, "concurrent")
	}

	return strings.Join(flags, ",")
}
