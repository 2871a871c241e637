// Sample: an order process with an async payment step, a timer and a user
// task, executed end to end on the sqlite backend.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/backend/sqlite"
	"github.com/procflow/procflow/diag"
	"github.com/procflow/procflow/engine"
	"github.com/procflow/procflow/executor"
	"github.com/procflow/procflow/process"
)

func main() {
	ctx := context.Background()

	b := sqlite.NewInMemoryBackend()
	defer b.Close()

	registry := engine.NewRegistry()
	if err := registry.RegisterDefinition(orderDefinition()); err != nil {
		log.Fatal(err)
	}

	e := engine.New(b, registry)
	defer e.Close()

	je := executor.New(e,
		executor.WithMaxJobsPerAcquisition(5),
		executor.WithBaseWaitTime(100*time.Millisecond),
	)
	if err := je.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer je.Stop()

	root, err := e.StartProcessInstance(ctx, "order", map[string]any{
		"order_id": "order-4711",
		"amount":   250,
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("started instance %s, waiting at %s\n", root.ID, root.ActivityID)

	// The async charge job and the grace timer run on the executor; wait
	// until the instance reaches the review task.
	waitForActivity(ctx, e, root.ID, "review")
	dump(ctx, b, root.ID)

	// Complete the user task.
	if err := e.Signal(ctx, root.ID, map[string]any{"approved": true}); err != nil {
		log.Fatal(err)
	}

	waitForEnd(ctx, e, root.ID)
	fmt.Println("instance completed")
}

func orderDefinition() *process.Definition {
	d := process.NewDefinition("order")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "charge", Async: true, Behavior: &process.ServiceTaskBehavior{
		Delegate: func(ac *process.ActivityContext) error {
			amount, _ := ac.GetVariable("amount")
			fmt.Printf("charging %v\n", amount)
			ac.SetVariable("charged", true)
			return nil
		},
	}})
	d.AddActivity(&process.Activity{ID: "grace", Behavior: &process.TimerCatchBehavior{DueDate: "PT1S"}})
	d.AddActivity(&process.Activity{ID: "review", Behavior: &process.TaskBehavior{}})
	d.AddActivity(&process.Activity{ID: "end", Behavior: &process.EndBehavior{}})
	d.AddTransition("f1", "start", "charge", nil)
	d.AddTransition("f2", "charge", "grace", nil)
	d.AddTransition("f3", "grace", "review", nil)
	d.AddTransition("f4", "review", "end", nil)

	return d
}

func waitForActivity(ctx context.Context, e *engine.Engine, instanceID, activityID string) {
	for {
		execution, err := e.GetExecution(ctx, instanceID)
		if err != nil {
			log.Fatal(err)
		}

		if execution.ActivityID == activityID {
			return
		}

		time.Sleep(50 * time.Millisecond)
	}
}

func waitForEnd(ctx context.Context, e *engine.Engine, instanceID string) {
	for {
		execution, err := e.GetExecution(ctx, instanceID)
		if err != nil {
			log.Fatal(err)
		}

		if execution.IsEnded {
			return
		}

		time.Sleep(50 * time.Millisecond)
	}
}

func dump(ctx context.Context, b backend.Backend, instanceID string) {
	tree, err := diag.BuildExecutionTree(ctx, b, instanceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building tree: %v\n", err)
		return
	}

	fmt.Print(diag.Render(tree))
}
