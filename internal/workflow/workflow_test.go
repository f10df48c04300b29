package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/schedd/internal/registry"
)

func newRegistry() *registry.Registry {
	reg := registry.New()
	reg.RegisterFunc("ok", func(_ context.Context, args registry.Args) (any, error) {
		return args["value"], nil
	})
	reg.RegisterFunc("fail", func(_ context.Context, _ registry.Args) (any, error) {
		return nil, errors.New("task exploded")
	})
	return reg
}

func TestRunAllTasksComplete(t *testing.T) {
	e := New(newRegistry(), nil)
	err := e.Add(context.Background(), Spec{
		ID: "wf",
		Tasks: []Task{
			{ID: "a", Handler: "ok", Args: registry.Args{"value": "1"}},
			{ID: "b", Handler: "ok", DependsOn: []string{"a"}},
			{ID: "c", Handler: "ok", DependsOn: []string{"a", "b"}},
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	res := e.Run(context.Background(), "wf")
	if !res.Success || res.Completed != 3 || res.Total != 3 {
		t.Fatalf("result = %+v, want 3/3 success", res)
	}
	// declaration order preserved
	for i, id := range []string{"a", "b", "c"} {
		if res.Tasks[i].TaskID != id {
			t.Fatalf("task order: got %s at %d, want %s", res.Tasks[i].TaskID, i, id)
		}
	}
	if res.Tasks[0].Result != "1" {
		t.Fatalf("task a result = %q, want %q", res.Tasks[0].Result, "1")
	}
}

func TestFailureShortCircuitsDependents(t *testing.T) {
	e := New(newRegistry(), nil)
	err := e.Add(context.Background(), Spec{
		ID: "wf",
		Tasks: []Task{
			{ID: "a", Handler: "fail"},
			{ID: "b", Handler: "ok", DependsOn: []string{"a"}},
			{ID: "c", Handler: "ok", DependsOn: []string{"b"}},
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	res := e.Run(context.Background(), "wf")
	if res.Success {
		t.Fatalf("run should not be a success")
	}
	if res.Completed != 0 || res.Total != 3 {
		t.Fatalf("summary = %d/%d, want 0/3", res.Completed, res.Total)
	}
	if res.Tasks[0].Status != TaskFailed {
		t.Fatalf("task a status = %s, want failed", res.Tasks[0].Status)
	}
	for _, i := range []int{1, 2} {
		if res.Tasks[i].Status != TaskDependencyUnmet {
			t.Fatalf("task %s status = %s, want dependency_unmet", res.Tasks[i].TaskID, res.Tasks[i].Status)
		}
	}
}

func TestIndependentBranchStillRuns(t *testing.T) {
	e := New(newRegistry(), nil)
	err := e.Add(context.Background(), Spec{
		ID: "wf",
		Tasks: []Task{
			{ID: "a", Handler: "fail"},
			{ID: "b", Handler: "ok", DependsOn: []string{"a"}},
			{ID: "c", Handler: "ok"}, // no dependencies
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	res := e.Run(context.Background(), "wf")
	if res.Completed != 1 {
		t.Fatalf("completed = %d, want 1", res.Completed)
	}
	if res.Tasks[2].Status != TaskCompleted {
		t.Fatalf("independent task status = %s, want completed", res.Tasks[2].Status)
	}
}

func TestValidateRejectsForwardDependency(t *testing.T) {
	e := New(newRegistry(), nil)
	err := e.Add(context.Background(), Spec{
		ID: "wf",
		Tasks: []Task{
			{ID: "a", Handler: "ok", DependsOn: []string{"b"}},
			{ID: "b", Handler: "ok"},
		},
	})
	if err == nil {
		t.Fatalf("forward dependency should be rejected")
	}
}

func TestValidateRejectsDuplicateTaskIDs(t *testing.T) {
	e := New(newRegistry(), nil)
	err := e.Add(context.Background(), Spec{
		ID: "wf",
		Tasks: []Task{
			{ID: "a", Handler: "ok"},
			{ID: "a", Handler: "ok"},
		},
	})
	if err == nil {
		t.Fatalf("duplicate task IDs should be rejected")
	}
}

func TestUnknownHandlerFailsTask(t *testing.T) {
	e := New(newRegistry(), nil)
	err := e.Add(context.Background(), Spec{
		ID:    "wf",
		Tasks: []Task{{ID: "a", Handler: "nope"}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	res := e.Run(context.Background(), "wf")
	if res.Tasks[0].Status != TaskFailed {
		t.Fatalf("task with unknown handler = %s, want failed", res.Tasks[0].Status)
	}
}

func TestLastResult(t *testing.T) {
	e := New(newRegistry(), nil)
	if _, ok := e.LastResult("wf"); ok {
		t.Fatalf("LastResult before any run should be absent")
	}
	err := e.Add(context.Background(), Spec{
		ID:    "wf",
		Tasks: []Task{{ID: "a", Handler: "ok"}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	e.Run(context.Background(), "wf")
	res, ok := e.LastResult("wf")
	if !ok || !res.Success {
		t.Fatalf("LastResult = %+v ok=%v", res, ok)
	}
}

func TestRemove(t *testing.T) {
	e := New(newRegistry(), nil)
	err := e.Add(context.Background(), Spec{
		ID:    "wf",
		Tasks: []Task{{ID: "a", Handler: "ok"}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.Remove(context.Background(), "wf"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := e.Remove(context.Background(), "wf"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("double Remove = %v, want ErrWorkflowNotFound", err)
	}
}
