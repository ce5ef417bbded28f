package depgraph

import (
	"testing"
	"time"

	"github.com/swarmguard/taskorch/internal/domain"
)

func task(id string, priority domain.Priority) domain.Task {
	return domain.Task{TaskID: id, Priority: priority, Type: domain.TaskDevelopment, CreatedAt: time.Now()}
}

func requires(from, to string) domain.Dependency {
	return domain.Dependency{DependencyID: "DEP-" + from + "-" + to + "-001", From: from, To: to, Type: domain.DependencyRequires}
}

func TestValidateDetectsSimpleCycle(t *testing.T) {
	tasks := []domain.Task{task("T1", domain.PriorityMedium), task("T2", domain.PriorityMedium)}
	deps := []domain.Dependency{requires("T1", "T2"), requires("T2", "T1")}

	report := Validate(tasks, deps)
	if len(report.CircularDependencies) != 1 {
		t.Fatalf("expected exactly one cycle, got %d: %+v", len(report.CircularDependencies), report.CircularDependencies)
	}
	if len(report.ExecutionOrder) != 0 {
		t.Fatalf("a cyclic graph must not produce an execution order")
	}
}

func TestValidateAcyclicProducesFullTopologicalOrder(t *testing.T) {
	tasks := []domain.Task{task("T1", domain.PriorityMedium), task("T2", domain.PriorityMedium), task("T3", domain.PriorityMedium)}
	deps := []domain.Dependency{requires("T1", "T2"), requires("T2", "T3")}

	report := Validate(tasks, deps)
	if len(report.CircularDependencies) != 0 {
		t.Fatalf("expected no cycles, got %+v", report.CircularDependencies)
	}
	if len(report.ExecutionOrder) != 3 {
		t.Fatalf("expected all 3 tasks in execution order, got %v", report.ExecutionOrder)
	}
	pos := make(map[string]int, len(report.ExecutionOrder))
	for i, id := range report.ExecutionOrder {
		pos[id] = i
	}
	if pos["T1"] > pos["T2"] || pos["T2"] > pos["T3"] {
		t.Fatalf("execution order %v violates the requires edges", report.ExecutionOrder)
	}
}

func TestValidateMissingTaskReference(t *testing.T) {
	tasks := []domain.Task{task("T1", domain.PriorityMedium)}
	deps := []domain.Dependency{requires("T1", "T404")}

	report := Validate(tasks, deps)
	if len(report.Errors) != 1 || report.Errors[0].Code != "missing_task" {
		t.Fatalf("expected a single missing_task error, got %+v", report.Errors)
	}
}

func TestValidateSelfDependency(t *testing.T) {
	tasks := []domain.Task{task("T1", domain.PriorityMedium)}
	deps := []domain.Dependency{requires("T1", "T1")}

	report := Validate(tasks, deps)
	if len(report.Errors) != 1 || report.Errors[0].Code != "self_dependency" {
		t.Fatalf("expected a single self_dependency error, got %+v", report.Errors)
	}
}

func TestValidatePriorityInversionWarning(t *testing.T) {
	tasks := []domain.Task{task("T1", domain.PriorityLow), task("T2", domain.PriorityCritical)}
	deps := []domain.Dependency{requires("T1", "T2")}

	report := Validate(tasks, deps)
	found := false
	for _, w := range report.Warnings {
		if w.Code == "priority_inversion" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a priority_inversion warning, got %+v", report.Warnings)
	}
}

func TestTopologicalOrderDeterministicTieBreakByPriority(t *testing.T) {
	t1 := task("T1", domain.PriorityLow)
	t2 := task("T2", domain.PriorityCritical)
	tasks := []domain.Task{t1, t2}

	report := Validate(tasks, nil)
	if len(report.ExecutionOrder) != 2 || report.ExecutionOrder[0] != "T2" {
		t.Fatalf("expected the critical-priority task first among independent tasks, got %v", report.ExecutionOrder)
	}
}

func TestWouldCreateCycleDetectsBackEdge(t *testing.T) {
	requiresMap := map[string][]string{"T1": {"T2"}, "T2": {"T3"}}
	if _, would := WouldCreateCycle("T3", "T1", requiresMap); !would {
		t.Fatalf("expected adding T3 -> T1 to be flagged as creating a cycle")
	}
	if _, would := WouldCreateCycle("T1", "T99", requiresMap); would {
		t.Fatalf("did not expect an edge from an unconnected node to create a cycle")
	}
}
