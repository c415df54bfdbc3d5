package assign

import (
	"fmt"
	"testing"

	"devicefarm-admin/internal/shared/model"
)

func TestFractionRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		f := Fraction("run-1", i, "step-a")
		if f < 0 || f >= 1 {
			t.Fatalf("Fraction out of [0,1): %v (device %d)", f, i)
		}
	}
}

func TestDecideDeterministic(t *testing.T) {
	first := Decide("run-1", 3, "step-a", 0.5)
	for i := 0; i < 100; i++ {
		if got := Decide("run-1", 3, "step-a", 0.5); got != first {
			t.Fatalf("decision flip-flopped on iteration %d: %q != %q", i, got, first)
		}
	}
}

func TestDecideBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		stepID := fmt.Sprintf("step-%d", i)
		if got := Decide("run-1", i, stepID, 1); got != model.DecisionExecuted {
			t.Errorf("p=1 must always execute, got %q for %s", got, stepID)
		}
		if got := Decide("run-1", i, stepID, 0); got != model.DecisionSkipped {
			t.Errorf("p=0 must always skip, got %q for %s", got, stepID)
		}
		// 钳位：超界概率等同边界值
		if got := Decide("run-1", i, stepID, 1.5); got != model.DecisionExecuted {
			t.Errorf("p>1 must clamp to 1, got %q", got)
		}
		if got := Decide("run-1", i, stepID, -0.5); got != model.DecisionSkipped {
			t.Errorf("p<0 must clamp to 0, got %q", got)
		}
	}
}

func TestDecideVariesAcrossCoordinates(t *testing.T) {
	// p=0.5 时不同坐标应同时出现两种结果（确定性但非恒定）
	var executed, skipped int
	for i := 0; i < 200; i++ {
		switch Decide("run-1", i, "step-a", 0.5) {
		case model.DecisionExecuted:
			executed++
		case model.DecisionSkipped:
			skipped++
		}
	}
	if executed == 0 || skipped == 0 {
		t.Errorf("expected both outcomes at p=0.5, got executed=%d skipped=%d", executed, skipped)
	}
}
