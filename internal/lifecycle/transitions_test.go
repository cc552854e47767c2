package lifecycle

import (
	"testing"

	"qms/dispatch-service/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action models.ActionType
		from   models.Status
		valid  bool
	}{
		{models.ActionCall, models.StatusWaiting, true},
		{models.ActionCall, models.StatusProcessing, false},
		{models.ActionCall, models.StatusCompleted, false},
		{models.ActionCancelCall, models.StatusProcessing, true},
		{models.ActionCancelCall, models.StatusWaiting, false},
		{models.ActionComplete, models.StatusWaiting, true},
		{models.ActionComplete, models.StatusProcessing, true},
		{models.ActionComplete, models.StatusCancelled, false},
		{models.ActionCancel, models.StatusWaiting, true},
		{models.ActionCancel, models.StatusCompleted, false},
		{models.ActionTransfer, models.StatusProcessing, true},
		{models.ActionTransfer, models.StatusCompleted, false},
		{models.ActionRemark, models.StatusWaiting, true},
		{models.ActionRemark, models.StatusCancelled, false},
		{models.ActionSystemCancel, models.StatusWaiting, true},
		{models.ActionSystemCancel, models.StatusProcessing, false},
		{models.ActionCreate, models.StatusWaiting, false},
		{"UNKNOWN", models.StatusWaiting, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for action := range transitionMap {
		for _, status := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
			if ValidTransition(action, status) {
				t.Fatalf("%s must not be allowed from terminal %s", action, status)
			}
		}
	}
}
