package health

import (
	"fmt"
	"testing"
	"time"

	"github.com/drmcore/drmcore/pkg/errors"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("alloc")

	if state := tracker.GetState("alloc"); state != StateHealthy {
		t.Errorf("Expected initial state to be StateHealthy, got %s", state)
	}
	if state := tracker.GetState("missing"); state != StateUnavailable {
		t.Errorf("Expected unknown component to be unavailable, got %s", state)
	}
}

func TestTracker_RecordSuccess(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("alloc")

	tracker.RecordError("alloc", fmt.Errorf("ENOMEM"))
	tracker.RecordError("alloc", fmt.Errorf("ENOMEM"))
	tracker.RecordSuccess("alloc")
	tracker.RecordSuccess("alloc")

	health, err := tracker.GetComponentHealth("alloc")
	if err != nil {
		t.Fatalf("Failed to get component health: %v", err)
	}
	if health.ConsecutiveErrors != 0 {
		t.Errorf("Expected ConsecutiveErrors=0 after successes, got %d", health.ConsecutiveErrors)
	}
}

func TestTracker_Degradation(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 3
	config.UnavailableThreshold = 5
	tracker := NewTracker(config)
	tracker.RegisterComponent("alloc")

	for i := 0; i < 2; i++ {
		tracker.RecordError("alloc", fmt.Errorf("error %d", i))
	}
	if state := tracker.GetState("alloc"); state != StateHealthy {
		t.Errorf("Expected StateHealthy before threshold, got %s", state)
	}

	tracker.RecordError("alloc", fmt.Errorf("error 2"))
	if state := tracker.GetState("alloc"); state != StateDegraded {
		t.Errorf("Expected StateDegraded at threshold, got %s", state)
	}

	tracker.RecordError("alloc", fmt.Errorf("error 3"))
	tracker.RecordError("alloc", fmt.Errorf("error 4"))
	if state := tracker.GetState("alloc"); state != StateUnavailable {
		t.Errorf("Expected StateUnavailable, got %s", state)
	}
	if overall := tracker.GetOverallHealth(); overall != StateUnavailable {
		t.Errorf("Overall health = %s, want unavailable", overall)
	}
}

func TestTracker_SubmitFailures(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 2
	tracker := NewTracker(config)
	tracker.RegisterComponent("submit")

	submitErr := errors.NewError(errors.ErrCodeSubmitFailed, "EIO")
	tracker.RecordError("submit", submitErr)
	tracker.RecordError("submit", submitErr)

	if state := tracker.GetState("submit"); state != StateNoSubmit {
		t.Errorf("Expected StateNoSubmit, got %s", state)
	}
	if tracker.CanSubmit("submit") {
		t.Error("CanSubmit should be false once submissions keep failing")
	}

	tracker.RecordSuccess("submit")
	tracker.RecordSuccess("submit")
	if !tracker.IsHealthy("submit") {
		t.Errorf("Expected recovery, got %s", tracker.GetState("submit"))
	}
	health, _ := tracker.GetComponentHealth("submit")
	if health.LastErrorMessage != "" {
		t.Errorf("LastErrorMessage = %q after recovery", health.LastErrorMessage)
	}
}

func TestTracker_Record(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 5})
	tracker.RegisterComponent("import")

	tracker.Record("import", fmt.Errorf("EINVAL"))
	if state := tracker.GetState("import"); state != StateDegraded {
		t.Errorf("Expected StateDegraded, got %s", state)
	}
	tracker.Record("import", nil)
	if state := tracker.GetState("import"); state != StateHealthy {
		t.Errorf("Expected StateHealthy, got %s", state)
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 10})
	tracker.RegisterComponent("alloc")

	changed := make(chan HealthState, 1)
	tracker.AddStateChangeCallback(StateDegraded, func(component string, oldState, newState HealthState, err error) {
		if component == "alloc" && oldState == StateHealthy {
			changed <- newState
		}
	})

	tracker.RecordError("alloc", fmt.Errorf("ENOMEM"))

	select {
	case state := <-changed:
		if state != StateDegraded {
			t.Errorf("callback got %s", state)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}
}

func TestTracker_MetadataIsCopied(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("alloc")
	tracker.SetComponentMetadata("alloc", "backend", "native")

	all := tracker.GetAllComponents()
	all["alloc"].Metadata["backend"] = "changed"

	health, _ := tracker.GetComponentHealth("alloc")
	if health.Metadata["backend"] != "native" {
		t.Errorf("metadata was modified through a copy: %v", health.Metadata["backend"])
	}
	if _, err := tracker.GetComponentHealth("missing"); err == nil {
		t.Error("expected error for unregistered component")
	}
}

func TestHealthState_String(t *testing.T) {
	tests := map[HealthState]string{
		StateHealthy:     "healthy",
		StateDegraded:    "degraded",
		StateNoSubmit:    "no-submit",
		StateUnavailable: "unavailable",
		HealthState(99):  "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
