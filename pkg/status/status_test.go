package status

import (
	"encoding/json"
	"testing"
)

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusTimeout}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}

	active := []Status{StatusPending, StatusProcessing, StatusPaid}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("Expected %s to not be terminal", s)
		}
	}
}

func TestStatus_IsSettled(t *testing.T) {
	if !StatusPaid.IsSettled() || !StatusCompleted.IsSettled() {
		t.Error("Expected paid and completed to be settled")
	}
	if StatusPending.IsSettled() || StatusFailed.IsSettled() {
		t.Error("Expected pending and failed to not be settled")
	}
}

func TestStatus_Validate(t *testing.T) {
	if err := StatusProcessing.Validate(); err != nil {
		t.Errorf("Expected processing to validate, got: %v", err)
	}
	if err := Status("shipped").Validate(); err == nil {
		t.Error("Expected an unknown status to fail validation")
	}
	if err := Status("").Validate(); err == nil {
		t.Error("Expected an empty status to fail validation")
	}
}

func TestStatus_DefaultTerminalSetExcludesPaidAndTimeout(t *testing.T) {
	set := DefaultTerminalSet()

	// Paid still needs watching until processing completes, and timeout
	// is a local outcome, never observed remotely.
	if set[StatusPaid] {
		t.Error("Expected paid to be non-terminal for watchers")
	}
	if set[StatusTimeout] {
		t.Error("Expected timeout to be absent from the remote terminal set")
	}
	if !set[StatusCompleted] || !set[StatusFailed] || !set[StatusCancelled] || !set[StatusExpired] {
		t.Error("Expected completed, failed, cancelled, and expired to be terminal")
	}
}

func TestStatus_UnmarshalJSONRejectsUnknown(t *testing.T) {
	var s Status
	if err := json.Unmarshal([]byte(`"completed"`), &s); err != nil {
		t.Fatalf("Expected valid status to unmarshal, got: %v", err)
	}
	if s != StatusCompleted {
		t.Errorf("Expected completed, got %s", s)
	}

	if err := json.Unmarshal([]byte(`"shipped"`), &s); err == nil {
		t.Error("Expected unknown status to fail unmarshaling")
	}
}

func TestPollTarget_IsTerminalFor(t *testing.T) {
	def := PollTarget{ID: "pay-1", EntityKey: "order-1"}
	if !def.IsTerminalFor(StatusCompleted) {
		t.Error("Expected completed to be terminal with the default set")
	}
	if def.IsTerminalFor(StatusPaid) {
		t.Error("Expected paid to be non-terminal with the default set")
	}

	custom := PollTarget{
		ID:        "pay-2",
		EntityKey: "order-2",
		Terminal:  map[Status]bool{StatusPaid: true},
	}
	if !custom.IsTerminalFor(StatusPaid) {
		t.Error("Expected paid to be terminal for the custom set")
	}
	if custom.IsTerminalFor(StatusCompleted) {
		t.Error("Expected completed to be non-terminal for the custom set")
	}
}

func TestEntityRecord_EqualIgnoresTimestamps(t *testing.T) {
	a := EntityRecord{Key: "order-1", Status: StatusPending}
	b := a
	b.UpdatedAt = b.UpdatedAt.Add(1000)

	if !a.Equal(b) {
		t.Error("Expected records differing only in timestamps to be equal")
	}

	b.Status = StatusProcessing
	if a.Equal(b) {
		t.Error("Expected records with different statuses to differ")
	}

	c := a
	c.Pending = true
	if a.Equal(c) {
		t.Error("Expected pending flag to participate in equality")
	}
}
