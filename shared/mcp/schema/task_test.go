package schema

import (
	"encoding/json"
	"testing"
)

func TestTaskStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskStatusWorking, TaskStatusCompleted, true},
		{TaskStatusWorking, TaskStatusFailed, true},
		{TaskStatusWorking, TaskStatusCancelled, true},
		{TaskStatusWorking, TaskStatusInputRequired, true},
		{TaskStatusInputRequired, TaskStatusWorking, true},
		{TaskStatusInputRequired, TaskStatusCompleted, true},
		{TaskStatusCompleted, TaskStatusWorking, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusFailed, TaskStatusCancelled, false},
		{TaskStatusCancelled, TaskStatusWorking, false},
		{TaskStatusWorking, TaskStatusWorking, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTaskTimestampsEchoedVerbatim(t *testing.T) {
	// Timestamps are exchanged literally; the exotic offset must survive a
	// round trip untouched.
	jsonData := `{"taskId":"t-1","status":"working","createdAt":"2025-04-17T10:34:18.117+05:30","updatedAt":"2025-04-17T10:34:18.117+05:30","ttl":60000}`

	var task Task
	if err := json.Unmarshal([]byte(jsonData), &task); err != nil {
		t.Fatalf("failed to unmarshal Task JSON: %v", err)
	}
	if task.CreatedAt != "2025-04-17T10:34:18.117+05:30" {
		t.Errorf("createdAt was reinterpreted: %s", task.CreatedAt)
	}
	out, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Task
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if back.CreatedAt != task.CreatedAt || back.UpdatedAt != task.UpdatedAt {
		t.Errorf("timestamps changed across round trip: %+v", back)
	}
}
