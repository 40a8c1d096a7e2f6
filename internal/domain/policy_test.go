package domain

import (
	"fmt"
	"testing"
)

func TestPolicyPatchSafety(t *testing.T) {
	if !AddCapabilityPatch(CapFsBasic).IsSafe() {
		t.Error("adding fs_basic should be safe")
	}
	if AddCapabilityPatch(CapAdmin).IsSafe() {
		t.Error("adding admin must never be safe")
	}
	// Removal is always permitted, including admin.
	if !RemoveCapabilityPatch(CapAdmin).IsSafe() {
		t.Error("removing admin should be safe")
	}
}

func TestPolicySetApply(t *testing.T) {
	set := NewPolicySet(100)

	if err := set.Apply(AddCapabilityPatch(CapFsBasic)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !set.HasCapability(CapFsBasic) {
		t.Fatal("capability not added")
	}
	// Duplicate add is a no-op for the capability list but still audited.
	if err := set.Apply(AddCapabilityPatch(CapFsBasic)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(set.Capabilities) != 1 {
		t.Fatalf("capabilities = %d, want 1", len(set.Capabilities))
	}
	if len(set.AuditTrail) != 2 {
		t.Fatalf("audit trail = %d entries, want 2", len(set.AuditTrail))
	}

	if err := set.Apply(RemoveCapabilityPatch(CapFsBasic)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if set.HasCapability(CapFsBasic) {
		t.Fatal("capability not removed")
	}
}

func TestPolicySetAutoRestartPatches(t *testing.T) {
	set := NewPolicySet(100)

	if err := set.Apply(EnableAutoRestartPatch(5)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !set.AutoRestart || set.MaxRestarts != 5 {
		t.Fatalf("auto_restart=%v max=%d, want true/5", set.AutoRestart, set.MaxRestarts)
	}

	if err := set.Apply(DisableAutoRestartPatch()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if set.AutoRestart {
		t.Fatal("auto_restart still enabled")
	}
}

func TestPolicySetViolationBound(t *testing.T) {
	set := NewPolicySet(100)

	for i := 0; i < MaxViolationsPerAgent+20; i++ {
		set.RecordViolation(PolicyViolation{
			Description: fmt.Sprintf("violation %d", i),
			Decision:    DecisionDeny,
		})
	}
	if len(set.Violations) != MaxViolationsPerAgent {
		t.Fatalf("violations = %d, want %d", len(set.Violations), MaxViolationsPerAgent)
	}
	// FIFO eviction: the oldest entries are gone.
	if set.Violations[0].Description != "violation 20" {
		t.Fatalf("oldest violation = %q, want %q", set.Violations[0].Description, "violation 20")
	}
}

func TestAgentMetadataRestartBudget(t *testing.T) {
	meta := NewAgentMetadata(100, 42, "test_agent")
	meta.MaxRestarts = 2

	if meta.HasExceededRestarts() {
		t.Fatal("fresh agent should not have exceeded restarts")
	}
	meta.RestartCount = 2
	if !meta.HasExceededRestarts() {
		t.Fatal("budget of 2 with count 2 should be exhausted")
	}
}
