package domain

import "testing"

func TestTransferTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusApprovalRequired, false},
		{StatusApproved, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusRejected, true},
	}
	for _, tt := range tests {
		transfer := Transfer{Status: tt.status}
		if got := transfer.Terminal(); got != tt.want {
			t.Fatalf("Terminal() for %s = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestGuardsClearedAndPending(t *testing.T) {
	transfer := Transfer{}
	if !transfer.GuardsCleared() {
		t.Fatal("no triggered guards must count as cleared")
	}
	if got := transfer.PendingGuards(); len(got) != 0 {
		t.Fatalf("expected no pending guards, got %v", got)
	}

	transfer.NightGuard.Status = GuardStatusPending
	transfer.Shield.Status = GuardStatusFacePassed
	if transfer.GuardsCleared() {
		t.Fatal("a pending guard must block clearance")
	}
	if got := transfer.PendingGuards(); len(got) != 1 || got[0] != GuardNightGuard {
		t.Fatalf("expected night guard pending, got %v", got)
	}

	transfer.NightGuard.Status = GuardStatusFaceFailed
	if transfer.GuardsCleared() {
		t.Fatal("a failed face check must block clearance until the fallback passes")
	}

	transfer.NightGuard.Status = GuardStatusFallbackPassed
	if !transfer.GuardsCleared() {
		t.Fatal("a passed fallback must clear the guard")
	}
}

func TestAppInitiated(t *testing.T) {
	tests := []struct {
		name     string
		transfer Transfer
		want     bool
	}{
		{"app channel", Transfer{Channel: ChannelApp}, true},
		{"scheduled channel", Transfer{Channel: ChannelScheduled, DeviceFingerprint: "d"}, false},
		{"bulk channel", Transfer{Channel: ChannelBulk}, false},
		{"unset channel with device", Transfer{DeviceFingerprint: "d"}, true},
		{"unset channel bare", Transfer{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.transfer.AppInitiated(); got != tt.want {
				t.Fatalf("AppInitiated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGuardStatePassed(t *testing.T) {
	tests := []struct {
		name  string
		state *GuardState
		want  bool
	}{
		{"nil state", nil, false},
		{"not required", &GuardState{Status: GuardStatusNotRequired}, false},
		{"pending", &GuardState{Status: GuardStatusPending}, false},
		{"face failed", &GuardState{Status: GuardStatusFaceFailed}, false},
		{"face passed", &GuardState{Status: GuardStatusFacePassed}, true},
		{"fallback passed", &GuardState{Status: GuardStatusFallbackPassed}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Passed(); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGuardStateFor(t *testing.T) {
	transfer := Transfer{}
	for _, guard := range []GuardType{GuardNightGuard, GuardLargeTxShield, GuardLocationGuard} {
		state := transfer.GuardStateFor(guard)
		if state == nil {
			t.Fatalf("expected a state slot for %s", guard)
		}
		state.Status = GuardStatusPending
	}
	if transfer.NightGuard.Status != GuardStatusPending {
		t.Fatal("expected GuardStateFor to return a live pointer")
	}
	if transfer.GuardStateFor(GuardType("unknown")) != nil {
		t.Fatal("expected nil for an unknown guard")
	}
}
