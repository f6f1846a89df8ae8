package uws

import "testing"

func TestParsePhase(t *testing.T) {
	for _, p := range AllPhases() {
		got, err := ParsePhase(string(p))
		if err != nil {
			t.Fatalf("ParsePhase(%q) error: %v", p, err)
		}
		if got != p {
			t.Fatalf("ParsePhase(%q) = %q", p, got)
		}
	}

	if _, err := ParsePhase("RUNNING"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
	if _, err := ParsePhase(""); err == nil {
		t.Fatalf("expected error for empty phase")
	}
}

func TestPhaseTerminal(t *testing.T) {
	terminal := map[Phase]bool{
		PhaseCompleted: true,
		PhaseError:     true,
		PhaseAborted:   true,
		PhaseDestroyed: true,
	}
	for _, p := range AllPhases() {
		if got := p.Terminal(); got != terminal[p] {
			t.Fatalf("%s.Terminal() = %v, want %v", p, got, terminal[p])
		}
	}
}

func TestPhaseHasWorker(t *testing.T) {
	withWorker := map[Phase]bool{
		PhaseExecuting: true,
		PhaseUnknown:   true,
	}
	for _, p := range AllPhases() {
		if got := p.HasWorker(); got != withWorker[p] {
			t.Fatalf("%s.HasWorker() = %v, want %v", p, got, withWorker[p])
		}
	}
}
