package ephemeral

import (
	"os/exec"
	"testing"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateSpawning: "Spawning",
		StateReady:    "Ready",
		StateExiting:  "Exiting",
		StateExited:   "Exited",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestAsExitCode(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected non-nil error from exit 1")
	}
	code, ok := asExitCode(err)
	if !ok || code != 1 {
		t.Fatalf("asExitCode = (%d, %v), want (1, true)", code, ok)
	}
}
