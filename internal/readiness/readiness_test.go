package readiness

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coreos/go-semver/semver"
)

func TestParseSystemdVersion(t *testing.T) {
	cases := []struct {
		in      string
		wantMaj int64
		wantErr bool
	}{
		{"systemd 254 (254.11-1)\n+PAM +AUDIT", 254, false},
		{"systemd 253 (253-1)", 253, false},
		{"garbage output", 0, true},
	}
	for _, c := range cases {
		v, err := ParseSystemdVersion(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseSystemdVersion(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSystemdVersion(%q): %v", c.in, err)
			continue
		}
		if v.Major != c.wantMaj {
			t.Errorf("ParseSystemdVersion(%q) = %+v, want Major %d", c.in, v, c.wantMaj)
		}
	}
}

func TestSelectMechanism(t *testing.T) {
	if m := SelectMechanism(semver.Version{Major: 254}); m != MechanismVsock {
		t.Errorf("254 should select vsock, got %v", m)
	}
	if m := SelectMechanism(semver.Version{Major: 255}); m != MechanismVsock {
		t.Errorf("255 should select vsock, got %v", m)
	}
	if m := SelectMechanism(semver.Version{Major: 253}); m != MechanismSSHPolling {
		t.Errorf("253 should select ssh-polling, got %v", m)
	}
}

func TestWaitSSHTimesOutWithNoListener(t *testing.T) {
	// Reserve a port, then close it immediately so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	err = WaitSSH(context.Background(), addr, nil, 200*time.Millisecond, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error when nothing is listening")
	}
}

func TestMechanismString(t *testing.T) {
	if MechanismVsock.String() != "vsock" {
		t.Errorf("unexpected vsock string: %s", MechanismVsock.String())
	}
	if MechanismSSHPolling.String() != "ssh-polling" {
		t.Errorf("unexpected ssh-polling string: %s", MechanismSSHPolling.String())
	}
}
