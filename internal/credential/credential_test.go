package credential

import (
	"bytes"
	"strings"
	"testing"
	"testing/quick"
)

func TestEscapeRoundTrip(t *testing.T) {
	cases := []string{
		"/etc",
		"/var/lib/data",
		"/mnt/my-dir",
		"/a/b-c/d--e",
		"/",
	}
	for _, c := range cases {
		got := unescapeMountPath(escapeMountPath(c))
		if got != c {
			t.Errorf("round-trip failed for %q: got %q", c, got)
		}
	}
}

func TestEscapeRoundTripQuick(t *testing.T) {
	f := func(segments []string) bool {
		// Build a plausible absolute path with no slashes or newlines
		// inside each segment (those aren't valid path components anyway).
		clean := make([]string, 0, len(segments))
		for _, s := range segments {
			s = strings.Map(func(r rune) rune {
				if r == '/' || r == '\n' || r == 0 {
					return 'x'
				}
				return r
			}, s)
			if s == "" {
				continue
			}
			clean = append(clean, s)
		}
		if len(clean) == 0 {
			return true
		}
		path := "/" + strings.Join(clean, "/")
		return unescapeMountPath(escapeMountPath(path)) == path
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestCredentialEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello\x00world")
	c := Credential{Kind: KindTmpfiles, Name: "tmpfiles.extra", Payload: payload}
	encoded := c.Encode()
	name, decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if name != c.Name {
		t.Fatalf("name mismatch: got %q want %q", name, c.Name)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("payload mismatch: got %q want %q", decoded, payload)
	}
}

func TestSSHKeyCredential(t *testing.T) {
	c := SSHKeyCredential("ssh-ed25519 AAAA test@host")
	if c.Kind != KindTmpfiles || c.Name != "tmpfiles.extra" {
		t.Fatalf("unexpected credential shape: %+v", c)
	}
	body := string(c.Payload)
	if !strings.Contains(body, "/root/.ssh") || !strings.Contains(body, "authorized_keys") {
		t.Fatalf("missing expected tmpfiles lines: %s", body)
	}
	if !strings.Contains(body, "0750") || !strings.Contains(body, "0700") {
		t.Fatalf("missing expected modes: %s", body)
	}
}

func TestMountUnitCredential(t *testing.T) {
	m := MountRequest{HostPath: "/tmp/x", GuestPath: "/mnt/testmount", ReadOnly: true, Tag: "bcvk-bind-0"}
	c := MountUnitCredential(m)
	if c.Kind != KindExtraUnit {
		t.Fatalf("expected KindExtraUnit, got %v", c.Kind)
	}
	wantName := "systemd.extra-unit.mnt-testmount.mount"
	if c.Name != wantName {
		t.Fatalf("unit name mismatch: got %q want %q", c.Name, wantName)
	}
	body := string(c.Payload)
	for _, want := range []string{"What=bcvk-bind-0", "Where=/mnt/testmount", "Type=virtiofs", "Options=ro"} {
		if !strings.Contains(body, want) {
			t.Fatalf("unit body missing %q:\n%s", want, body)
		}
	}
}

func TestLocalFSDropinCredential(t *testing.T) {
	mounts := []MountRequest{
		{GuestPath: "/mnt/b"},
		{GuestPath: "/mnt/a"},
	}
	c := LocalFSDropinCredential(mounts)
	if c.Name != "systemd.unit-dropin.local-fs.target~bcvk-mounts" {
		t.Fatalf("unexpected dropin name: %q", c.Name)
	}
	body := string(c.Payload)
	if !strings.Contains(body, "mnt-a.mount") || !strings.Contains(body, "mnt-b.mount") {
		t.Fatalf("dropin missing mount units: %s", body)
	}
}

func TestNotifySocketCredential(t *testing.T) {
	c := NotifySocketCredential(3, 1234)
	encoded := c.Encode()
	if encoded != "vmm.notify_socket=vsock-stream:3:1234" {
		t.Fatalf("unexpected encoding: %q", encoded)
	}
}
