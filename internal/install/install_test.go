package install

import (
	"strings"
	"testing"

	"github.com/coreos/bcvk-go/internal/diskcache"
)

func TestBootcInstallCommandIncludesOptions(t *testing.T) {
	req := Request{
		ImageRef: "quay.io/fedora/fedora-bootc:42",
		Options: diskcache.InstallOptions{
			Filesystem:    "xfs",
			RootSizeBytes: 1 << 30,
		},
	}
	cmd := bootcInstallCommand(req)
	for _, want := range []string{
		"--source-imgref containers-storage:quay.io/fedora/fedora-bootc:42",
		"--filesystem xfs",
		"--root-size 1073741824",
		"/dev/disk/by-id/virtio-output",
		completionSentinel,
	} {
		if !strings.Contains(cmd, want) {
			t.Fatalf("install command missing %q:\n%s", want, cmd)
		}
	}
}

func TestScanForSentinelSuccess(t *testing.T) {
	r := strings.NewReader("booting...\nrunning bootc install\n" + completionSentinel + "\n")
	if err := scanForSentinel(r); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestScanForSentinelFailure(t *testing.T) {
	r := strings.NewReader("booting...\ninstall-failed\n")
	if err := scanForSentinel(r); err == nil {
		t.Fatal("expected error for install-failed guest output")
	}
}

func TestScanForSentinelMissing(t *testing.T) {
	r := strings.NewReader("booting...\nstill going\n")
	if err := scanForSentinel(r); err == nil {
		t.Fatal("expected error when sentinel never appears")
	}
}
