package diskcache

import "testing"

func TestCacheKeyDeterministicRegardlessOfArgOrder(t *testing.T) {
	a := InstallOptions{Filesystem: "Ext4", KernelArgs: []string{"b=2", "a=1"}}
	b := InstallOptions{Filesystem: "ext4", KernelArgs: []string{"a=1", "b=2"}}

	k1 := NewCacheKey("sha256:deadbeef", a, "console=ttyS0")
	k2 := NewCacheKey("sha256:deadbeef", b, "console=ttyS0")

	if k1.Full != k2.Full {
		t.Fatalf("cache keys differ for logically identical options: %s vs %s", k1.Full, k2.Full)
	}
}

func TestCacheKeyDiffersOnDigest(t *testing.T) {
	opts := InstallOptions{Filesystem: "ext4"}
	k1 := NewCacheKey("sha256:aaaa", opts, "")
	k2 := NewCacheKey("sha256:bbbb", opts, "")
	if k1.Full == k2.Full {
		t.Fatal("expected different keys for different image digests")
	}
}

func TestCacheKeyShortIsPrefixOfFull(t *testing.T) {
	k := NewCacheKey("sha256:cccc", InstallOptions{}, "")
	if k.Short != k.Full[:16] {
		t.Fatalf("Short %q is not Full's first 16 chars (%q)", k.Short, k.Full)
	}
}

func TestBaseDiskName(t *testing.T) {
	k := CacheKey{Short: "0123456789abcdef"}
	want := "bootc-base-0123456789abcdef.qcow2"
	if got := k.BaseDiskName(); got != want {
		t.Fatalf("BaseDiskName() = %q, want %q", got, want)
	}
}
