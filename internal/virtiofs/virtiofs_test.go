package virtiofs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSpawnRejectsMissingSharedDir(t *testing.T) {
	dir := t.TempDir()
	_, err := Spawn("/bin/true", Export{
		SharedDir:  filepath.Join(dir, "does-not-exist"),
		SocketPath: filepath.Join(dir, "sock", "virtiofs.sock"),
	})
	if err == nil {
		t.Fatal("expected error for missing shared dir")
	}
}

func TestSpawnRejectsSharedFileNotDir(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "notadir")
	if err := os.WriteFile(f, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Spawn("/bin/true", Export{
		SharedDir:  f,
		SocketPath: filepath.Join(dir, "sock", "virtiofs.sock"),
	})
	if err == nil {
		t.Fatal("expected error for non-directory shared path")
	}
}

func TestSpawnCreatesSocketDir(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "shared")
	if err := os.Mkdir(shared, 0755); err != nil {
		t.Fatal(err)
	}
	sockDir := filepath.Join(dir, "nested", "sockdir")
	d, err := Spawn("/bin/true", Export{
		SharedDir:  shared,
		SocketPath: filepath.Join(sockDir, "virtiofs.sock"),
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := os.Stat(sockDir); err != nil {
		t.Fatalf("expected socket directory to be created: %v", err)
	}
	d.cmd.Wait()
}

func TestLocateFailsWhenNotFound(t *testing.T) {
	old := searchPath
	searchPath = []string{"/nonexistent-dir-for-test"}
	defer func() { searchPath = old }()

	os.Setenv("PATH", "/nonexistent-path-for-test")
	defer os.Unsetenv("PATH")

	if _, err := Locate(); err == nil {
		t.Fatal("expected error when virtiofsd cannot be found")
	}
}

func TestSupportsReadonlyCaches(t *testing.T) {
	featureCache.Delete("/bin/true")
	first := supportsReadonly("/bin/true")
	if first {
		t.Fatal("/bin/true --help should not mention --readonly")
	}
	v, ok := featureCache.Load("/bin/true")
	if !ok || v.(bool) != false {
		t.Fatal("expected cached false result")
	}
}
