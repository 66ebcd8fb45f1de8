package kernel

import (
	"os"
	"path/filepath"
	"testing"
)

func mkfile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLocateNoKernel(t *testing.T) {
	root := t.TempDir()
	if _, err := Locate(root); err != ErrNoKernel {
		t.Fatalf("expected ErrNoKernel, got %v", err)
	}
}

func TestLocateSingleUKI(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "boot/EFI/Linux/linux-6.6.0.efi"))

	info, err := Locate(root)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsUKI {
		t.Fatal("expected IsUKI")
	}
	if info.InitramfsPath != "" {
		t.Fatalf("UKI must not carry InitramfsPath, got %q", info.InitramfsPath)
	}
}

func TestLocateMultipleUKIsFails(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "boot/EFI/Linux/a.efi"))
	mkfile(t, filepath.Join(root, "boot/EFI/Linux/b.efi"))

	_, err := Locate(root)
	merr, ok := err.(*MultipleKernelsError)
	if !ok {
		t.Fatalf("expected *MultipleKernelsError, got %T: %v", err, err)
	}
	if len(merr.Paths) != 2 {
		t.Fatalf("expected both paths listed, got %v", merr.Paths)
	}
}

func TestLocateUKIPreemptsTraditional(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "usr/lib/modules/6.6.0/vmlinuz"))
	mkfile(t, filepath.Join(root, "usr/lib/modules/6.6.0/initramfs.img"))
	mkfile(t, filepath.Join(root, "usr/lib/modules/6.6.0/linux.efi"))

	info, err := Locate(root)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsUKI {
		t.Fatal("UKI must win over traditional kernel in the same tree")
	}
}

func TestLocateTraditionalWithInitramfs(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "usr/lib/modules/6.6.0/vmlinuz"))
	mkfile(t, filepath.Join(root, "usr/lib/modules/6.6.0/initramfs.img"))

	info, err := Locate(root)
	if err != nil {
		t.Fatal(err)
	}
	if info.IsUKI {
		t.Fatal("expected traditional kernel")
	}
	if info.InitramfsPath == "" {
		t.Fatal("expected InitramfsPath to be set")
	}
}

func TestLocateMultipleTraditionalFails(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "usr/lib/modules/6.6.0/vmlinuz"))
	mkfile(t, filepath.Join(root, "usr/lib/modules/6.7.0/vmlinuz"))

	_, err := Locate(root)
	merr, ok := err.(*MultipleKernelsError)
	if !ok {
		t.Fatalf("expected *MultipleKernelsError, got %T: %v", err, err)
	}
	if merr.Kind != "traditional kernel" {
		t.Fatalf("expected traditional kernel kind, got %q", merr.Kind)
	}
}
