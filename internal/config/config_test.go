package config

import (
	"path/filepath"
	"testing"

	"github.com/coreos/bcvk-go/internal/diskcache"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recipe.yaml")

	want := &Recipe{
		Image:  "quay.io/fedora/fedora-bootc:42",
		Output: "/tmp/a.qcow2",
		Format: "qcow2",
		Install: diskcache.InstallOptions{
			Filesystem: "xfs",
		},
		KernelArgs: []string{"console=ttyS0"},
	}
	if err := Save(path, want); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Image != want.Image || got.Format != want.Format || got.Install.Filesystem != want.Install.Filesystem {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, want)
	}
}

func TestLoadMissingImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := Save(path, &Recipe{Output: "/tmp/x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for recipe missing image")
	}
}

func TestLoadDefaultsFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.yaml")
	if err := Save(path, &Recipe{Image: "img"}); err != nil {
		t.Fatal(err)
	}
	r, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if r.Format != "raw" {
		t.Fatalf("expected default format raw, got %q", r.Format)
	}
}
