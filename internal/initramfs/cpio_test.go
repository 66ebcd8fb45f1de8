package initramfs

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriterProducesAlignedEntries(t *testing.T) {
	w := NewWriter()
	w.AddFile("usr/lib/systemd/system/foo.service", []byte("hello"))
	b := w.Bytes()

	if len(b)%4 != 0 {
		t.Fatalf("archive length %d not a multiple of 4", len(b))
	}
	if !bytes.Contains(b, []byte(cpioMagic)) {
		t.Fatal("missing cpio magic")
	}
	if !bytes.Contains(b, []byte("foo.service")) {
		t.Fatal("missing file name in archive")
	}
	if !bytes.Contains(b, []byte(cpioTrailer)) {
		t.Fatal("missing trailer entry")
	}
}

func TestWriterOrdersDirsBeforeChildren(t *testing.T) {
	w := NewWriter()
	w.AddFile("usr/lib/systemd/system/initrd-fs.target.d/50-x.conf", []byte("[Unit]\n"))
	b := w.Bytes()

	dirOffset := bytes.Index(b, []byte("usr/lib/systemd/system/initrd-fs.target.d\x00"))
	fileOffset := bytes.Index(b, []byte("usr/lib/systemd/system/initrd-fs.target.d/50-x.conf\x00"))
	if dirOffset < 0 || fileOffset < 0 {
		t.Fatal("expected both directory and file entries")
	}
	if dirOffset >= fileOffset {
		t.Fatalf("directory entry (%d) must precede file entry (%d)", dirOffset, fileOffset)
	}
}

func TestBuildIncludesAllUnitsByDefault(t *testing.T) {
	archive := Build(true)
	s := string(archive)
	for _, name := range []string{
		"bcvk-etc-overlay.service",
		"bcvk-var-ephemeral.service",
		"bcvk-copy-units.service",
		"bcvk-journal-stream.service",
	} {
		if !strings.Contains(s, name) {
			t.Errorf("archive missing unit %s", name)
		}
	}
}

func TestBuildOmitsJournalDropinWhenDisabled(t *testing.T) {
	archive := Build(false)
	s := string(archive)
	if !strings.Contains(s, "bcvk-journal-stream.service") {
		t.Fatal("unit file itself should still be present")
	}
	if strings.Contains(s, "50-bcvk-journal-stream.service.conf") {
		t.Fatal("drop-in should be omitted when journal streaming is disabled")
	}
}
