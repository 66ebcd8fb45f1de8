// Package initramfs builds the CPIO newc archive that augments a
// container image's initramfs with the systemd units that shape the
// guest mount tree (SPEC_FULL.md 4.B). No CPIO library appears anywhere
// in the retrieval pack, so the newc format is written directly against
// its on-disk layout; see DESIGN.md for that justification.
package initramfs

import (
	"bytes"
	"fmt"
	"io"
	"sort"
)

const (
	cpioMagic   = "070701"
	cpioTrailer = "TRAILER!!!"
	modeDir     = 0o040755
	modeFile    = 0o100644
)

// entry is one file or directory in the archive, ordered by Writer so
// that parent directories always precede their children (required by
// the kernel's cpio-based initramfs unpacker).
type entry struct {
	name  string
	mode  uint32
	data  []byte
	isDir bool
}

// Writer accumulates files and directories and serializes them to a
// newc-format CPIO archive via Bytes or WriteTo.
type Writer struct {
	entries []entry
	dirs    map[string]bool
}

// NewWriter returns an empty archive builder.
func NewWriter() *Writer {
	return &Writer{dirs: map[string]bool{}}
}

// AddFile adds a regular file at path (relative, no leading slash) with
// mode 0644, creating any parent directories implied by path that
// haven't already been added.
func (w *Writer) AddFile(path string, data []byte) {
	w.ensureDirs(path)
	w.entries = append(w.entries, entry{name: path, mode: modeFile, data: data})
}

func (w *Writer) ensureDirs(path string) {
	var dirs []string
	for i, c := range path {
		if c == '/' {
			dirs = append(dirs, path[:i])
		}
	}
	for _, d := range dirs {
		if !w.dirs[d] {
			w.dirs[d] = true
			w.entries = append(w.entries, entry{name: d, mode: modeDir, isDir: true})
		}
	}
}

// Bytes serializes the archive in newc format, sorted so that every
// directory appears before the entries it contains (a stable sort on
// path depth preserves the insertion order of siblings).
func (w *Writer) Bytes() []byte {
	ordered := make([]entry, len(w.entries))
	copy(ordered, w.entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return depth(ordered[i].name) < depth(ordered[j].name)
	})

	var buf bytes.Buffer
	ino := uint32(1)
	for _, e := range ordered {
		writeEntry(&buf, e, ino)
		ino++
	}
	writeEntry(&buf, entry{name: cpioTrailer, mode: 0}, 0)
	return buf.Bytes()
}

func depth(path string) int {
	n := 0
	for _, c := range path {
		if c == '/' {
			n++
		}
	}
	return n
}

func writeEntry(buf *bytes.Buffer, e entry, ino uint32) {
	name := e.name + "\x00"
	header := fmt.Sprintf("%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		cpioMagic,
		ino,
		e.mode,
		0, // uid
		0, // gid
		1, // nlink
		0, // mtime
		len(e.data),
		0, 0, // devmajor/minor
		0, 0, // rdevmajor/minor
		len(name),
		0, // check
	)
	buf.WriteString(header)
	buf.WriteString(name)
	padTo4(buf, len(header)+len(name))
	buf.Write(e.data)
	padTo4(buf, len(e.data))
}

func padTo4(buf *bytes.Buffer, written int) {
	if pad := (4 - written%4) % 4; pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

// WriteTo writes the serialized archive to w.
func (a *Writer) WriteTo(w io.Writer) (int64, error) {
	b := a.Bytes()
	n, err := w.Write(b)
	return int64(n), err
}
