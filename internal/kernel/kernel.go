// Package kernel locates the kernel (and, for traditional boots, the
// initramfs) inside an unmodified bootc container image root, per the
// search order in SPEC_FULL.md 4.A: Unified Kernel Images take
// precedence over traditional vmlinuz+initramfs pairs, and finding more
// than one kernel of the winning kind is a hard failure — callers must
// never guess which one to boot.
package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/coreos/bcvk-go/internal/bcvklog"
)

var plog = bcvklog.New("internal/kernel")

// Info describes exactly one bootable kernel found in an image root.
// IsUKI implies InitramfsPath is empty: a Unified Kernel Image carries
// its own initramfs compiled in.
type Info struct {
	KernelPath    string
	InitramfsPath string
	IsUKI         bool
}

// ErrNoKernel is returned when zero UKIs and zero traditional kernels
// are found anywhere in the search order.
var ErrNoKernel = errors.New("no kernel found in image root")

// MultipleKernelsError is returned when more than one kernel of the
// winning kind (UKI, or else traditional) is found. Paths lists every
// candidate so the caller can report them; this package never guesses.
type MultipleKernelsError struct {
	Kind  string // "UKI" or "traditional kernel"
	Paths []string
}

func (e *MultipleKernelsError) Error() string {
	return fmt.Sprintf("multiple %ss found, refusing to guess: %s", e.Kind, strings.Join(e.Paths, ", "))
}

// Locate resolves the single Kernel Info for the image root at rootDir.
// Only directory structure and filename extensions are examined; file
// contents are never parsed.
func Locate(rootDir string) (*Info, error) {
	ukis, err := findUKIs(rootDir)
	if err != nil {
		return nil, errors.Wrap(err, "scanning for UKIs")
	}
	if len(ukis) > 1 {
		sort.Strings(ukis)
		return nil, &MultipleKernelsError{Kind: "UKI", Paths: ukis}
	}
	if len(ukis) == 1 {
		plog.Debugf("locate: found UKI %s", ukis[0])
		return &Info{KernelPath: ukis[0], IsUKI: true}, nil
	}

	traditional, err := findTraditional(rootDir)
	if err != nil {
		return nil, errors.Wrap(err, "scanning for traditional kernels")
	}
	if len(traditional) > 1 {
		paths := make([]string, 0, len(traditional))
		for _, t := range traditional {
			paths = append(paths, t.KernelPath)
		}
		sort.Strings(paths)
		return nil, &MultipleKernelsError{Kind: "traditional kernel", Paths: paths}
	}
	if len(traditional) == 1 {
		plog.Debugf("locate: found traditional kernel %s", traditional[0].KernelPath)
		return &traditional[0], nil
	}

	return nil, ErrNoKernel
}

// findUKIs implements search order 1 and 2: boot/EFI/Linux/*.efi, then
// usr/lib/modules/<ver>/*.efi.
func findUKIs(rootDir string) ([]string, error) {
	var ukis []string

	espDir := filepath.Join(rootDir, "boot", "EFI", "Linux")
	espMatches, err := globIfExists(espDir, "*.efi")
	if err != nil {
		return nil, err
	}
	ukis = append(ukis, espMatches...)

	modulesRoot := filepath.Join(rootDir, "usr", "lib", "modules")
	versions, err := listDirs(modulesRoot)
	if err != nil {
		return nil, err
	}
	for _, ver := range versions {
		matches, err := globIfExists(filepath.Join(modulesRoot, ver), "*.efi")
		if err != nil {
			return nil, err
		}
		ukis = append(ukis, matches...)
	}

	return ukis, nil
}

// findTraditional implements search order 3:
// usr/lib/modules/<ver>/{vmlinuz,initramfs.img}.
func findTraditional(rootDir string) ([]Info, error) {
	modulesRoot := filepath.Join(rootDir, "usr", "lib", "modules")
	versions, err := listDirs(modulesRoot)
	if err != nil {
		return nil, err
	}

	var found []Info
	for _, ver := range versions {
		vmlinuz := filepath.Join(modulesRoot, ver, "vmlinuz")
		if !isRegular(vmlinuz) {
			continue
		}
		info := Info{KernelPath: vmlinuz}
		initramfs := filepath.Join(modulesRoot, ver, "initramfs.img")
		if isRegular(initramfs) {
			info.InitramfsPath = initramfs
		}
		found = append(found, info)
	}
	return found, nil
}

func listDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

func globIfExists(dir, pattern string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func isRegular(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
