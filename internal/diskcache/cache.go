// Package diskcache implements the content-addressed qcow2 base-disk
// store: lookup/create/clone/list/prune over a single pool directory,
// with xattr-stored provenance and qcow2 backing-file chains for
// clone-on-read. See SPEC_FULL.md 4.G.
package diskcache

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/coreos/bcvk-go/internal/bcvkerr"
	"github.com/coreos/bcvk-go/internal/bcvklog"
)

var plog = bcvklog.New("internal/diskcache")

// Cache manages base and VM disks under a single pool directory (the
// libvirt storage pool path, or a user-chosen scratch directory for
// disconnected use).
type Cache struct {
	Dir string
}

// New returns a Cache rooted at dir, creating it if missing.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "creating cache directory %s", dir)
	}
	return &Cache{Dir: dir}, nil
}

func (c *Cache) basePath(key CacheKey) string {
	return filepath.Join(c.Dir, key.BaseDiskName())
}

// Lookup returns the path to a valid base disk for (imageDigest, opts,
// kargs), or "", false on a miss. A base disk whose xattrs are present
// but don't match key is stale and is removed before reporting a miss
// (SPEC_FULL.md 4.G).
func (c *Cache) Lookup(imageDigest string, opts InstallOptions, kargs string) (string, bool, error) {
	key := NewCacheKey(imageDigest, opts, kargs)
	path := c.basePath(key)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "stat %s", path)
	}

	want := expectedMetadata(imageDigest, opts, kargs)
	got, err := readMetadata(path)
	if err != nil || got != want {
		plog.Warningf("stale base disk %s (metadata mismatch or unreadable: %v); removing", path, err)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return "", false, bcvkerr.Wrapf(bcvkerr.CacheStale, rmErr, "removing stale base disk %s", path)
		}
		return "", false, nil
	}
	return path, true, nil
}

// Producer materializes a base disk at tmpPath, returning an error on
// any failure (the tmp file is then removed by Create). This is the
// interface the Install Runner implements.
type Producer func(tmpPath string) error

// Create allocates target.tmp, invokes producer, and on success writes
// the xattr record and atomically renames tmp to target. On any error
// the tmp file is removed. (SPEC_FULL.md 4.G)
func (c *Cache) Create(imageDigest string, opts InstallOptions, kargs string, producer Producer) (path string, err error) {
	key := NewCacheKey(imageDigest, opts, kargs)
	target := c.basePath(key)
	tmp := target + ".tmp"

	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if err = producer(tmp); err != nil {
		return "", err
	}

	f, openErr := os.Open(tmp)
	if openErr != nil {
		err = bcvkerr.Wrapf(bcvkerr.StorageBackend, openErr, "reopening %s to sync", tmp)
		return "", err
	}
	if syncErr := f.Sync(); syncErr != nil {
		f.Close()
		err = bcvkerr.Wrapf(bcvkerr.StorageBackend, syncErr, "fsyncing %s", tmp)
		return "", err
	}
	f.Close()

	if metaErr := writeMetadata(tmp, expectedMetadata(imageDigest, opts, kargs)); metaErr != nil {
		err = metaErr
		return "", err
	}

	if renameErr := os.Rename(tmp, target); renameErr != nil {
		err = bcvkerr.Wrapf(bcvkerr.StorageBackend, renameErr, "renaming %s to %s", tmp, target)
		return "", err
	}
	return target, nil
}

// Clone creates `{vmName}.qcow2` with a qcow2 backing file referencing
// basePath, replacing any existing volume of that name first, by
// shelling out to qemu-img (the same external-collaborator pattern the
// teacher uses in Disk.prepare for backing_file= overlays). It does not
// go through libvirt's storage-pool volume API, even for `libvirt run`,
// so a libvirt pool over this directory only sees the new file after
// its own refresh.
func (c *Cache) Clone(basePath, vmName string) (string, error) {
	target := filepath.Join(c.Dir, vmName+".qcow2")
	if _, err := os.Stat(target); err == nil {
		if err := os.Remove(target); err != nil {
			return "", bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "removing existing volume %s", target)
		}
	} else if !os.IsNotExist(err) {
		return "", bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "stat %s", target)
	}

	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "resolving base disk path")
	}
	cmd := exec.Command("qemu-img", "create", "-f", "qcow2",
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2,lazy_refcounts=on", absBase), target)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "creating overlay %s", target)
	}
	return target, nil
}

// BaseDiskInfo is one entry of List's result.
type BaseDiskInfo struct {
	Path         string
	ImageDigest  string
	VirtualSize  int64
	ActualSize   int64
	RefCount     int
}

type qemuImgInfo struct {
	VirtualSize int64  `json:"virtual-size"`
	ActualSize  int64  `json:"actual-size"`
	BackingFile string `json:"backing-filename"`
	Filename    string `json:"filename"`
}

func qemuImgInspect(path string) (*qemuImgInfo, error) {
	out, err := exec.Command("qemu-img", "info", "--output=json", "--force-share", path).Output()
	if err != nil {
		return nil, err
	}
	var info qemuImgInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// List enumerates base disks with their reference counts, computed by
// scanning every *.qcow2 in the pool for a backing file matching the
// base's filename. Unreadable VM disks are conservatively counted as
// referencing every base, so Prune never removes something possibly
// in use (SPEC_FULL.md 4.G).
func (c *Cache) List() ([]BaseDiskInfo, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "reading cache directory %s", c.Dir)
	}

	var bases []string
	var all []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".qcow2") {
			continue
		}
		all = append(all, name)
		if strings.HasPrefix(name, "bootc-base-") {
			bases = append(bases, name)
		}
	}

	refCounts := make(map[string]int, len(bases))
	for _, b := range bases {
		refCounts[b] = 0
	}

	for _, name := range all {
		if strings.HasPrefix(name, "bootc-base-") {
			continue
		}
		path := filepath.Join(c.Dir, name)
		info, err := qemuImgInspect(path)
		if err != nil {
			plog.Warningf("could not inspect %s (%v); counting it as referencing every base", path, err)
			for b := range refCounts {
				refCounts[b]++
			}
			continue
		}
		backingName := filepath.Base(info.BackingFile)
		if _, ok := refCounts[backingName]; ok {
			refCounts[backingName]++
		}
	}

	result := make([]BaseDiskInfo, 0, len(bases))
	for _, b := range bases {
		path := filepath.Join(c.Dir, b)
		meta, _ := readMetadata(path)
		info, err := qemuImgInspect(path)
		var virtualSize int64
		if err == nil {
			virtualSize = info.VirtualSize
		}
		result = append(result, BaseDiskInfo{
			Path:        path,
			ImageDigest: meta.ImageDigest,
			VirtualSize: virtualSize,
			ActualSize:  fiemapSize(path),
			RefCount:    refCounts[b],
		})
	}
	return result, nil
}

// Prune removes every base disk with refcount 0 via os.Remove; it does
// not go through libvirt's storage-pool volume-delete. dryRun only
// reports what would be removed.
func (c *Cache) Prune(dryRun bool) ([]string, error) {
	bases, err := c.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, b := range bases {
		if b.RefCount != 0 {
			continue
		}
		removed = append(removed, b.Path)
		if dryRun {
			continue
		}
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			return removed, bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "removing %s", b.Path)
		}
	}
	return removed, nil
}
