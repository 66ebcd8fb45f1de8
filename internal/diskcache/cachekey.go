package diskcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// InstallOptions is the value object hashed into the cache key
// (SPEC_FULL.md 3). Normalization sorts KernelArgs and lower-cases
// Filesystem/Bootloader before hashing, so logically identical options
// always produce the same key regardless of caller iteration order.
type InstallOptions struct {
	Filesystem      string // ext4|xfs|btrfs
	RootSizeBytes   int64  // 0 means unset/default
	KernelArgs      []string
	Bootloader      string
	ComposefsBackend bool
}

func (o InstallOptions) normalized() string {
	args := append([]string(nil), o.KernelArgs...)
	sort.Strings(args)
	return fmt.Sprintf("%s\x1f%d\x1f%s\x1f%s\x1f%t",
		strings.ToLower(o.Filesystem),
		o.RootSizeBytes,
		strings.Join(args, "\x1e"),
		strings.ToLower(o.Bootloader),
		o.ComposefsBackend,
	)
}

// CacheKey is the full and short forms of a base disk's identity.
// Full is stored in xattrs for exact-match verification; Short is the
// filename-safe, truncated form.
type CacheKey struct {
	Full  string
	Short string
}

// NewCacheKey computes sha256(image_digest ‖ sep ‖ normalized_install_options ‖ sep ‖ kernel_args),
// truncating to 16 hex characters for Short (SPEC_FULL.md 3).
func NewCacheKey(imageDigest string, opts InstallOptions, kargs string) CacheKey {
	h := sha256.New()
	h.Write([]byte(imageDigest))
	h.Write([]byte{0})
	h.Write([]byte(opts.normalized()))
	h.Write([]byte{0})
	h.Write([]byte(kargs))
	full := hex.EncodeToString(h.Sum(nil))
	return CacheKey{Full: full, Short: full[:16]}
}

// BaseDiskName returns the filename a base disk with this key is
// stored under.
func (k CacheKey) BaseDiskName() string {
	return fmt.Sprintf("bootc-base-%s.qcow2", k.Short)
}
