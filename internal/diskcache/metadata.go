package diskcache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/xattr"

	"github.com/coreos/bcvk-go/internal/bcvkerr"
)

// Xattr namespace constants, matching the names SPEC_FULL.md 3's Base
// Disk invariant names literally.
const (
	xattrImageDigest        = "user.bcvk.image-digest"
	xattrInstallOptionsHash = "user.bcvk.install-options-hash"
	xattrKernelArgs         = "user.bcvk.kernel-args"
)

// Metadata is the xattr-stored provenance record attached to every
// finalized base disk.
type Metadata struct {
	ImageDigest        string
	InstallOptionsHash string
	KernelArgs         string
}

// optionsHash hashes just the normalized install options, independent
// of the image digest and kargs, so the on-disk record can be checked
// field-by-field without needing to recompute the combined CacheKey.
func optionsHash(opts InstallOptions) string {
	sum := sha256.Sum256([]byte(opts.normalized()))
	return hex.EncodeToString(sum[:])
}

// expectedMetadata is what a base disk's xattrs must read back as for
// it to be considered a match for (imageDigest, opts, kargs).
func expectedMetadata(imageDigest string, opts InstallOptions, kargs string) Metadata {
	return Metadata{
		ImageDigest:        imageDigest,
		InstallOptionsHash: optionsHash(opts),
		KernelArgs:         kargs,
	}
}

// writeMetadata stamps path with m's three xattrs.
func writeMetadata(path string, m Metadata) error {
	if err := xattr.Set(path, xattrImageDigest, []byte(m.ImageDigest)); err != nil {
		return bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "writing %s", xattrImageDigest)
	}
	if err := xattr.Set(path, xattrInstallOptionsHash, []byte(m.InstallOptionsHash)); err != nil {
		return bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "writing %s", xattrInstallOptionsHash)
	}
	if err := xattr.Set(path, xattrKernelArgs, []byte(m.KernelArgs)); err != nil {
		return bcvkerr.Wrapf(bcvkerr.StorageBackend, err, "writing %s", xattrKernelArgs)
	}
	return nil
}

// readMetadata reads back the three xattrs, returning an error if any
// is absent (treated by callers as "not a valid base disk").
func readMetadata(path string) (Metadata, error) {
	digest, err := xattr.Get(path, xattrImageDigest)
	if err != nil {
		return Metadata{}, err
	}
	optsHash, err := xattr.Get(path, xattrInstallOptionsHash)
	if err != nil {
		return Metadata{}, err
	}
	kargs, err := xattr.Get(path, xattrKernelArgs)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		ImageDigest:        string(digest),
		InstallOptionsHash: string(optsHash),
		KernelArgs:         string(kargs),
	}, nil
}
