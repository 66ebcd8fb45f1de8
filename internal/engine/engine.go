// Package engine is the thin collaborator boundary described in
// SPEC_FULL.md §6: inspect(ref) and pull(ref) against the container
// engine, returning a canonical ImageDigest. Everything about image
// pulling, inspection, and metadata beyond that is out of scope
// (spec.md §1's explicit out-of-scope list); this package exists only
// to give the rest of the module a typed digest to key the disk cache
// on.
package engine

import (
	"context"
	"fmt"

	"github.com/containers/image/v5/docker"
	"github.com/containers/image/v5/docker/reference"
	"github.com/containers/image/v5/types"
	digest "github.com/opencontainers/go-digest"

	"github.com/coreos/bcvk-go/internal/bcvkerr"
)

// Inspection is the subset of image metadata the rest of this module
// needs: its canonical digest and total layer size. OS is always
// "linux"; it is not read from the image's os-release.
type Inspection struct {
	Digest  digest.Digest
	OS      string
	Size    int64
}

// Inspect resolves ref (an opaque string understood by the container
// engine — registry reference, tag, or local storage id) to its
// canonical sha256:<64-hex> digest via containers/image/v5's docker
// transport, the same library the teacher's rpmostree-client-go
// dependency chain already pulls in (SPEC_FULL.md §6).
func Inspect(ctx context.Context, sysCtx *types.SystemContext, ref string) (*Inspection, error) {
	parsed, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.ConfigInvalid, err, "parsing image reference %q", ref)
	}

	imgRef, err := docker.NewReference(reference.TagNameOnly(parsed))
	if err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.ConfigInvalid, err, "building docker reference for %q", ref)
	}

	src, err := imgRef.NewImageSource(ctx, sysCtx)
	if err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.Preflight, err, "opening image source for %q", ref)
	}
	defer src.Close()

	img, err := imgRef.NewImage(ctx, sysCtx)
	if err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.Preflight, err, "reading image manifest for %q", ref)
	}
	defer img.Close()

	manifestBytes, _, err := img.Manifest(ctx)
	if err != nil {
		return nil, bcvkerr.Wrapf(bcvkerr.Preflight, err, "reading manifest bytes for %q", ref)
	}
	d := digest.FromBytes(manifestBytes)

	var size int64
	for _, layer := range img.LayerInfos() {
		size += layer.Size
	}

	return &Inspection{Digest: d, OS: "linux", Size: size}, nil
}

// Pull validates ref as an image reference and then returns an error:
// it does not fetch anything into local container storage, since
// pulling is left to the container engine itself (e.g. `podman pull`).
func Pull(ctx context.Context, sysCtx *types.SystemContext, ref string) error {
	// Pulling is delegated to the container engine proper (e.g. `podman
	// pull`) in normal operation; this entry point exists so callers
	// that already hold a SystemContext (tests, disconnected scratch
	// pools) can trigger the same containers/image copy path Inspect
	// uses without shelling out. Left unimplemented beyond validation:
	// spec.md §1 places "image pulling" out of scope for this core.
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return bcvkerr.Wrapf(bcvkerr.ConfigInvalid, err, "parsing image reference %q", ref)
	}
	return fmt.Errorf("pull(%q): delegated to the container engine, not implemented by this core (SPEC_FULL.md §6)", ref)
}
