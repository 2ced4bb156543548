package containerrt

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// resolveOnce is a single, non-retried attempt to resolve nameVersion to
// a digest via the remote registry's manifest API — no local daemon or
// `docker pull` is involved, matching the "pulled if not present" wording
// of spec.md §4.4 as a registry-level HEAD/GET rather than a local image
// cache.
func resolveOnce(ctx context.Context, nameVersion string) (string, error) {
	ref, err := name.ParseReference(nameVersion)
	if err != nil {
		return "", fmt.Errorf("parse image reference: %w", err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetch manifest: %w", err)
	}

	return desc.Digest.String(), nil
}
