package proxy

import (
	"fmt"

	"github.com/guiyumin/streamcached/internal/fingerprint"
	"github.com/guiyumin/streamcached/internal/store"
)

// UpstreamResolver maps a fingerprint to the opaque upstream URL and
// credential header the producer should use. The Proxy never constructs
// these itself: auth flows and backend REST clients are external
// collaborators -- it only consumes what the resolver hands back.
type UpstreamResolver interface {
	Resolve(fp fingerprint.Fingerprint) (upstreamURL, authHeader string, err error)
}

// VariantResolver resolves against previously-discovered Quality Variant
// rows, populated out-of-band by whatever component parses the origin's
// manifest.
type VariantResolver struct {
	variants *store.VariantStore
}

// NewVariantResolver builds a resolver backed by a Quality Variant
// repository.
func NewVariantResolver(variants *store.VariantStore) *VariantResolver {
	return &VariantResolver{variants: variants}
}

// Resolve looks up the stream URL for fp's exact (source, media, quality)
// triple.
func (r *VariantResolver) Resolve(fp fingerprint.Fingerprint) (string, string, error) {
	v, err := r.variants.ByFingerprintParts(fp.SourceID, fp.MediaID, fp.Quality)
	if err != nil {
		return "", "", fmt.Errorf("proxy: resolve upstream for %s: %w", fp.String(), err)
	}
	return v.StreamURL, "", nil
}
