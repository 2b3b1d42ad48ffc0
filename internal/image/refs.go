package image

import "github.com/distribution/reference"

// isPinnedRef reports whether ref identifies an immutable image: a digest,
// or an explicit tag other than latest. Anything else can move under us, so
// it always warrants a fresh pull.
func isPinnedRef(ref string) bool {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return false
	}
	if _, ok := named.(reference.Canonical); ok {
		return true
	}
	if tagged, ok := named.(reference.Tagged); ok {
		return tagged.Tag() != "latest"
	}
	return false
}
