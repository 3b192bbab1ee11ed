package cases

import "github.com/google/uuid"

// NewID returns a fresh case identifier, drawn from a 128-bit random
// space. Collisions are vanishingly rare, but the archive still probes
// for one and re-allocates rather than ever merging two cases.
func NewID() string {
	return uuid.NewString()
}
