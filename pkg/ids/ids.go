// Package ids provides identifier generation and a deterministic per-workflow
// RNG source for the orchestrator's retry backoff.
package ids

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"

	"github.com/google/uuid"
)

// New returns a fresh random UUID string, used for workflow, event, and
// correlation identifiers.
func New() string {
	return uuid.NewString()
}

// SeededRNG returns a random number generator deterministically derived from
// runID. The state machine runtime (pkg/orchestrator's Engine.Run) seeds its
// retry backoff jitter with this, so that repeated runs of the same workflow
// id produce reproducible delays under test.
func SeededRNG(runID string) *rand.Rand {
	hasher := sha256.New()
	hasher.Write([]byte(runID))
	sum := hasher.Sum(nil)
	seed := int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- deterministic seeding, not security
	return rand.New(rand.NewSource(seed))           // #nosec G404 -- deterministic RNG for reproducible backoff, not security
}
