package checkpoint

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/copyd/copyd/internal/job"
	"github.com/zeebo/blake3"
)

// ImmutableDigest computes a stable digest over j's immutable fields,
// the same blake3 tool the teacher's checkpointJobID uses for its
// deterministic id. A checkpoint is only valid for resume if this digest
// still matches, per spec §3's Checkpoint invariant.
func ImmutableDigest(j *job.Job) string {
	h := blake3.New()

	sources := append([]string(nil), j.Sources...)
	sort.Strings(sources)
	fmt.Fprintf(h, "sources=%s\n", strings.Join(sources, "\x00"))
	fmt.Fprintf(h, "dest=%s\n", j.Destination)
	fmt.Fprintf(h, "recursive=%t\n", j.Recursive)
	fmt.Fprintf(h, "metadata=%+v\n", j.Metadata)
	fmt.Fprintf(h, "verify=%d\n", j.Verify)
	fmt.Fprintf(h, "collision=%d\n", j.Collision)
	fmt.Fprintf(h, "engine=%d\n", j.Engine)
	if j.Rename != nil {
		fmt.Fprintf(h, "rename=%s=>%s\n", j.Rename.Pattern, j.Rename.Replacement)
	}
	fmt.Fprintf(h, "chunk=%d\n", j.ChunkSize)

	return hex.EncodeToString(h.Sum(nil))
}

// ValidForResume reports whether rec can be used to resume j: its
// immutable-fields digest must match, per spec §3/§4.4.
func ValidForResume(rec Record, j *job.Job) bool {
	return rec.ImmutableDigest == ImmutableDigest(j)
}
