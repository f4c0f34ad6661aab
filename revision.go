package didauth

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NextRevision returns the revision that follows prev, using the
// "<generation>-<suffix>" shape document stores hand out.
func NextRevision(prev string) string {
	gen := RevisionGeneration(prev)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strconv.Itoa(gen+1) + "-" + suffix
}

// RevisionGeneration extracts the generation counter from a revision
func RevisionGeneration(rev string) int {
	head, _, found := strings.Cut(rev, "-")
	if !found {
		return 0
	}
	gen, err := strconv.Atoi(head)
	if err != nil || gen < 0 {
		return 0
	}
	return gen
}
