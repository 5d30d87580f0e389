package pipeline

import (
	"sort"
	"strings"
)

// ForestRegistry maps sequence-set signatures to forest file names.
//
// Lookup is exact-match only: a forest trained on one sequence combination is
// not assumed to work on supersets or subsets of it. The registry exists so a
// real multi-forest catalogue can replace the single known combination
// without touching the driver.
type ForestRegistry struct {
	entries map[string]string
}

// defaultForestSequences is the one combination the shipped forest was
// trained on.
var defaultForestSequences = []string{"flair_tra", "dw_tra_b1000_dmean", "t1_sag_tfe"}

// NewForestRegistry creates a registry holding the default forest.
func NewForestRegistry() *ForestRegistry {
	r := &ForestRegistry{entries: make(map[string]string)}
	r.Register(defaultForestSequences, "forest.pklz")
	return r
}

// Register associates a sequence combination with a forest file name
// (relative to the configured forest directory).
func (r *ForestRegistry) Register(sequenceIDs []string, filename string) {
	r.entries[signature(sequenceIDs)] = filename
}

// Lookup returns the forest file name for exactly the given combination.
func (r *ForestRegistry) Lookup(sequenceIDs []string) (string, error) {
	filename, ok := r.entries[signature(sequenceIDs)]
	if !ok {
		return "", &SelectionError{
			Resource:   "classification forest for sequence combination",
			Candidates: normalized(sequenceIDs),
		}
	}
	return filename, nil
}

// signature normalizes a sequence-id combination to a canonical string.
func signature(sequenceIDs []string) string {
	return strings.Join(normalized(sequenceIDs), ",")
}

func normalized(sequenceIDs []string) []string {
	ids := append([]string(nil), sequenceIDs...)
	sort.Strings(ids)
	return ids
}
