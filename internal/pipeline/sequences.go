// Package pipeline sequences MRI processing stages over a set of named
// sequences and threads each stage's outputs into the next.
//
// The heavy computation lives in external tools reached through the memoized
// invoker; this package owns the ordering policy, the per-sequence branching
// (registration base, the DWI/ADC transform reuse, skull-stripping base,
// per-sequence intensity models, forest selection) and result publication.
package pipeline

import "sort"

// Sequence identifiers with special registration handling: ADC volumes are
// acquired in the same physical space as DWI, so a DWI registration
// transform is reused for ADC instead of registering ADC independently.
const (
	SequenceDWI = "dwi"
	SequenceADC = "adc"
)

// SequenceSet maps sequence identifiers (e.g. "flair_tra") to file paths.
// The driver replaces paths as stages produce processed outputs; each stage
// operates on a fresh snapshot, never on shared state.
type SequenceSet map[string]string

// IDs returns the sequence identifiers in sorted order.
func (s SequenceSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns an independent copy of the set.
func (s SequenceSet) Clone() SequenceSet {
	cp := make(SequenceSet, len(s))
	for id, path := range s {
		cp[id] = path
	}
	return cp
}
