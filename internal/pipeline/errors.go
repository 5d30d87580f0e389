package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSelection marks lookup failures: no configured candidate matches the
// available sequences, or a required per-sequence resource is absent.
var ErrSelection = errors.New("selection failed")

// SelectionError wraps a failed resource selection with the resource name
// and the candidates that were attempted.
type SelectionError struct {
	Resource   string
	Candidates []string
}

func (e *SelectionError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("%s: no %s available", ErrSelection.Error(), e.Resource)
	}
	return fmt.Sprintf("%s: no %s among candidates [%s]",
		ErrSelection.Error(), e.Resource, strings.Join(e.Candidates, ", "))
}

func (e *SelectionError) Unwrap() error { return ErrSelection }
