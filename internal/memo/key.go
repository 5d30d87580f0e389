// Package memo implements content-addressed memoization of external tool
// invocations.
//
// Every call to an external program is identified by an InvocationKey derived
// from the operation name and the full parameter record. Two invocations with
// the same key are interchangeable: the invoker never re-executes a key it has
// a stored record for. Anything that can influence a tool's output (input
// paths, thresholds, model files, option flags) must therefore appear in the
// parameter record.
package memo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Params is the named parameter record for one external invocation.
// Values must be JSON-serializable: strings, numbers, booleans, string
// slices, or string maps (for operations that take a whole sequence set).
type Params map[string]any

// Outputs maps output names to file paths produced by an invocation.
type Outputs map[string]string

// InvocationKey is the canonical identity of one cacheable invocation.
type InvocationKey string

// Key computes the InvocationKey for an operation and its parameter record.
//
// The key is a sha256 hex digest over the operation name and a canonical
// serialization of the whole record. Canonical means encoding/json map-key
// ordering: parameter insertion order never affects the key, any value
// change always does. Both fields are length-prefixed so no concatenation
// of (operation, parameters) is ambiguous.
func Key(operation string, params Params) (InvocationKey, error) {
	if operation == "" {
		return "", fmt.Errorf("operation name is empty")
	}
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("serializing parameters for %s: %w", operation, err)
	}

	h := sha256.New()
	writeField := func(data []byte) {
		length := uint64(len(data))
		h.Write([]byte{
			byte(length >> 56),
			byte(length >> 48),
			byte(length >> 40),
			byte(length >> 32),
			byte(length >> 24),
			byte(length >> 16),
			byte(length >> 8),
			byte(length),
		})
		h.Write(data)
	}
	writeField([]byte(operation))
	writeField(canonical)

	return InvocationKey(hex.EncodeToString(h.Sum(nil))), nil
}

// String returns the hex form of the key.
func (k InvocationKey) String() string { return string(k) }

// Short returns a 16-character prefix of the key, used for working
// directory names and log fields.
func (k InvocationKey) Short() string {
	if len(k) < 16 {
		return string(k)
	}
	return string(k[:16])
}
