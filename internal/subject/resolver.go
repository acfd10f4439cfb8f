// Package subject maps arbitrary channel metadata to a canonical,
// channel-independent subject identity. Two payloads that refer to the
// same real customer must resolve to byte-identical subject IDs, no
// matter which channel produced them.
package subject

import (
	"context"
	"fmt"
)

// Resolver turns channel metadata into a canonical subject ID.
// Implementations must be deterministic: equivalent payloads always
// yield the same ID.
type Resolver interface {
	Resolve(ctx context.Context, metadata map[string]any) (string, error)
}

// ResolutionError indicates that no identifying field could be found in
// the metadata. It is fatal to the turn and surfaced to the caller.
type ResolutionError struct {
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("subject resolution failed: %s", e.Reason)
}
