package types

import (
	"errors"
	"fmt"
)

// MaxTags is the largest number of tags a single InvalidationMessage may carry.
const MaxTags = 64

// ErrNoTags is returned for a message without tags.
var ErrNoTags = errors.New("invalidation message has no tags")

// ErrTooManyTags is returned when a message exceeds MaxTags.
var ErrTooManyTags = errors.New("invalidation message has too many tags")

// InvalidationMessage is the event fanned out to clients after a mutation.
// It is transient: never persisted, never replayed.
type InvalidationMessage struct {
	Tags    []Tag  `json:"tags"`
	Message string `json:"message,omitempty"`
}

// Validate checks the tag count bounds.
func (m InvalidationMessage) Validate() error {
	if len(m.Tags) == 0 {
		return ErrNoTags
	}
	if len(m.Tags) > MaxTags {
		return fmt.Errorf("%w: %d > %d", ErrTooManyTags, len(m.Tags), MaxTags)
	}
	return nil
}
