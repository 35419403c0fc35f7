// Package models defines the core data types shared across the decoder:
// update records flowing in from the data stream, feature descriptors, and
// translation results flowing out to callers.
package models

import (
	"fmt"
	"strings"
)

// Channel identifies an independent ordered source of training updates.
type Channel int16

// SeqID is a monotonic sequence number within a channel, used as the
// resumption cursor for an at-least-once upstream feed.
type SeqID int64

// MemoryID identifies a unit of translation training data subject to
// addition and deletion.
type MemoryID int64

// AlignmentPoint links one source token index to one target token index.
type AlignmentPoint struct {
	Source int `json:"source"`
	Target int `json:"target"`
}

// Alignment is the word alignment of a source/target sentence pair.
type Alignment []AlignmentPoint

// Validate checks that every alignment point is within bounds for the given
// token counts.
func (a Alignment) Validate(sourceTokens, targetTokens int) error {
	for _, p := range a {
		if p.Source < 0 || p.Source >= sourceTokens {
			return fmt.Errorf("alignment source index %d out of bounds (%d tokens)", p.Source, sourceTokens)
		}
		if p.Target < 0 || p.Target >= targetTokens {
			return fmt.Errorf("alignment target index %d out of bounds (%d tokens)", p.Target, targetTokens)
		}
	}
	return nil
}

// String renders the alignment in the conventional "s-t s-t" form.
func (a Alignment) String() string {
	var sb strings.Builder
	for i, p := range a {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d-%d", p.Source, p.Target)
	}
	return sb.String()
}

// TranslationUnit is one raw training example delivered by the data stream.
// Units are immutable once received.
type TranslationUnit struct {
	Channel   Channel   `json:"channel"`
	Position  SeqID     `json:"position"`
	Memory    MemoryID  `json:"memory"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Alignment Alignment `json:"alignment,omitempty"`
}

// Validate checks the unit for structural problems: empty sentences, a
// non-positive memory id, or alignment indices out of bounds for the
// space-tokenized source and target.
func (u *TranslationUnit) Validate() error {
	if u.Memory <= 0 {
		return fmt.Errorf("translation unit: invalid memory id %d", u.Memory)
	}
	if strings.TrimSpace(u.Source) == "" {
		return fmt.Errorf("translation unit: empty source sentence")
	}
	if strings.TrimSpace(u.Target) == "" {
		return fmt.Errorf("translation unit: empty target sentence")
	}
	src := strings.Fields(u.Source)
	tgt := strings.Fields(u.Target)
	if err := u.Alignment.Validate(len(src), len(tgt)); err != nil {
		return fmt.Errorf("translation unit: %w", err)
	}
	return nil
}

// Deletion retracts a previously delivered memory from the model. Channel
// and Position are carried for cursor accounting like any other record.
type Deletion struct {
	Channel  Channel  `json:"channel"`
	Position SeqID    `json:"position"`
	Memory   MemoryID `json:"memory"`
}

// Validate rejects deletions with a non-positive memory id.
func (d *Deletion) Validate() error {
	if d.Memory <= 0 {
		return fmt.Errorf("deletion: invalid memory id %d", d.Memory)
	}
	return nil
}
