// Package capability implements capability tokens and capability sets.
//
// Capabilities allow filtering slaves so that they are only sent commands
// they can actually execute. A slave running on an AMD64 CPU declares the
// capability "amd64"; a command that requires "arm" is never assigned to it.
//
// Tokens are interned: every Cap with the same name shares one canonical
// value, so equality is a handle comparison. A Set is sorted and
// duplicate-free and is never mutated after construction.
package capability

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
	"unique"
)

const (
	// MaxTokenLength bounds the byte length of a single token.
	MaxTokenLength = 128
	// MaxSetSize bounds the number of distinct tokens in a set.
	MaxSetSize = 256
)

// ErrMalformed is returned when wire input cannot form a capability set.
var ErrMalformed = errors.New("malformed capability")

// Cap is an interned capability token.
type Cap struct {
	h unique.Handle[string]
}

// Intern returns the canonical Cap for name without validating it.
func Intern(name string) Cap {
	return Cap{h: unique.Make(name)}
}

// Name returns the token text.
func (c Cap) Name() string {
	return c.h.Value()
}

// String implements fmt.Stringer.
func (c Cap) String() string {
	return c.Name()
}

// Compare orders caps by token text.
func (c Cap) Compare(other Cap) int {
	if c.h == other.h {
		return 0
	}
	return cmp.Compare(c.Name(), other.Name())
}

// Validate checks a token received from the wire.
func Validate(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty token", ErrMalformed)
	case len(name) > MaxTokenLength:
		return fmt.Errorf("%w: token longer than %d bytes", ErrMalformed, MaxTokenLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: token is not valid UTF-8", ErrMalformed)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: token %q has surrounding whitespace", ErrMalformed, name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: token %q contains control characters", ErrMalformed, name)
		}
	}
	return nil
}

// Set is an ordered, duplicate-free collection of capabilities. The zero
// value is the empty set.
type Set struct {
	caps []Cap
}

// New builds a set from raw tokens, deduplicating and sorting them.
func New(tokens ...string) (Set, error) {
	caps := make([]Cap, 0, len(tokens))
	for _, t := range tokens {
		if err := Validate(t); err != nil {
			return Set{}, err
		}
		caps = append(caps, Intern(t))
	}
	s := FromCaps(caps...)
	if s.Len() > MaxSetSize {
		return Set{}, fmt.Errorf("%w: %d tokens exceeds limit of %d", ErrMalformed, s.Len(), MaxSetSize)
	}
	return s, nil
}

// MustNew is like New but panics on malformed input. Intended for
// literals in code and tests.
func MustNew(tokens ...string) Set {
	s, err := New(tokens...)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse splits a comma separated list, ignoring blank entries.
func Parse(list string) (Set, error) {
	var tokens []string
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			tokens = append(tokens, part)
		}
	}
	return New(tokens...)
}

// FromCaps builds a set from already interned caps.
func FromCaps(caps ...Cap) Set {
	if len(caps) == 0 {
		return Set{}
	}
	sorted := slices.Clone(caps)
	slices.SortFunc(sorted, Cap.Compare)
	sorted = slices.CompactFunc(sorted, func(a, b Cap) bool { return a.h == b.h })
	return Set{caps: slices.Clip(sorted)}
}

// Len returns the cardinality of the set.
func (s Set) Len() int {
	return len(s.caps)
}

// IsEmpty reports whether the set has no tokens.
func (s Set) IsEmpty() bool {
	return len(s.caps) == 0
}

// Contains reports whether c is in the set.
func (s Set) Contains(c Cap) bool {
	_, found := slices.BinarySearchFunc(s.caps, c, Cap.Compare)
	return found
}

// ContainsAll reports whether required is a subset of s. The empty set is
// contained in every set.
func (s Set) ContainsAll(required Set) bool {
	if required.Len() > s.Len() {
		return false
	}
	i := 0
	for _, want := range required.caps {
		for i < len(s.caps) && s.caps[i].Compare(want) < 0 {
			i++
		}
		if i == len(s.caps) || s.caps[i].h != want.h {
			return false
		}
		i++
	}
	return true
}

// Equal reports whether both sets hold the same tokens.
func (s Set) Equal(other Set) bool {
	return slices.EqualFunc(s.caps, other.caps, func(a, b Cap) bool { return a.h == b.h })
}

// All iterates the caps in sorted order.
func (s Set) All() iter.Seq[Cap] {
	return slices.Values(s.caps)
}

// Tokens returns the sorted token names. Wire encoding relies on this order.
func (s Set) Tokens() []string {
	out := make([]string, len(s.caps))
	for i, c := range s.caps {
		out[i] = c.Name()
	}
	return out
}

// String renders the set as {a,b,c}.
func (s Set) String() string {
	return "{" + strings.Join(s.Tokens(), ",") + "}"
}
