package dialplan

import (
	"context"
	"strings"
)

// Entry is one table-driven prefix match within a context.
type Entry struct {
	Number        string // exact number, or a prefix when Prefix is true
	Prefix        bool
	IgnorePattern bool // this entry is a catch-all the host doesn't want advertised
}

// Static is a fixed, in-memory Dialplan test double keyed by lcontext.
// It has no notion of Asterisk-style pattern syntax; Prefix entries match
// by literal string prefix, which is enough to exercise the engine's
// local-answer evaluation in tests.
type Static struct {
	contexts map[string][]Entry
}

// NewStatic builds a Static dialplan from a context-name-keyed entry table.
func NewStatic(contexts map[string][]Entry) *Static {
	if contexts == nil {
		contexts = map[string][]Entry{}
	}
	return &Static{contexts: contexts}
}

func (s *Static) entries(lcontext string) []Entry {
	return s.contexts[lcontext]
}

// Exists reports an exact, non-prefix match.
func (s *Static) Exists(_ context.Context, lcontext, number string) (bool, error) {
	for _, e := range s.entries(lcontext) {
		if !e.Prefix && e.Number == number {
			return true, nil
		}
	}
	return false, nil
}

// CanMatch reports whether number is a prefix of some entry, or itself
// matches a Prefix entry.
func (s *Static) CanMatch(_ context.Context, lcontext, number string) (bool, error) {
	for _, e := range s.entries(lcontext) {
		if e.Prefix && strings.HasPrefix(number, e.Number) {
			return true, nil
		}
		if strings.HasPrefix(e.Number, number) {
			return true, nil
		}
	}
	return false, nil
}

// MatchMore reports whether some Prefix entry extends beyond number's
// current length, or number extends a Prefix entry by at most four digits.
func (s *Static) MatchMore(_ context.Context, lcontext, number string) (bool, error) {
	for _, e := range s.entries(lcontext) {
		if e.Prefix && len(e.Number) > len(number) && strings.HasPrefix(e.Number, number) {
			return true, nil
		}
		if e.Prefix && strings.HasPrefix(number, e.Number) && len(number) <= len(e.Number)+4 {
			return true, nil
		}
	}
	return false, nil
}

// IgnorePattern reports whether number falls under an entry flagged as a
// catch-all the host doesn't want advertised externally.
func (s *Static) IgnorePattern(_ context.Context, lcontext, number string) (bool, error) {
	for _, e := range s.entries(lcontext) {
		if e.IgnorePattern && (e.Number == number || (e.Prefix && strings.HasPrefix(number, e.Number))) {
			return true, nil
		}
	}
	return false, nil
}
