// Package dialplan declares the narrow interface this engine uses to ask
// the host application whether a number matches something locally, without
// implementing any pattern-matching logic itself. A Static test double is
// provided for engine tests; wiring a real dialplan is the host's job.
package dialplan

import "context"

// Dialplan answers the four questions local-answer evaluation needs about
// a number within a local dialplan context.
type Dialplan interface {
	// Exists reports whether number matches exactly within lcontext.
	Exists(ctx context.Context, lcontext, number string) (bool, error)
	// CanMatch reports whether number could be the start of some valid
	// pattern in lcontext.
	CanMatch(ctx context.Context, lcontext, number string) (bool, error)
	// MatchMore reports whether a longer number than the one given could
	// still match in lcontext.
	MatchMore(ctx context.Context, lcontext, number string) (bool, error)
	// IgnorePattern reports whether number matches a pattern the host has
	// flagged as not worth advertising (e.g. a catch-all).
	IgnorePattern(ctx context.Context, lcontext, number string) (bool, error)
}
